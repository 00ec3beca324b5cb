package bnet

import (
	btclog "github.com/btcsuite/btclog/v2"

	"github.com/hashforge/bnet/addrmgr"
	"github.com/hashforge/bnet/peer"
	"github.com/hashforge/bnet/protocol"
	"github.com/hashforge/bnet/session"
	"github.com/hashforge/bnet/transport"
)

// log is a logger that is initialized with no output filters. This means the
// package will not perform any logging by default until the caller requests
// it.
var log = btclog.Disabled

// DisableLog disables all library log output. Logging output is disabled by
// default until UseLogger is called.
func DisableLog() {
	log = btclog.Disabled
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// UseLoggers wires one subsystem logger per package off the given root. The
// tags mirror the package split so per-subsystem level overrides work the
// usual way.
func UseLoggers(root btclog.Logger) {
	UseLogger(root.SubSystem("BNET"))
	addrmgr.UseLogger(root.SubSystem("ADDR"))
	transport.UseLogger(root.SubSystem("TRNS"))
	peer.UseLogger(root.SubSystem("PEER"))
	protocol.UseLogger(root.SubSystem("PROT"))
	session.UseLogger(root.SubSystem("SESS"))
}
