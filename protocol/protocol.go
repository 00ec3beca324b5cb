// Package protocol implements the per-channel protocol machines: the version
// handshake, ping liveness in its pre- and post-BIP31 variants, address
// exchange, reject and alert logging, and the seed bootstrap sequence.
//
// A protocol instance is attached to exactly one channel and runs entirely on
// that channel's strand: it subscribes to typed inbound messages on the
// channel's distributor and sends through the channel. Protocols hold no
// locks; liveness signals arriving from tickers are posted onto the strand
// before they touch protocol state.
package protocol

import (
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/hashforge/bnet/peer"
)

// Protocol is the common surface of an attached protocol machine. Start must
// be called on the channel strand after the instance is constructed.
type Protocol interface {
	Start()
}

// heartbeat pumps ticks from a ticker onto the channel strand until the
// channel stops. The ticker is owned by the pump: it is resumed on start and
// stopped when the channel's terminal code arrives.
func heartbeat(channel *peer.Channel, t ticker.Ticker, onTick func()) error {
	quit := make(chan struct{})

	// The stop subscription both ends the pump goroutine and releases the
	// ticker.
	err := channel.SubscribeStop(channel.NextKey(), func(error) {
		close(quit)
		t.Stop()
	})
	if err != nil {
		t.Stop()
		return err
	}

	t.Resume()

	go func() {
		for {
			select {
			case <-t.Ticks():
				channel.Strand().Post(onTick)

			case <-quit:
				return
			}
		}
	}()

	return nil
}
