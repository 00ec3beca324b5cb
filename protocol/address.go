package protocol

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/hashforge/bnet/addrmgr"
	"github.com/hashforge/bnet/peer"
)

// AddressPool is the slice of the host pool the address protocols consume.
type AddressPool interface {
	// FetchMany returns up to limit random pooled addresses.
	FetchMany(limit int) []addrmgr.Address

	// Save admits gossiped addresses, returning the number accepted.
	Save(addrs []addrmgr.Address) int
}

// AddressConfig parameterizes the address exchange protocol.
type AddressConfig struct {
	// Pool backs getaddr responses and stores gossiped addresses.
	Pool AddressPool

	// MaximumAdvertisement caps the entries of a getaddr response.
	MaximumAdvertisement int
}

// Address services address gossip on a live channel: getaddr requests are
// answered from the pool, and received addr messages are filtered and saved.
// Admission filtering lives in the pool itself, so this protocol stays a thin
// adapter between wire form and pool form.
type Address struct {
	cfg     AddressConfig
	channel *peer.Channel

	// responded limits us to one getaddr response per channel, which
	// keeps a chatty peer from using us as an address oracle.
	responded bool
}

// NewAddress creates the address exchange machine for a channel.
func NewAddress(channel *peer.Channel, cfg AddressConfig) *Address {
	return &Address{
		cfg:     cfg,
		channel: channel,
	}
}

// Start subscribes to getaddr and addr. Strand confined.
func (a *Address) Start() {
	err := peer.SubscribeMessage(a.channel, a.channel.NextKey(),
		func(err error, msg *wire.MsgGetAddr) {
			a.handleGetAddr(err)
		})
	if err != nil {
		return
	}

	err = peer.SubscribeMessage(a.channel, a.channel.NextKey(),
		func(err error, msg *wire.MsgAddr) {
			a.handleAddr(err, msg)
		})
	if err != nil {
		return
	}
}

// handleGetAddr answers with a random pool sample.
func (a *Address) handleGetAddr(err error) {
	if err != nil || a.channel.Stopped() {
		return
	}

	if a.responded {
		log.Tracef("Ignoring repeated getaddr from %v",
			a.channel.Authority())
		return
	}
	a.responded = true

	limit := a.cfg.MaximumAdvertisement
	if limit > wire.MaxAddrPerMsg {
		limit = wire.MaxAddrPerMsg
	}

	addrs := a.cfg.Pool.FetchMany(limit)
	if len(addrs) == 0 {
		return
	}

	msg := wire.NewMsgAddr()
	for _, addr := range addrs {
		_ = msg.AddAddress(addr.NetAddress())
	}

	a.channel.Send(msg, nil)
}

// handleAddr saves gossiped addresses through the pool's admission filter.
func (a *Address) handleAddr(err error, msg *wire.MsgAddr) {
	if err != nil || a.channel.Stopped() {
		return
	}

	addrs := make([]addrmgr.Address, 0, len(msg.AddrList))
	for _, na := range msg.AddrList {
		addrs = append(addrs, addrmgr.FromNetAddress(na))
	}

	accepted := a.cfg.Pool.Save(addrs)
	log.Tracef("Stored %d of %d addresses from %v", accepted, len(addrs),
		a.channel.Authority())
}
