package protocol

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/hashforge/bnet/addrmgr"
	"github.com/hashforge/bnet/neterror"
	"github.com/hashforge/bnet/peer"
)

// seedEvents is the number of protocol events a seed exchange comprises: our
// own address sent, the getaddr sent, and the peer's addresses stored.
const seedEvents = 3

// SeedConfig parameterizes the seed bootstrap protocol.
type SeedConfig struct {
	// Pool stores the harvested addresses.
	Pool AddressPool

	// Self is our own advertised address, if any. A nil self skips the
	// advertisement and counts the event as already done.
	Self *addrmgr.Address
}

// Seed is the bootstrap variant of the address protocol, run on quiet seed
// channels: advertise ourselves, request addresses, store one batch, done.
// The completion handler fires exactly once, after all three events or on the
// first error; the session then stops the channel.
type Seed struct {
	cfg     SeedConfig
	channel *peer.Channel

	handler func(error)

	events int
	done   bool
}

// NewSeed creates the seed machine for a channel.
func NewSeed(channel *peer.Channel, cfg SeedConfig,
	handler func(error)) *Seed {

	return &Seed{
		cfg:     cfg,
		channel: channel,
		handler: handler,
	}
}

// Start subscribes to addr, advertises our own address and requests the
// peer's. Strand confined.
func (s *Seed) Start() {
	err := peer.SubscribeMessage(s.channel, s.channel.NextKey(),
		func(err error, msg *wire.MsgAddr) {
			s.handleAddr(err, msg)
		})
	if err != nil {
		s.complete(err)
		return
	}

	s.sendOwnAddress()

	s.channel.Send(wire.NewMsgGetAddr(), func(err error) {
		if err != nil {
			s.complete(err)
			return
		}
		s.event()
	})
}

// sendOwnAddress advertises our configured self, if any.
func (s *Seed) sendOwnAddress() {
	if s.cfg.Self == nil {
		s.event()
		return
	}

	msg := wire.NewMsgAddr()
	_ = msg.AddAddress(s.cfg.Self.NetAddress())

	s.channel.Send(msg, func(err error) {
		if err != nil {
			s.complete(err)
			return
		}
		s.event()
	})
}

// handleAddr stores the harvested batch and completes the third event.
func (s *Seed) handleAddr(err error, msg *wire.MsgAddr) {
	if s.done {
		return
	}
	if err != nil {
		s.complete(err)
		return
	}

	addrs := make([]addrmgr.Address, 0, len(msg.AddrList))
	for _, na := range msg.AddrList {
		addrs = append(addrs, addrmgr.FromNetAddress(na))
	}

	accepted := s.cfg.Pool.Save(addrs)
	log.Debugf("Stored %d of %d addresses from seed %v", accepted,
		len(addrs), s.channel.Authority())

	if accepted == 0 && len(addrs) != 0 {
		s.complete(neterror.ErrSeedingUnsuccessful)
		return
	}

	s.event()
}

// event advances the three-event completion gate.
func (s *Seed) event() {
	if s.done {
		return
	}

	s.events++
	if s.events >= seedEvents {
		s.complete(nil)
	}
}

// complete fires the completion handler exactly once.
func (s *Seed) complete(err error) {
	if s.done {
		return
	}
	s.done = true
	s.handler(err)
}
