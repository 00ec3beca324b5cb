package protocol

import (
	"math/rand"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/hashforge/bnet/neterror"
	"github.com/hashforge/bnet/peer"
)

// PingLegacy is the pre-BIP31 liveness protocol: an empty ping on each
// heartbeat, no pong in either direction. Inbound pings are consumed so they
// do not count as unknown traffic, but require no response.
type PingLegacy struct {
	channel *peer.Channel
	ticker  ticker.Ticker
}

// NewPingLegacy creates the legacy ping machine for a channel.
func NewPingLegacy(channel *peer.Channel, t ticker.Ticker) *PingLegacy {
	return &PingLegacy{
		channel: channel,
		ticker:  t,
	}
}

// Start subscribes to inbound pings and begins the heartbeat. Strand
// confined.
func (p *PingLegacy) Start() {
	err := peer.SubscribeMessage(p.channel, p.channel.NextKey(),
		func(err error, _ *wire.MsgPing) {
			// Nothing to do before BIP31; receipt alone already
			// bumped channel activity.
		})
	if err != nil {
		return
	}

	if err := heartbeat(p.channel, p.ticker, p.onHeartbeat); err != nil {
		log.Debugf("Ping heartbeat refused for %v: %v",
			p.channel.Authority(), err)
	}
}

// onHeartbeat sends the empty ping. Strand confined.
func (p *PingLegacy) onHeartbeat() {
	if p.channel.Stopped() {
		return
	}
	p.channel.Send(&wire.MsgPing{}, nil)
}

// Ping is the BIP31 liveness protocol: each heartbeat sends a nonced ping
// and expects the matching pong before the next heartbeat; a missing pong
// times the channel out and a mismatched nonce is a protocol violation.
// Inbound pings are answered with the echoed nonce.
type Ping struct {
	channel *peer.Channel
	ticker  ticker.Ticker

	// pending is the nonce of the outstanding ping, zero when the last
	// pong has been matched.
	pending uint64
}

// NewPing creates the nonced ping machine for a channel.
func NewPing(channel *peer.Channel, t ticker.Ticker) *Ping {
	return &Ping{
		channel: channel,
		ticker:  t,
	}
}

// Start subscribes to ping and pong and begins the heartbeat. Strand
// confined.
func (p *Ping) Start() {
	err := peer.SubscribeMessage(p.channel, p.channel.NextKey(),
		func(err error, msg *wire.MsgPing) {
			p.handlePing(err, msg)
		})
	if err != nil {
		return
	}

	err = peer.SubscribeMessage(p.channel, p.channel.NextKey(),
		func(err error, msg *wire.MsgPong) {
			p.handlePong(err, msg)
		})
	if err != nil {
		return
	}

	if err := heartbeat(p.channel, p.ticker, p.onHeartbeat); err != nil {
		log.Debugf("Ping heartbeat refused for %v: %v",
			p.channel.Authority(), err)
	}
}

// onHeartbeat checks the previous cycle and sends the next nonced ping.
// Strand confined.
func (p *Ping) onHeartbeat() {
	if p.channel.Stopped() {
		return
	}

	// A pong still outstanding at the next heartbeat is a timeout.
	if p.pending != 0 {
		log.Debugf("Peer %v missed pong for nonce %d",
			p.channel.Authority(), p.pending)
		p.channel.Stop(neterror.ErrChannelTimeout)
		return
	}

	nonce := nonzeroNonce()
	p.pending = nonce
	p.channel.Send(wire.NewMsgPing(nonce), func(err error) {
		if err != nil {
			p.pending = 0
		}
	})
}

// handlePing answers an inbound ping with the echoed nonce.
func (p *Ping) handlePing(err error, msg *wire.MsgPing) {
	if err != nil || p.channel.Stopped() {
		return
	}
	p.channel.Send(wire.NewMsgPong(msg.Nonce), nil)
}

// handlePong matches an inbound pong against the outstanding nonce.
func (p *Ping) handlePong(err error, msg *wire.MsgPong) {
	if err != nil || p.channel.Stopped() {
		return
	}

	if p.pending == 0 || msg.Nonce != p.pending {
		log.Debugf("Peer %v pong nonce %d does not match expected %d",
			p.channel.Authority(), msg.Nonce, p.pending)
		p.channel.Stop(neterror.ErrProtocolViolation)
		return
	}

	p.pending = 0
}

// nonzeroNonce draws a random nonce, never zero so that zero can mean "no
// ping outstanding".
func nonzeroNonce() uint64 {
	for {
		if nonce := rand.Uint64(); nonce != 0 {
			return nonce
		}
	}
}
