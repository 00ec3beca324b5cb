package bnet

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/hashforge/bnet/neterror"
	"github.com/hashforge/bnet/peer"
)

// BroadcastHandler observes the send outcome for one channel, identified by
// its nonce. It is invoked on the network strand.
type BroadcastHandler func(nonce uint64, err error)

// Broadcaster fans a single message out to every registered open channel.
// It is confined to the network strand; the supervisor registers channels at
// counting time and deregisters them when they stop.
type Broadcaster struct {
	strand   poster
	channels map[uint64]*peer.Channel
	stopped  bool
}

// poster is the slice of a strand the broadcaster needs.
type poster interface {
	Post(func())
}

// newBroadcaster creates an empty broadcaster bound to the network strand.
func newBroadcaster(strand poster) *Broadcaster {
	return &Broadcaster{
		strand:   strand,
		channels: make(map[uint64]*peer.Channel),
	}
}

// add registers an open channel. Strand confined.
func (b *Broadcaster) add(channel *peer.Channel) {
	if b.stopped {
		return
	}
	b.channels[channel.Nonce()] = channel
}

// remove deregisters a stopping channel. Strand confined.
func (b *Broadcaster) remove(channel *peer.Channel) {
	delete(b.channels, channel.Nonce())
}

// Broadcast sends the message to every registered channel. Each channel's
// send runs on that channel's own strand; the per-channel outcome is posted
// back to the network strand. Strand confined.
func (b *Broadcaster) Broadcast(msg wire.Message, handler BroadcastHandler) {
	if b.stopped {
		if handler != nil {
			handler(0, neterror.ErrServiceStopped)
		}
		return
	}

	for nonce, channel := range b.channels {
		nonce, channel := nonce, channel

		channel.Strand().Post(func() {
			channel.Send(msg, func(err error) {
				if handler == nil {
					return
				}
				b.strand.Post(func() {
					handler(nonce, err)
				})
			})
		})
	}
}

// size returns the number of registered channels. Strand confined.
func (b *Broadcaster) size() int {
	return len(b.channels)
}

// stop drops every registration and refuses further broadcasts. Strand
// confined.
func (b *Broadcaster) stop() {
	if b.stopped {
		return
	}
	b.stopped = true
	b.channels = make(map[uint64]*peer.Channel)
}
