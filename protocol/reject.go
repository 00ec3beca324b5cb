package protocol

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/hashforge/bnet/peer"
)

// Reject logs reject messages from peers at or above BIP61. It changes no
// state; its value is the diagnostic trail.
type Reject struct {
	channel *peer.Channel
}

// NewReject creates the reject logging machine for a channel.
func NewReject(channel *peer.Channel) *Reject {
	return &Reject{
		channel: channel,
	}
}

// Start subscribes to reject. Strand confined.
func (r *Reject) Start() {
	_ = peer.SubscribeMessage(r.channel, r.channel.NextKey(),
		func(err error, msg *wire.MsgReject) {
			r.handleReject(err, msg)
		})
}

func (r *Reject) handleReject(err error, msg *wire.MsgReject) {
	if err != nil || r.channel.Stopped() {
		return
	}

	log.Debugf("Peer %v rejected %s (%v): %s", r.channel.Authority(),
		msg.Cmd, msg.Code, msg.Reason)
}
