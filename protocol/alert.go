package protocol

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/hashforge/bnet/peer"
)

// Alert logs alert messages when the deprecated alert system is enabled. No
// signature verification and no state change; log only.
type Alert struct {
	channel *peer.Channel
}

// NewAlert creates the alert logging machine for a channel.
func NewAlert(channel *peer.Channel) *Alert {
	return &Alert{
		channel: channel,
	}
}

// Start subscribes to alert. Strand confined.
func (a *Alert) Start() {
	_ = peer.SubscribeMessage(a.channel, a.channel.NextKey(),
		func(err error, msg *wire.MsgAlert) {
			a.handleAlert(err, msg)
		})
}

func (a *Alert) handleAlert(err error, msg *wire.MsgAlert) {
	if err != nil || a.channel.Stopped() {
		return
	}

	log.Debugf("Peer %v sent alert (%d bytes)", a.channel.Authority(),
		len(msg.SerializedPayload))
}
