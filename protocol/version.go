package protocol

import (
	"net"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/hashforge/bnet/neterror"
	"github.com/hashforge/bnet/peer"
)

// VersionConfig carries the handshake parameters derived from settings.
type VersionConfig struct {
	// ProtocolMaximum is our advertised version; the negotiated version
	// narrows to the peer's if lower.
	ProtocolMaximum uint32

	// ProtocolMinimum is the lowest peer version we accept.
	ProtocolMinimum uint32

	// Services are the service bits we advertise.
	Services wire.ServiceFlag

	// RequiredServices are the bits the peer must advertise.
	RequiredServices wire.ServiceFlag

	// InvalidServices rejects any peer advertising one of these bits.
	InvalidServices wire.ServiceFlag

	// UserAgent is our advertised user agent string.
	UserAgent string

	// StartHeight reports our current block height for the version
	// message.
	StartHeight func() int32

	// MaximumSkew bounds the difference between the peer's clock and
	// ours. Zero disables the check.
	MaximumSkew time.Duration

	// Relay asks the peer to relay transactions to us.
	Relay bool

	// Self is our first advertised endpoint, if any, in host:port form
	// with a literal IP host.
	Self string

	// AnnounceAddrV2 sends a sendaddrv2 between version and verack.
	AnnounceAddrV2 bool

	// Clock stamps the version message and checks skew.
	Clock clock.Clock
}

// Version drives the protocol handshake on one channel: send version, expect
// version, validate, narrow the negotiated version, exchange verack. The
// completion handler fires exactly once with nil on success or the specific
// failure code; the session stops the channel on failure.
type Version struct {
	cfg     VersionConfig
	channel *peer.Channel

	handler func(error)

	versionReceived bool
	verackSent      bool
	verackReceived  bool
	done            bool
}

// NewVersion creates the handshake machine for a channel.
func NewVersion(channel *peer.Channel, cfg VersionConfig,
	handler func(error)) *Version {

	return &Version{
		cfg:     cfg,
		channel: channel,
		handler: handler,
	}
}

// Start subscribes to the handshake messages and sends our version. Strand
// confined.
func (v *Version) Start() {
	err := peer.SubscribeMessage(v.channel, v.channel.NextKey(),
		func(err error, msg *wire.MsgVersion) {
			v.handleVersion(err, msg)
		})
	if err != nil {
		v.complete(err)
		return
	}

	err = peer.SubscribeMessage(v.channel, v.channel.NextKey(),
		func(err error, msg *wire.MsgVerAck) {
			v.handleVerAck(err)
		})
	if err != nil {
		v.complete(err)
		return
	}

	v.channel.Send(v.makeVersion(), func(err error) {
		if err != nil {
			v.complete(err)
		}
	})
}

// makeVersion assembles our version message. The nonce is the channel nonce,
// which the supervisor stored for loopback detection before the handshake
// was attached.
func (v *Version) makeVersion() *wire.MsgVersion {
	msg := &wire.MsgVersion{
		ProtocolVersion: int32(v.cfg.ProtocolMaximum),
		Services:        v.cfg.Services,
		Timestamp:       v.cfg.Clock.Now(),
		AddrYou:         *endpointAddress(v.channel.Authority(), 0),
		AddrMe:          *endpointAddress(v.cfg.Self, v.cfg.Services),
		Nonce:           v.channel.Nonce(),
		UserAgent:       v.cfg.UserAgent,
		LastBlock:       v.cfg.StartHeight(),
		DisableRelayTx:  !v.cfg.Relay,
	}
	return msg
}

// handleVersion validates the peer's version and answers with verack.
func (v *Version) handleVersion(err error, msg *wire.MsgVersion) {
	if v.done {
		return
	}
	if err != nil {
		v.complete(err)
		return
	}

	if v.versionReceived {
		log.Debugf("Duplicate version from %v", v.channel.Authority())
		v.complete(neterror.ErrProtocolViolation)
		return
	}
	v.versionReceived = true

	if uint32(msg.ProtocolVersion) < v.cfg.ProtocolMinimum {
		log.Debugf("Peer %v version %d below minimum %d",
			v.channel.Authority(), msg.ProtocolVersion,
			v.cfg.ProtocolMinimum)
		v.complete(neterror.ErrPeerUnsupported)
		return
	}

	required := v.cfg.RequiredServices
	if msg.Services&required != required {
		log.Debugf("Peer %v services %v lack required %v",
			v.channel.Authority(), msg.Services, required)
		v.complete(neterror.ErrPeerInsufficient)
		return
	}

	if msg.Services&v.cfg.InvalidServices != 0 {
		log.Debugf("Peer %v advertises invalid services %v",
			v.channel.Authority(), msg.Services)
		v.complete(neterror.ErrPeerInsufficient)
		return
	}

	if v.cfg.MaximumSkew > 0 {
		skew := v.cfg.Clock.Now().Sub(msg.Timestamp)
		if skew < 0 {
			skew = -skew
		}
		if skew > v.cfg.MaximumSkew {
			log.Debugf("Peer %v clock skewed by %v",
				v.channel.Authority(), skew)
			v.complete(neterror.ErrPeerTimestamp)
			return
		}
	}

	v.channel.SetPeerVersion(msg)
	v.channel.Negotiate(uint32(msg.ProtocolVersion))

	// Address v2 support must be announced after version and before
	// verack.
	if v.cfg.AnnounceAddrV2 &&
		v.channel.NegotiatedVersion() >= wire.AddrV2Version {

		v.channel.Send(&wire.MsgSendAddrV2{}, nil)
	}

	v.channel.Send(&wire.MsgVerAck{}, func(err error) {
		if err != nil {
			v.complete(err)
			return
		}
		v.verackSent = true
		v.maybeComplete()
	})
}

// handleVerAck records the peer's acknowledgement of our version.
func (v *Version) handleVerAck(err error) {
	if v.done {
		return
	}
	if err != nil {
		v.complete(err)
		return
	}

	if v.verackReceived {
		v.complete(neterror.ErrProtocolViolation)
		return
	}
	v.verackReceived = true
	v.maybeComplete()
}

// maybeComplete signals success once both directions have finished: we have
// validated and acknowledged the peer's version, and the peer has
// acknowledged ours.
func (v *Version) maybeComplete() {
	if v.versionReceived && v.verackSent && v.verackReceived {
		v.complete(nil)
	}
}

// complete fires the completion handler exactly once.
func (v *Version) complete(err error) {
	if v.done {
		return
	}
	v.done = true
	v.handler(err)
}

// endpointAddress builds a wire address from a host:port string with a
// literal IP host. Unparseable input yields an unroutable zero address.
func endpointAddress(endpoint string, services wire.ServiceFlag) *wire.NetAddress {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return wire.NewNetAddressIPPort(net.IPv4zero, 0, services)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ip = net.IPv4zero
	}

	port, _ := strconv.ParseUint(portStr, 10, 16)
	return wire.NewNetAddressIPPort(ip, uint16(port), services)
}
