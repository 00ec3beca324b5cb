// Package session implements the lifecycle policies that turn connectors,
// acceptors and channels into a running node: seed bootstrap, manually pinned
// peers, batched outbound connect cycles and inbound accept loops.
//
// Every session runs on the supervisor strand. Channel-confined work
// (attaching protocols, the handshake itself) is posted to the channel
// strand; its outcomes are posted back. The supervisor is reached through the
// narrow Network interface so the packages compose without a cycle.
package session

import (
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/hashforge/bnet/addrmgr"
	"github.com/hashforge/bnet/netcfg"
	"github.com/hashforge/bnet/neterror"
	"github.com/hashforge/bnet/peer"
	"github.com/hashforge/bnet/pool"
	"github.com/hashforge/bnet/protocol"
	"github.com/hashforge/bnet/transport"
)

// Network is the supervisor surface sessions depend on. Its methods are
// confined to the supervisor strand, which sessions share.
type Network interface {
	// NextKey mints process-unique subscription keys.
	NextKey() uint64

	// StoreNonce records an outbound channel's nonce for loopback
	// detection, reporting false on an impossible duplicate.
	StoreNonce(channel *peer.Channel) bool

	// UnstoreNonce drops a previously stored nonce.
	UnstoreNonce(channel *peer.Channel)

	// CountChannel registers a fully handshaken channel: loopback check,
	// inbound cap, authority reservation and the channel counters. A
	// non-nil return rejects the channel.
	CountChannel(channel *peer.Channel) error

	// UncountChannel reverses CountChannel for a stopping channel.
	UncountChannel(channel *peer.Channel)

	// InboundChannelCount reports the number of registered inbound
	// channels, letting the inbound session refuse over-subscription at
	// accept time instead of minting a channel it must reject later.
	InboundChannelCount() int

	// NotifyConnect fans a newly established channel out to connect
	// subscribers.
	NotifyConnect(channel *peer.Channel)
}

// Config carries the dependencies shared by all sessions of one node.
type Config struct {
	Settings *netcfg.Settings
	Executor *pool.Executor

	// Strand is the supervisor strand.
	Strand *pool.Strand

	Net      Network
	Pool     *addrmgr.Manager
	Resolver transport.Resolver
	Clock    clock.Clock

	// NewTicker mints heartbeat tickers; tests substitute forced ones.
	NewTicker func(time.Duration) ticker.Ticker

	// StartHeight reports our advertised block height.
	StartHeight func() int32
}

// normalize fills the optional members.
func (c *Config) normalize() {
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	if c.NewTicker == nil {
		c.NewTicker = func(d time.Duration) ticker.Ticker {
			return ticker.New(d)
		}
	}
	if c.StartHeight == nil {
		c.StartHeight = func() int32 { return 0 }
	}
}

// session carries the state shared by the four concrete sessions.
type session struct {
	cfg Config

	stopped bool

	// channels tracks live channels by nonce so Stop can cascade.
	channels map[uint64]*peer.Channel

	// quit releases goroutines parked on external waits.
	quit chan struct{}
}

func newSession(cfg Config) session {
	cfg.normalize()
	return session{
		cfg:      cfg,
		channels: make(map[uint64]*peer.Channel),
		quit:     make(chan struct{}),
	}
}

// stop cascades to every live channel. Strand confined.
func (s *session) stop() {
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.quit)

	for _, channel := range s.channels {
		channel.StopAsync(neterror.ErrServiceStopped)
	}
	s.channels = make(map[uint64]*peer.Channel)
}

// socketConfig derives the per-socket settings.
func (s *session) socketConfig() transport.SocketConfig {
	return transport.SocketConfig{
		RateLimit: s.cfg.Settings.RateLimit,
		Burst:     int(peer.MaximumPayload(s.cfg.Settings.Witness())),
	}
}

// connectorConfig derives the per-connector settings.
func (s *session) connectorConfig() transport.ConnectorConfig {
	return transport.ConnectorConfig{
		Executor: s.cfg.Executor,
		Resolver: s.cfg.Resolver,
		Timeout:  s.cfg.Settings.ConnectTimeout,
		WantV6:   s.cfg.Settings.EnableIPv6,
		Socket:   s.socketConfig(),
	}
}

// channelConfig derives the per-channel settings.
func (s *session) channelConfig() peer.Config {
	st := s.cfg.Settings
	return peer.Config{
		Magic:             st.Identifier,
		ProtocolMaximum:   st.ProtocolMaximum,
		Witness:           st.Witness(),
		ValidateChecksum:  st.ValidateChecksum,
		HandshakeTimeout:  st.HandshakeTimeout,
		InactivityTimeout: st.ChannelInactivity,
		ExpirationTimeout: st.ChannelExpiration,
		NextKey:           s.cfg.Net.NextKey,
	}
}

// versionConfig derives the handshake parameters.
func (s *session) versionConfig() protocol.VersionConfig {
	st := s.cfg.Settings

	var self string
	if len(st.Selfs) > 0 {
		self = st.Selfs[0].String()
	}

	return protocol.VersionConfig{
		ProtocolMaximum:  st.ProtocolMaximum,
		ProtocolMinimum:  st.ProtocolMinimum,
		Services:         st.ServicesMaximum,
		RequiredServices: st.RequiredServices(),
		InvalidServices:  st.InvalidServices,
		UserAgent:        st.UserAgent,
		StartHeight:      s.cfg.StartHeight,
		MaximumSkew:      st.MaximumSkew,
		Relay:            st.EnableRelay,
		Self:             self,
		AnnounceAddrV2:   st.EnableAddressV2,
		Clock:            s.cfg.Clock,
	}
}

// startChannel drives a fresh channel through registration and the
// handshake, then attaches the session's protocols. onStart fires exactly
// once with the start outcome; onStop fires exactly once with the channel's
// terminal code, after which the channel is deregistered. Both fire on the
// session strand. attach runs on the channel strand after a successful
// handshake; register selects whether the channel participates in supervisor
// counting (seed channels do not).
func (s *session) startChannel(channel *peer.Channel, register bool,
	attach func(*peer.Channel), onStart func(error),
	onStop func(error)) {

	if s.stopped {
		channel.StopAsync(neterror.ErrServiceStopped)
		onStart(neterror.ErrServiceStopped)
		return
	}

	if !s.cfg.Net.StoreNonce(channel) {
		channel.StopAsync(neterror.ErrChannelConflict)
		onStart(neterror.ErrChannelConflict)
		return
	}

	s.channels[channel.Nonce()] = channel

	counted := false

	// The stop subscription is installed before the channel resumes so no
	// terminal code can slip by.
	channel.Strand().Post(func() {
		err := channel.SubscribeStop(s.cfg.Net.NextKey(),
			func(code error) {
				s.cfg.Strand.Post(func() {
					if counted {
						s.cfg.Net.UncountChannel(
							channel)
					}
					s.cfg.Net.UnstoreNonce(channel)
					delete(s.channels, channel.Nonce())
					onStop(code)
				})
			})
		if err != nil {
			// Already stopped; the terminal path ran before we
			// attached.
			s.cfg.Strand.Post(func() {
				s.cfg.Net.UnstoreNonce(channel)
				delete(s.channels, channel.Nonce())
				onStart(neterror.ErrChannelStopped)
				onStop(neterror.ErrChannelStopped)
			})
			return
		}

		handshake := protocol.NewVersion(channel, s.versionConfig(),
			func(err error) {
				s.cfg.Strand.Post(func() {
					s.handleHandshake(channel, err,
						register, &counted, attach,
						onStart)
				})
			})
		handshake.Start()

		channel.Resume()
	})
}

// handleHandshake completes channel startup on the session strand.
func (s *session) handleHandshake(channel *peer.Channel, err error,
	register bool, counted *bool, attach func(*peer.Channel),
	onStart func(error)) {

	if err != nil {
		log.Debugf("Handshake with %v failed: %v",
			channel.Authority(), err)
		channel.StopAsync(err)
		onStart(err)
		return
	}

	if s.stopped {
		channel.StopAsync(neterror.ErrServiceStopped)
		onStart(neterror.ErrServiceStopped)
		return
	}

	if register {
		if err := s.cfg.Net.CountChannel(channel); err != nil {
			log.Debugf("Rejecting channel %v: %v",
				channel.Authority(), err)
			channel.StopAsync(err)
			onStart(err)
			return
		}
		*counted = true
	}

	channel.Strand().Post(func() {
		channel.Established()
		if attach != nil {
			attach(channel)
		}
	})

	s.cfg.Net.NotifyConnect(channel)
	onStart(nil)
}

// attachProtocols attaches the standard post-handshake protocols: ping in
// the variant selected by the negotiated version, reject at bip61 and above,
// address exchange and alert logging per settings. Channel strand confined.
func (s *session) attachProtocols(channel *peer.Channel) {
	st := s.cfg.Settings
	version := channel.NegotiatedVersion()

	hb := s.cfg.NewTicker(st.ChannelHeartbeat)
	if version >= netcfg.VersionBIP31 {
		protocol.NewPing(channel, hb).Start()
	} else {
		protocol.NewPingLegacy(channel, hb).Start()
	}

	if st.EnableReject && version >= netcfg.VersionBIP61 {
		protocol.NewReject(channel).Start()
	}

	if st.EnableAddress {
		protocol.NewAddress(channel, protocol.AddressConfig{
			Pool:                 s.cfg.Pool,
			MaximumAdvertisement: st.MaximumAdvertisement,
		}).Start()
	}

	if st.EnableAlert {
		protocol.NewAlert(channel).Start()
	}
}

// selfAddress returns our first advertised endpoint as a pool address, or
// nil.
func (s *session) selfAddress() *addrmgr.Address {
	st := s.cfg.Settings
	if len(st.Selfs) == 0 {
		return nil
	}

	addr := protocolSelf(st.Selfs[0], st.ServicesMaximum,
		s.cfg.Clock.Now())
	if addr == nil || !addr.IsValid() {
		return nil
	}
	return addr
}
