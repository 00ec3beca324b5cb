package session

import (
	"net"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/hashforge/bnet/addrmgr"
	"github.com/hashforge/bnet/netcfg"
	"github.com/hashforge/bnet/neterror"
	"github.com/hashforge/bnet/peer"
	"github.com/hashforge/bnet/protocol"
	"github.com/hashforge/bnet/timers"
	"github.com/hashforge/bnet/transport"
)

// Seed is the short-lived bootstrap session: it races one connector per
// configured seed endpoint, runs the seed protocol on each resulting quiet
// channel, and completes as soon as the pool holds enough addresses or the
// last seed has finished. Individual seed failures are absorbed.
type Seed struct {
	session

	handler func(error)

	connectors []*transport.Connector
	timer      *timers.Deadline

	pending    int
	startCount int
	done       bool
}

// NewSeed creates the seed session.
func NewSeed(cfg Config) *Seed {
	return &Seed{
		session: newSession(cfg),
	}
}

// Start begins seeding. The handler fires exactly once: ErrBypassed when the
// pool is disabled or no seeds are configured, nil once the pool holds the
// minimum address count, or ErrSeedingUnsuccessful when every avenue is
// exhausted without growth. Strand confined.
func (s *Seed) Start(handler func(error)) {
	st := s.cfg.Settings

	if st.HostPoolCapacity == 0 || len(st.Seeds) == 0 {
		handler(neterror.ErrBypassed)
		return
	}

	s.startCount = s.cfg.Pool.Count()
	if s.startCount >= st.MinimumAddressCount {
		handler(nil)
		return
	}

	s.handler = handler
	s.pending = len(st.Seeds)

	s.timer = timers.NewDeadline(s.cfg.Strand, st.SeedingTimeout)
	s.timer.Start(func(err error) {
		s.handleTimer(err)
	})

	for _, seed := range st.Seeds {
		connector := transport.NewConnector(s.cfg.Strand,
			s.connectorConfig())
		s.connectors = append(s.connectors, connector)

		endpoint := seed
		log.Debugf("Contacting seed %v", endpoint)
		connector.Connect(endpoint.Host, endpoint.Port,
			func(err error, sock *transport.Socket) {
				s.handleConnect(endpoint, err, sock)
			})
	}
}

// Stop cancels outstanding connectors and stops the session's channels.
// Strand confined.
func (s *Seed) Stop() {
	for _, connector := range s.connectors {
		connector.Stop()
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.stop()
}

// handleConnect adopts one seed connection as a quiet channel running the
// seed protocol. Connection failures are absorbed.
func (s *Seed) handleConnect(endpoint netcfg.Endpoint, err error,
	sock *transport.Socket) {

	if s.stopped {
		if sock != nil {
			sock.Stop()
		}
		return
	}

	if err != nil {
		log.Debugf("Seed %v unreachable: %v", endpoint, err)
		s.seedFinished()
		return
	}

	channel := peer.NewChannel(sock, s.channelConfig(), false, true)

	s.startChannel(channel, false,
		func(ch *peer.Channel) {
			s.attachSeedProtocol(ch)
		},
		func(err error) {
			if err != nil {
				log.Debugf("Seed channel %v failed: %v",
					endpoint, err)
			}
		},
		func(error) {
			s.seedFinished()
		})
}

// attachSeedProtocol runs on the channel strand after the handshake.
func (s *Seed) attachSeedProtocol(channel *peer.Channel) {
	seedCfg := protocol.SeedConfig{
		Pool: s.cfg.Pool,
		Self: s.selfAddress(),
	}

	protocol.NewSeed(channel, seedCfg, func(err error) {
		// Seeding on this channel is over either way; release the
		// connection. Session completion is evaluated when the
		// channel-stop notification arrives.
		if err != nil {
			log.Debugf("Seed exchange with %v: %v",
				channel.Authority(), err)
		}
		channel.Stop(neterror.ErrChannelStopped)
	}).Start()
}

// seedFinished accounts one seed endpoint done and completes the session
// when appropriate.
func (s *Seed) seedFinished() {
	s.pending--
	s.checkComplete(s.pending == 0)
}

// handleTimer ends seeding at the deadline regardless of per-seed progress.
func (s *Seed) handleTimer(err error) {
	if err != nil || s.done {
		return
	}

	log.Debugf("Seeding timed out with %d seeds outstanding", s.pending)
	s.checkComplete(true)
}

// checkComplete fires the completion handler when the pool has reached the
// target, or when the session is out of seeds or time.
func (s *Seed) checkComplete(final bool) {
	if s.done {
		return
	}

	count := s.cfg.Pool.Count()
	if count >= s.cfg.Settings.MinimumAddressCount {
		s.complete(nil)
		return
	}

	if final {
		if count > s.startCount {
			s.complete(nil)
			return
		}
		s.complete(neterror.ErrSeedingUnsuccessful)
	}
}

// complete fires the handler once and winds the session down.
func (s *Seed) complete(err error) {
	if s.done {
		return
	}
	s.done = true

	if s.timer != nil {
		s.timer.Stop()
	}
	for _, connector := range s.connectors {
		connector.Stop()
	}

	log.Infof("Seeding complete: %d addresses pooled (%v)",
		s.cfg.Pool.Count(), errOrOK(err))

	s.handler(err)
}

// errOrOK renders a completion code for logs.
func errOrOK(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}

// protocolSelf converts a configured self endpoint into a pool address.
func protocolSelf(e netcfg.Endpoint, services wire.ServiceFlag,
	now time.Time) *addrmgr.Address {

	ip := net.ParseIP(e.Host)
	if ip == nil {
		return nil
	}

	return &addrmgr.Address{
		IP:        ip,
		Port:      e.Port,
		Services:  services,
		Timestamp: now,
	}
}
