// Package bnet is the peer-to-peer networking engine of a Bitcoin full node:
// it owns the worker pool, the host pool, the four sessions (seed, manual,
// outbound, inbound) and the per-channel machinery beneath them, composed
// into a single supervised object with subscription surfaces for connects
// and shutdown.
package bnet

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/hashforge/bnet/addrmgr"
	"github.com/hashforge/bnet/netcfg"
	"github.com/hashforge/bnet/neterror"
	"github.com/hashforge/bnet/peer"
	"github.com/hashforge/bnet/pool"
	"github.com/hashforge/bnet/session"
	"github.com/hashforge/bnet/subscribe"
	"github.com/hashforge/bnet/transport"
)

// ResultHandler receives the outcome of an asynchronous lifecycle step on
// the network strand.
type ResultHandler func(error)

// P2P is the process-wide supervisor. It owns the executor, the host pool
// and the four sessions; every mutable field below the atomics is confined
// to the network strand.
type P2P struct {
	settings *netcfg.Settings

	executor *pool.Executor
	strand   *pool.Strand

	hosts    *addrmgr.Manager
	resolver transport.Resolver
	clk      clock.Clock

	// keys mints process-unique subscription keys.
	keys atomic.Uint64

	// closed latches shutdown.
	closed atomic.Bool

	// Strand-confined state.
	nonces       fn.Set[uint64]
	inboundCount int
	totalCount   int

	seed     *session.Seed
	manual   *session.Manual
	outbound *session.Outbound
	inbound  *session.Inbound

	broadcaster *Broadcaster
	connectSub  *subscribe.Subscriber[*peer.Channel]
	closeSub    *subscribe.Subscriber[struct{}]

	closeOnce sync.Once
}

// New creates a supervisor over the given settings. The settings are
// normalized here and treated as read-only afterwards.
func New(settings netcfg.Settings) *P2P {
	settings.Normalize()

	executor := pool.NewExecutor(settings.Threads)
	strand := executor.NewStrand()

	clk := clock.NewDefaultClock()

	p := &P2P{
		settings: &settings,
		executor: executor,
		strand:   strand,
		clk:      clk,
		resolver: transport.NewDNSResolver(settings.EnableIPv6),
		nonces:   fn.NewSet[uint64](),
	}

	p.hosts = addrmgr.New(addrmgr.Config{
		Capacity: settings.HostPoolCapacity,
		Path:     settings.Path,
		Clock:    clk,
		Excluded: settings.Excluded,
	})

	p.broadcaster = newBroadcaster(strand)
	p.connectSub = subscribe.NewSubscriber[*peer.Channel]()
	p.closeSub = subscribe.NewSubscriber[struct{}]()

	cfg := p.sessionConfig()
	p.seed = session.NewSeed(cfg)
	p.manual = session.NewManual(cfg)
	p.outbound = session.NewOutbound(cfg)
	p.inbound = session.NewInbound(cfg)

	return p
}

// sessionConfig assembles the shared session dependencies.
func (p *P2P) sessionConfig() session.Config {
	return session.Config{
		Settings: p.settings,
		Executor: p.executor,
		Strand:   p.strand,
		Net:      p,
		Pool:     p.hosts,
		Resolver: p.resolver,
		Clock:    p.clk,
	}
}

// Settings returns the normalized read-only settings.
func (p *P2P) Settings() *netcfg.Settings {
	return p.settings
}

// Hosts returns the host pool.
func (p *P2P) Hosts() *addrmgr.Manager {
	return p.hosts
}

// Start spins up the worker pool, loads the persisted hosts and runs the
// manual and seed sessions. The handler fires once on the network strand:
// nil on success (seed bypass included), ErrFileLoad for a damaged hosts
// cache, or the seeding failure.
func (p *P2P) Start(handler ResultHandler) {
	if err := p.executor.Start(); err != nil {
		handler(err)
		return
	}

	p.strand.Post(func() {
		if p.closed.Load() {
			handler(neterror.ErrServiceStopped)
			return
		}

		loadErr := p.hosts.Load()
		if loadErr != nil {
			log.Errorf("Hosts cache: %v", loadErr)
		}

		p.manual.Start(func(err error) {
			if err != nil {
				handler(err)
				return
			}

			p.seed.Start(func(err error) {
				p.handleSeeded(err, loadErr, handler)
			})
		})
	})
}

// handleSeeded folds the seed outcome into the start result. A bypassed
// sub-session is success to the parent.
func (p *P2P) handleSeeded(err, loadErr error, handler ResultHandler) {
	if errors.Is(err, neterror.ErrBypassed) {
		err = nil
	}
	if err != nil {
		handler(err)
		return
	}
	handler(loadErr)
}

// Run starts serving: configured peers are pinned through the manual
// session, then the inbound and outbound sessions come up. The handler
// fires once on the network strand; bypassed sub-sessions count as success.
func (p *P2P) Run(handler ResultHandler) {
	p.strand.Post(func() {
		if p.closed.Load() {
			handler(neterror.ErrServiceStopped)
			return
		}

		for _, endpoint := range p.settings.Peers {
			p.manual.Connect(endpoint)
		}

		p.inbound.Start(func(err error) {
			if errors.Is(err, neterror.ErrBypassed) {
				err = nil
			}
			if err != nil {
				handler(err)
				return
			}

			p.outbound.Start(func(err error) {
				if errors.Is(err, neterror.ErrBypassed) {
					err = nil
				}
				handler(err)
			})
		})
	})
}

// Connect pins an endpoint through the manual session.
func (p *P2P) Connect(endpoint netcfg.Endpoint) {
	p.strand.Post(func() {
		if p.closed.Load() {
			return
		}
		p.manual.Connect(endpoint)
	})
}

// ConnectWith pins an endpoint and observes its connections; see
// session.ConnectHandler for the re-notification contract.
func (p *P2P) ConnectWith(endpoint netcfg.Endpoint,
	handler session.ConnectHandler) {

	p.strand.Post(func() {
		if p.closed.Load() {
			handler(neterror.ErrServiceStopped, nil)
			return
		}
		p.manual.ConnectWith(endpoint, handler)
	})
}

// Broadcast fans the message out to every registered open channel; the
// per-channel outcome, if observed, arrives on the network strand.
func (p *P2P) Broadcast(msg wire.Message, handler BroadcastHandler) {
	p.strand.Post(func() {
		p.broadcaster.Broadcast(msg, handler)
	})
}

// SubscribeConnect registers an observer for every channel that completes
// registration. On shutdown the observer receives ErrServiceStopped once.
func (p *P2P) SubscribeConnect(handler func(error, *peer.Channel)) {
	p.strand.Post(func() {
		err := p.connectSub.Subscribe(p.NextKey(), handler)
		if err != nil {
			handler(err, nil)
		}
	})
}

// SubscribeClose registers an observer for supervisor shutdown.
func (p *P2P) SubscribeClose(handler func(error)) {
	p.strand.Post(func() {
		err := p.closeSub.Subscribe(p.NextKey(),
			func(err error, _ struct{}) {
				handler(err)
			})
		if err != nil {
			handler(err)
		}
	})
}

// Close shuts the node down: sessions stop, subscribers drain with
// ErrServiceStopped, the worker pool joins, and the hosts persist. Close is
// idempotent and must not be called from a worker goroutine, since it joins
// the pool.
func (p *P2P) Close() error {
	var persistErr error

	p.closeOnce.Do(func() {
		p.closed.Store(true)

		done := make(chan struct{})
		p.strand.Post(func() {
			p.doClose()
			close(done)
		})
		<-done

		if err := p.executor.Stop(); err != nil {
			log.Errorf("Worker pool stop: %v", err)
		}

		persistErr = p.hosts.Persist()
		if persistErr != nil {
			log.Errorf("Hosts cache: %v", persistErr)
		}
	})

	return persistErr
}

// doClose runs the strand-confined half of shutdown.
func (p *P2P) doClose() {
	log.Infof("Shutting down")

	p.seed.Stop()
	p.manual.Stop()
	p.outbound.Stop()
	p.inbound.Stop()

	p.broadcaster.stop()

	p.connectSub.Stop(neterror.ErrServiceStopped, nil)
	p.closeSub.Stop(neterror.ErrServiceStopped, struct{}{})
}

// NextKey mints a process-unique subscription key. Overflow is reported and
// ignored; duplicate keys are tolerated only in that state.
func (p *P2P) NextKey() uint64 {
	key := p.keys.Add(1)
	if key == 0 {
		log.Warnf("Subscription key space overflowed")
	}
	return key
}

// TotalChannelCount returns the number of registered non-quiet channels.
// Strand confined.
func (p *P2P) TotalChannelCount() int {
	return p.totalCount
}

// InboundChannelCount returns the number of registered inbound channels.
// Strand confined.
func (p *P2P) InboundChannelCount() int {
	return p.inboundCount
}

// StoreNonce records an outbound channel's nonce before its version message
// goes out. Inbound channels and loopback-enabled nodes skip the whole
// mechanism. Strand confined.
func (p *P2P) StoreNonce(channel *peer.Channel) bool {
	if p.settings.EnableLoopback || channel.Inbound() {
		return true
	}

	if p.nonces.Contains(channel.Nonce()) {
		log.Errorf("Failed to store nonce for [%v]",
			channel.Authority())
		return false
	}

	p.nonces.Add(channel.Nonce())
	return true
}

// UnstoreNonce drops a stored nonce when its channel stops. Strand confined.
func (p *P2P) UnstoreNonce(channel *peer.Channel) {
	if p.settings.EnableLoopback || channel.Inbound() {
		return
	}

	p.nonces.Remove(channel.Nonce())
}

// IsLoopback reports whether an inbound channel's peer echoed one of our
// own outbound nonces, which means we connected to ourselves. Strand
// confined.
func (p *P2P) IsLoopback(channel *peer.Channel) bool {
	if p.settings.EnableLoopback || !channel.Inbound() {
		return false
	}

	version := channel.PeerVersion()
	if version == nil {
		return false
	}

	return p.nonces.Contains(version.Nonce)
}

// CountChannel registers a handshaken channel: loopback rejection, inbound
// capacity, authority reservation and the counters, in that order. A non-nil
// return means the channel must not serve. Strand confined.
func (p *P2P) CountChannel(channel *peer.Channel) error {
	if p.closed.Load() {
		return neterror.ErrServiceStopped
	}

	if p.IsLoopback(channel) {
		log.Warnf("Loopback detected from [%v]", channel.Authority())
		return neterror.ErrAcceptFailed
	}

	if channel.Inbound() &&
		p.inboundCount >= p.settings.InboundConnections {

		return neterror.ErrOversubscribed
	}

	if !p.hosts.Reserve(channel.Authority()) {
		return neterror.ErrAddressInUse
	}

	if channel.Inbound() {
		p.inboundCount++
	}
	if !channel.Quiet() {
		p.totalCount++
		p.broadcaster.add(channel)
	}

	log.Debugf("Counted channel [%v] (%d total, %d inbound)",
		channel.Authority(), p.totalCount, p.inboundCount)
	return nil
}

// UncountChannel reverses CountChannel for a stopping channel. Strand
// confined.
func (p *P2P) UncountChannel(channel *peer.Channel) {
	p.hosts.Unreserve(channel.Authority())

	if channel.Inbound() {
		p.inboundCount--
	}
	if !channel.Quiet() {
		p.totalCount--
		p.broadcaster.remove(channel)
	}
}

// NotifyConnect fans a newly registered channel out to connect subscribers.
// Strand confined.
func (p *P2P) NotifyConnect(channel *peer.Channel) {
	p.connectSub.Notify(nil, channel)
}

// compile-time check: P2P provides the session-facing surface.
var _ session.Network = (*P2P)(nil)
