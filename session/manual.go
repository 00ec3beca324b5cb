package session

import (
	"github.com/hashforge/bnet/netcfg"
	"github.com/hashforge/bnet/neterror"
	"github.com/hashforge/bnet/peer"
	"github.com/hashforge/bnet/timers"
	"github.com/hashforge/bnet/transport"
)

// ConnectHandler observes a manual endpoint's connections. It fires on the
// session strand with the established channel, and again after each
// reconnect only while it keeps returning true.
type ConnectHandler func(error, *peer.Channel) bool

// Manual is the long-lived session maintaining user-specified endpoints with
// unbounded retry: a connect failure retries after the retry timeout, a stop
// of an established channel reconnects immediately.
type Manual struct {
	session

	peers map[string]*manualPeer
}

// manualPeer is the retry state of one pinned endpoint.
type manualPeer struct {
	endpoint  netcfg.Endpoint
	connector *transport.Connector
	retry     *timers.Deadline

	handler ConnectHandler

	// notify records whether the handler wants the next connection
	// event.
	notify bool
}

// NewManual creates the manual session.
func NewManual(cfg Config) *Manual {
	return &Manual{
		session: newSession(cfg),
		peers:   make(map[string]*manualPeer),
	}
}

// Start completes immediately; endpoints arrive through Connect. Strand
// confined.
func (m *Manual) Start(handler func(error)) {
	handler(nil)
}

// Stop cancels all retry state and stops the session's channels. Strand
// confined.
func (m *Manual) Stop() {
	for _, mp := range m.peers {
		mp.connector.Stop()
		mp.retry.Stop()
	}
	m.stop()
}

// Connect pins an endpoint with no observer.
func (m *Manual) Connect(endpoint netcfg.Endpoint) {
	m.ConnectWith(endpoint, nil)
}

// ConnectWith pins an endpoint. The handler, if any, fires on the first
// established connection and again on later reconnects while it returns
// true. Pinning an endpoint twice replaces the previous observer. Strand
// confined.
func (m *Manual) ConnectWith(endpoint netcfg.Endpoint,
	handler ConnectHandler) {

	if m.stopped {
		if handler != nil {
			handler(neterror.ErrServiceStopped, nil)
		}
		return
	}

	key := endpoint.String()
	if prior, ok := m.peers[key]; ok {
		prior.handler = handler
		prior.notify = true
		return
	}

	mp := &manualPeer{
		endpoint: endpoint,
		connector: transport.NewConnector(m.cfg.Strand,
			m.connectorConfig()),
		retry: timers.NewDeadline(m.cfg.Strand,
			m.cfg.Settings.RetryTimeout),
		handler: handler,
		notify:  true,
	}
	m.peers[key] = mp

	log.Infof("Maintaining manual connection to %v", endpoint)
	m.attempt(mp)
}

// attempt launches one connect cycle for the endpoint.
func (m *Manual) attempt(mp *manualPeer) {
	if m.stopped {
		return
	}

	mp.connector.Connect(mp.endpoint.Host, mp.endpoint.Port,
		func(err error, sock *transport.Socket) {
			m.handleConnect(mp, err, sock)
		})
}

// handleConnect retries failures after the retry timeout and promotes
// successes to channels.
func (m *Manual) handleConnect(mp *manualPeer, err error,
	sock *transport.Socket) {

	if m.stopped {
		if sock != nil {
			sock.Stop()
		}
		return
	}

	if err != nil {
		log.Debugf("Manual connect to %v failed: %v; retrying in %v",
			mp.endpoint, err, m.cfg.Settings.RetryTimeout)

		mp.retry.Start(func(err error) {
			if err != nil || m.stopped {
				return
			}
			m.attempt(mp)
		})
		return
	}

	channel := peer.NewChannel(sock, m.channelConfig(), false, false)

	m.startChannel(channel, true, m.attachProtocols,
		func(err error) {
			m.handleChannelStart(mp, err, channel)
		},
		func(err error) {
			m.handleChannelStop(mp, err)
		})
}

// handleChannelStart notifies the endpoint's observer of an established
// connection.
func (m *Manual) handleChannelStart(mp *manualPeer, err error,
	channel *peer.Channel) {

	// Start failures surface through the stop path, which owns the
	// retry.
	if err != nil {
		return
	}

	if mp.handler != nil && mp.notify {
		mp.notify = mp.handler(nil, channel)
	}
}

// handleChannelStop reconnects immediately; an established connection that
// dropped needs no backoff.
func (m *Manual) handleChannelStop(mp *manualPeer, err error) {
	if m.stopped {
		return
	}

	log.Debugf("Manual channel to %v stopped: %v; reconnecting",
		mp.endpoint, err)
	m.attempt(mp)
}
