package session

import (
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/hashforge/bnet/neterror"
	"github.com/hashforge/bnet/peer"
	"github.com/hashforge/bnet/transport"
)

// Inbound is the long-lived session accepting connections on the configured
// binds. Each accepted socket is vetted at accept time — blacklist,
// whitelist, IPv6 policy, the inbound capacity and a colliding authority
// reservation — before it becomes a non-quiet channel. Registration at
// CountChannel repeats the capacity and reservation checks authoritatively,
// since both can change while the handshake is in flight.
type Inbound struct {
	session

	acceptors []*transport.Acceptor
}

// NewInbound creates the inbound session.
func NewInbound(cfg Config) *Inbound {
	return &Inbound{
		session: newSession(cfg),
	}
}

// Start binds every configured listener and arms the accept loops. The
// handler fires once: ErrBypassed when inbound connections are disabled or
// no binds are configured, a bind failure, or nil. Strand confined.
func (i *Inbound) Start(handler func(error)) {
	st := i.cfg.Settings

	if st.InboundConnections == 0 || len(st.Binds) == 0 {
		handler(neterror.ErrBypassed)
		return
	}

	acceptorCfg := transport.AcceptorConfig{
		Executor: i.cfg.Executor,
		Socket:   i.socketConfig(),
	}

	for range st.Binds {
		i.acceptors = append(i.acceptors,
			transport.NewAcceptor(i.cfg.Strand, acceptorCfg))
	}

	// Bind everything before accepting anything, so a failed bind tears
	// the whole start down rather than leaving a partial listener set.
	var g errgroup.Group
	for idx, bind := range st.Binds {
		acceptor := i.acceptors[idx]
		endpoint := bind.String()
		g.Go(func() error {
			return acceptor.Start(endpoint)
		})
	}

	if err := g.Wait(); err != nil {
		for _, acceptor := range i.acceptors {
			acceptor.Stop()
		}
		i.acceptors = nil
		handler(err)
		return
	}

	for _, acceptor := range i.acceptors {
		i.accept(acceptor)
	}

	handler(nil)
}

// Stop closes the listeners and stops the session's channels. Strand
// confined.
func (i *Inbound) Stop() {
	for _, acceptor := range i.acceptors {
		acceptor.Stop()
	}
	i.stop()
}

// accept arms one accept cycle; the handler re-arms it.
func (i *Inbound) accept(acceptor *transport.Acceptor) {
	if i.stopped {
		return
	}

	acceptor.Accept(func(err error, sock *transport.Socket) {
		i.handleAccept(acceptor, err, sock)
	})
}

// handleAccept vets and adopts one accepted socket.
func (i *Inbound) handleAccept(acceptor *transport.Acceptor, err error,
	sock *transport.Socket) {

	if i.stopped {
		if sock != nil {
			sock.Stop()
		}
		return
	}

	if err != nil {
		if neterror.IsTerminal(err) {
			return
		}
		log.Debugf("Accept failed: %v", err)
		i.accept(acceptor)
		return
	}

	if !i.admit(sock) {
		sock.Stop()
		i.accept(acceptor)
		return
	}

	channel := peer.NewChannel(sock, i.channelConfig(), true, false)

	i.startChannel(channel, true, i.attachProtocols,
		func(err error) {
			if err != nil {
				log.Debugf("Inbound channel %v rejected: %v",
					sock.Authority(), err)
			}
		},
		func(error) {})

	i.accept(acceptor)
}

// admit applies the accept-time screens to a fresh inbound socket: address
// policy, the inbound capacity and authority-reservation collisions. A
// refused socket is closed before any channel or handshake work is spent on
// it.
func (i *Inbound) admit(sock *transport.Socket) bool {
	st := i.cfg.Settings

	host, _, err := net.SplitHostPort(sock.Authority())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	if st.Blacklisted(ip) {
		log.Debugf("Dropping blacklisted connection from %v",
			sock.Authority())
		return false
	}
	if !st.Whitelisted(ip) {
		log.Debugf("Dropping non-whitelisted connection from %v",
			sock.Authority())
		return false
	}
	if !st.EnableIPv6 && ip.To4() == nil {
		log.Debugf("Dropping IPv6 connection from %v",
			sock.Authority())
		return false
	}

	if i.cfg.Net.InboundChannelCount() >= st.InboundConnections {
		log.Debugf("Dropping oversubscribed connection from %v",
			sock.Authority())
		return false
	}
	if i.cfg.Pool.IsReserved(sock.Authority()) {
		log.Debugf("Dropping connection from already connected %v",
			sock.Authority())
		return false
	}

	return true
}
