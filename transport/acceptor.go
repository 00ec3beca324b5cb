package transport

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/hashforge/bnet/neterror"
	"github.com/hashforge/bnet/pool"
)

// AcceptHandler receives one accepted socket, or the mapped failure. Invoked
// on the acceptor's strand once per Accept call; callers re-arm from the
// handler to keep the accept loop going.
type AcceptHandler func(error, *Socket)

// AcceptorConfig parameterizes an acceptor.
type AcceptorConfig struct {
	// Executor mints the strand for each accepted socket.
	Executor *pool.Executor

	// Socket is applied to every accepted socket.
	Socket SocketConfig
}

// Acceptor owns one listening socket and posts accepted connections, one per
// Accept invocation, to its strand.
type Acceptor struct {
	cfg    AcceptorConfig
	strand *pool.Strand

	listener net.Listener
	stopped  atomic.Bool
}

// NewAcceptor creates an acceptor bound to the given strand.
func NewAcceptor(strand *pool.Strand, cfg AcceptorConfig) *Acceptor {
	return &Acceptor{
		cfg:    cfg,
		strand: strand,
	}
}

// Start binds and listens on the given address, surfacing failures as
// ErrListenFailed.
func (a *Acceptor) Start(bind string) error {
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("%w: %v", neterror.ErrListenFailed, err)
	}

	a.listener = listener
	log.Infof("Listening on %v", listener.Addr())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (a *Acceptor) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Accept waits for one inbound connection and posts it to the strand. A stop
// racing the accept surfaces as ErrServiceStopped.
func (a *Acceptor) Accept(handler AcceptHandler) {
	go func() {
		conn, err := a.listener.Accept()

		a.strand.Post(func() {
			if err != nil {
				if a.stopped.Load() {
					handler(neterror.ErrServiceStopped, nil)
					return
				}
				handler(fmt.Errorf("%w: %v",
					neterror.ErrAcceptFailed, err), nil)
				return
			}

			if a.stopped.Load() {
				_ = conn.Close()
				handler(neterror.ErrServiceStopped, nil)
				return
			}

			sock := NewSocket(a.cfg.Executor.NewStrand(), conn,
				a.cfg.Socket)
			handler(nil, sock)
		})
	}()
}

// Stop cancels the pending accept and closes the listener. Idempotent; safe
// from any goroutine.
func (a *Acceptor) Stop() {
	if !a.stopped.CompareAndSwap(false, true) {
		return
	}

	if a.listener != nil {
		_ = a.listener.Close()
	}
}
