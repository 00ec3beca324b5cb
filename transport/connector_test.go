package transport

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashforge/bnet/neterror"
	"github.com/hashforge/bnet/pool"
)

// ipResolver resolves every host to a fixed IP list without touching DNS.
type ipResolver struct {
	ips   []net.IP
	err   error
	delay time.Duration
}

func (r *ipResolver) Resolve(ctx context.Context,
	host string) ([]net.IP, error) {

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, neterror.ErrOperationCanceled
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.ips, nil
}

// testExecutor builds a started executor and strand.
func testExecutor(t *testing.T) (*pool.Executor, *pool.Strand) {
	t.Helper()

	e := pool.NewExecutor(2)
	require.NoError(t, e.Start())
	t.Cleanup(func() { e.Stop() })

	return e, e.NewStrand()
}

// TestConnectorSuccess asserts the happy path produces a ready socket
// exactly once.
func TestConnectorSuccess(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			// Hold until the test ends.
			var b [1]byte
			_, _ = conn.Read(b[:])
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)

	e, strand := testExecutor(t)
	c := NewConnector(strand, ConnectorConfig{
		Executor: e,
		Resolver: &ipResolver{ips: []net.IP{addr.IP}},
		Timeout:  2 * time.Second,
		WantV6:   true,
	})

	var calls atomic.Int32
	socks := make(chan *Socket, 1)
	strand.Post(func() {
		c.Connect("example.invalid", uint16(addr.Port),
			func(err error, sock *Socket) {
				calls.Add(1)
				require.NoError(t, err)
				socks <- sock
			})
	})

	select {
	case sock := <-socks:
		require.NotNil(t, sock)
		require.Equal(t, addr.String(), sock.Authority())
		sock.Stop()
	case <-time.After(5 * time.Second):
		t.Fatal("connect never completed")
	}

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

// TestConnectorRefused asserts a dead endpoint maps to a connect failure.
func TestConnectorRefused(t *testing.T) {
	t.Parallel()

	// Reserve a port and close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	e, strand := testExecutor(t)
	c := NewConnector(strand, ConnectorConfig{
		Executor: e,
		Resolver: &ipResolver{ips: []net.IP{addr.IP}},
		Timeout:  2 * time.Second,
		WantV6:   true,
	})

	outcome := make(chan error, 1)
	strand.Post(func() {
		c.Connect("example.invalid", uint16(addr.Port),
			func(err error, sock *Socket) {
				require.Nil(t, sock)
				outcome <- err
			})
	})

	select {
	case err := <-outcome:
		require.ErrorIs(t, err, neterror.ErrConnectFailed)
	case <-time.After(5 * time.Second):
		t.Fatal("connect never completed")
	}
}

// TestConnectorTimeout asserts the race timer wins over a stalled resolve
// and delivers channel_timeout exactly once.
func TestConnectorTimeout(t *testing.T) {
	t.Parallel()

	e, strand := testExecutor(t)
	c := NewConnector(strand, ConnectorConfig{
		Executor: e,
		Resolver: &ipResolver{delay: time.Hour},
		Timeout:  50 * time.Millisecond,
		WantV6:   true,
	})

	outcomes := make(chan error, 2)
	strand.Post(func() {
		c.Connect("stall.example", 8333,
			func(err error, sock *Socket) {
				require.Nil(t, sock)
				outcomes <- err
			})
	})

	select {
	case err := <-outcomes:
		require.ErrorIs(t, err, neterror.ErrChannelTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout never fired")
	}

	select {
	case err := <-outcomes:
		t.Fatalf("handler fired twice: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestConnectorStop asserts stopping an in-flight attempt delivers
// channel_stopped through the completion path exactly once.
func TestConnectorStop(t *testing.T) {
	t.Parallel()

	e, strand := testExecutor(t)
	c := NewConnector(strand, ConnectorConfig{
		Executor: e,
		Resolver: &ipResolver{delay: time.Hour},
		Timeout:  time.Hour,
		WantV6:   true,
	})

	outcomes := make(chan error, 2)
	strand.Post(func() {
		c.Connect("stall.example", 8333,
			func(err error, sock *Socket) {
				require.Nil(t, sock)
				outcomes <- err
			})
		c.Stop()
	})

	select {
	case err := <-outcomes:
		require.ErrorIs(t, err, neterror.ErrChannelStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("stop outcome never arrived")
	}

	select {
	case err := <-outcomes:
		t.Fatalf("handler fired twice: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestAcceptorLifecycle asserts bind, a single accept and stop.
func TestAcceptorLifecycle(t *testing.T) {
	t.Parallel()

	e, strand := testExecutor(t)
	a := NewAcceptor(strand, AcceptorConfig{Executor: e})

	require.NoError(t, a.Start("127.0.0.1:0"))
	defer a.Stop()

	socks := make(chan *Socket, 1)
	a.Accept(func(err error, sock *Socket) {
		require.NoError(t, err)
		socks <- sock
	})

	conn, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case sock := <-socks:
		require.Equal(t, conn.LocalAddr().String(), sock.Authority())
		sock.Stop()
	case <-time.After(5 * time.Second):
		t.Fatal("accept never completed")
	}
}

// TestAcceptorStopCancelsAccept asserts a pending accept resolves to the
// terminal code on stop.
func TestAcceptorStopCancelsAccept(t *testing.T) {
	t.Parallel()

	e, strand := testExecutor(t)
	a := NewAcceptor(strand, AcceptorConfig{Executor: e})

	require.NoError(t, a.Start("127.0.0.1:0"))

	outcome := make(chan error, 1)
	a.Accept(func(err error, sock *Socket) {
		require.Nil(t, sock)
		outcome <- err
	})

	a.Stop()

	select {
	case err := <-outcome:
		require.ErrorIs(t, err, neterror.ErrServiceStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("accept never resolved")
	}
}

// TestAcceptorBadBind asserts bind errors surface as listen_failed.
func TestAcceptorBadBind(t *testing.T) {
	t.Parallel()

	e, strand := testExecutor(t)
	a := NewAcceptor(strand, AcceptorConfig{Executor: e})

	err := a.Start("256.0.0.1:1")
	require.ErrorIs(t, err, neterror.ErrListenFailed)
}

// TestSocketStopRetiresStrand asserts that stopping a socket retires its
// strand: tasks posted afterwards never run.
func TestSocketStopRetiresStrand(t *testing.T) {
	t.Parallel()

	e, _ := testExecutor(t)

	local, remote := net.Pipe()
	defer remote.Close()

	sock := NewSocket(e.NewStrand(), local, SocketConfig{})
	sock.Stop()
	sock.Join()

	var ran atomic.Bool
	sock.Strand().Post(func() {
		ran.Store(true)
	})

	time.Sleep(50 * time.Millisecond)
	require.False(t, ran.Load())
}
