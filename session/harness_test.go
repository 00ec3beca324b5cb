package session

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/hashforge/bnet/addrmgr"
	"github.com/hashforge/bnet/netcfg"
	"github.com/hashforge/bnet/neterror"
	"github.com/hashforge/bnet/peer"
	"github.com/hashforge/bnet/pool"
	"github.com/hashforge/bnet/transport"
)

// remoteMode selects how a scripted remote peer behaves after accepting.
type remoteMode int

const (
	// remoteFull completes the handshake and then serves address
	// requests until the connection drops.
	remoteFull remoteMode = iota

	// remoteDrop closes the connection immediately after accepting.
	remoteDrop

	// remoteSilent accepts and never sends a byte.
	remoteSilent
)

// testRemote is a scripted peer on a real TCP listener.
type testRemote struct {
	t    *testing.T
	ln   net.Listener
	mode remoteMode

	// addrs is served in response to getaddr.
	addrs []addrmgr.Address

	accepts atomic.Int32

	wg   sync.WaitGroup
	quit chan struct{}
}

func newTestRemote(t *testing.T, mode remoteMode,
	addrs []addrmgr.Address) *testRemote {

	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := &testRemote{
		t:     t,
		ln:    ln,
		mode:  mode,
		addrs: addrs,
		quit:  make(chan struct{}),
	}

	r.wg.Add(1)
	go r.acceptLoop()

	t.Cleanup(r.stop)
	return r
}

func (r *testRemote) stop() {
	select {
	case <-r.quit:
		return
	default:
	}
	close(r.quit)
	r.ln.Close()
	r.wg.Wait()
}

// endpoint returns the listener as a configuration endpoint.
func (r *testRemote) endpoint() netcfg.Endpoint {
	addr := r.ln.Addr().(*net.TCPAddr)
	return netcfg.Endpoint{
		Host: addr.IP.String(),
		Port: uint16(addr.Port),
	}
}

// address returns the listener as a pool address.
func (r *testRemote) address() addrmgr.Address {
	addr := r.ln.Addr().(*net.TCPAddr)
	return addrmgr.Address{
		IP:        addr.IP,
		Port:      uint16(addr.Port),
		Services:  wire.SFNodeNetwork,
		Timestamp: time.Now(),
	}
}

func (r *testRemote) acceptLoop() {
	defer r.wg.Done()

	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		r.accepts.Add(1)

		switch r.mode {
		case remoteDrop:
			conn.Close()

		case remoteSilent:
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				<-r.quit
				conn.Close()
			}()

		case remoteFull:
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				defer conn.Close()
				r.script(conn)
			}()
		}
	}
}

// script performs the peer half of the handshake and then answers address
// requests until the connection goes away.
func (r *testRemote) script(conn net.Conn) {
	magic := wire.BitcoinNet(uint32(wire.MainNet))
	pver := uint32(70016)

	deadline := time.Now().Add(10 * time.Second)
	_ = conn.SetDeadline(deadline)

	write := func(msg wire.Message) bool {
		return wire.WriteMessage(conn, msg, pver, magic) == nil
	}

	if !write(&wire.MsgVersion{
		ProtocolVersion: int32(pver),
		Services:        wire.SFNodeNetwork | wire.SFNodeWitness,
		Timestamp:       time.Now(),
		Nonce:           uint64(time.Now().UnixNano()),
		UserAgent:       "/remote:1.0/",
	}) {
		return
	}

	// Read their version, ack it, and collect their verack.
	sawVersion, sawVerack := false, false
	for !sawVersion || !sawVerack {
		msg, _, err := wire.ReadMessage(conn, pver, magic)
		if err != nil {
			return
		}
		switch msg.(type) {
		case *wire.MsgVersion:
			sawVersion = true
			if !write(&wire.MsgVerAck{}) {
				return
			}
		case *wire.MsgVerAck:
			sawVerack = true
		}
	}

	// Post-handshake service loop.
	_ = conn.SetDeadline(time.Time{})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		msg, _, err := wire.ReadMessage(conn, pver, magic)
		if err != nil {
			return
		}

		switch m := msg.(type) {
		case *wire.MsgGetAddr:
			out := wire.NewMsgAddr()
			for i := range r.addrs {
				_ = out.AddAddress(r.addrs[i].NetAddress())
			}
			if !write(out) {
				return
			}

		case *wire.MsgPing:
			if !write(wire.NewMsgPong(m.Nonce)) {
				return
			}
		}
	}
}

// fakeNet is a test double for the supervisor surface.
type fakeNet struct {
	t    *testing.T
	pool *addrmgr.Manager

	keys atomic.Uint64

	mtx       sync.Mutex
	counted   map[uint64]string
	connected []string
	inbound   int

	// rejectWith, when set, refuses every registration.
	rejectWith error
}

func newFakeNet(t *testing.T, p *addrmgr.Manager) *fakeNet {
	return &fakeNet{
		t:       t,
		pool:    p,
		counted: make(map[uint64]string),
	}
}

func (f *fakeNet) NextKey() uint64 {
	return f.keys.Add(1)
}

func (f *fakeNet) StoreNonce(*peer.Channel) bool { return true }

func (f *fakeNet) UnstoreNonce(*peer.Channel) {}

func (f *fakeNet) CountChannel(channel *peer.Channel) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	if f.rejectWith != nil {
		return f.rejectWith
	}
	if !f.pool.Reserve(channel.Authority()) {
		return neterror.ErrAddressInUse
	}

	f.counted[channel.Nonce()] = channel.Authority()
	if channel.Inbound() {
		f.inbound++
	}
	return nil
}

func (f *fakeNet) UncountChannel(channel *peer.Channel) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	f.pool.Unreserve(channel.Authority())
	if _, ok := f.counted[channel.Nonce()]; ok && channel.Inbound() {
		f.inbound--
	}
	delete(f.counted, channel.Nonce())
}

func (f *fakeNet) InboundChannelCount() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.inbound
}

func (f *fakeNet) NotifyConnect(channel *peer.Channel) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	f.connected = append(f.connected, channel.Authority())
}

func (f *fakeNet) countedLen() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.counted)
}

// testSessionConfig assembles a session config over a fresh executor.
func testSessionConfig(t *testing.T, settings *netcfg.Settings,
	p *addrmgr.Manager) (Config, *fakeNet) {

	t.Helper()

	settings.Normalize()

	e := pool.NewExecutor(4)
	require.NoError(t, e.Start())
	t.Cleanup(func() { e.Stop() })

	net := newFakeNet(t, p)

	return Config{
		Settings: settings,
		Executor: e,
		Strand:   e.NewStrand(),
		Net:      net,
		Pool:     p,
		Resolver: transport.NewDNSResolver(settings.EnableIPv6),
	}, net
}

// testSettings returns settings tuned for fast tests. Witness service is
// not required of peers so the scripted remotes stay simple.
func testSettings() *netcfg.Settings {
	s := netcfg.DefaultSettings()
	s.ServicesMaximum = wire.SFNodeNetwork
	s.ConnectTimeout = 2 * time.Second
	s.HandshakeTimeout = 2 * time.Second
	s.SeedingTimeout = 5 * time.Second
	s.RetryTimeout = 50 * time.Millisecond
	s.ChannelHeartbeat = time.Hour
	s.ChannelInactivity = time.Hour
	s.ChannelExpiration = time.Hour
	s.MinimumAddressCount = 3
	return &s
}

// post runs fn on the session strand.
func post(cfg Config, fn func()) {
	cfg.Strand.Post(fn)
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// netDial opens a raw client connection for accept-time tests.
func netDial(addr string) (net.Conn, error) {
	return net.Dial("tcp", addr)
}

// scriptRemotePeer drives the peer half of the handshake on an existing
// client connection. The returned channel closes when the connection ends,
// which is how accept-time rejection is observed.
func scriptRemotePeer(t *testing.T, conn net.Conn) <-chan struct{} {
	t.Helper()

	closed := make(chan struct{})
	go func() {
		defer close(closed)

		remote := &testRemote{t: t, quit: make(chan struct{})}
		remote.script(conn)
	}()
	return closed
}

// dialRemotePeer dials addr and scripts a full peer against it.
func dialRemotePeer(t *testing.T, addr string) <-chan struct{} {
	t.Helper()

	conn, err := netDial(addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return scriptRemotePeer(t, conn)
}

// poolAddr builds a distinct valid pool address from an index.
func poolAddr(i int) addrmgr.Address {
	return addrmgr.Address{
		IP:        net.IPv4(10, 9, byte(i>>8), byte(i)),
		Port:      8333,
		Services:  wire.SFNodeNetwork,
		Timestamp: time.Now(),
	}
}

// endpointAddr converts an endpoint into a pool address.
func endpointAddr(e netcfg.Endpoint) addrmgr.Address {
	return addrmgr.Address{
		IP:        net.ParseIP(e.Host),
		Port:      e.Port,
		Services:  wire.SFNodeNetwork,
		Timestamp: time.Now(),
	}
}

// freePort reserves and releases a TCP port for reuse in a test.
func freePort(t *testing.T) netcfg.Endpoint {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	return netcfg.Endpoint{
		Host: addr.IP.String(),
		Port: uint16(addr.Port),
	}
}

// listenOn opens a scripted remote on a previously reserved endpoint.
func listenOn(t *testing.T, e netcfg.Endpoint) *testRemote {
	t.Helper()

	ln, err := net.Listen("tcp",
		net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port))))
	require.NoError(t, err)

	r := &testRemote{
		t:    t,
		ln:   ln,
		mode: remoteFull,
		quit: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.acceptLoop()
	t.Cleanup(r.stop)
	return r
}
