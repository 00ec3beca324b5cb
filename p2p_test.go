package bnet

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/hashforge/bnet/netcfg"
	"github.com/hashforge/bnet/neterror"
	"github.com/hashforge/bnet/peer"
	"github.com/hashforge/bnet/transport"
)

// quietSettings disables every sub-session and persistence.
func quietSettings() netcfg.Settings {
	s := netcfg.DefaultSettings()
	s.HostPoolCapacity = 0
	s.InboundConnections = 0
	s.OutboundConnections = 0
	s.Seeds = []netcfg.Endpoint{{Host: "seed.example", Port: 8333}}
	s.Path = ""
	return s
}

// onNetStrand runs fn on the supervisor strand and waits for it.
func onNetStrand(t *testing.T, p *P2P, fn func()) {
	t.Helper()

	done := make(chan struct{})
	p.strand.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("network strand stalled")
	}
}

// TestP2PBypassedStart asserts that with every sub-session disabled, start
// and run complete successfully without touching the network.
func TestP2PBypassedStart(t *testing.T) {
	t.Parallel()

	p := New(quietSettings())

	started := make(chan error, 1)
	p.Start(func(err error) {
		started <- err
	})

	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("start never completed")
	}

	ran := make(chan error, 1)
	p.Run(func(err error) {
		ran <- err
	})

	select {
	case err := <-ran:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run never completed")
	}

	require.NoError(t, p.Close())
}

// TestP2PCloseIdempotent asserts repeated closes are harmless and the close
// subscriber fires exactly once.
func TestP2PCloseIdempotent(t *testing.T) {
	t.Parallel()

	p := New(quietSettings())

	var closes atomic.Int32
	p.SubscribeClose(func(err error) {
		require.ErrorIs(t, err, neterror.ErrServiceStopped)
		closes.Add(1)
	})

	started := make(chan error, 1)
	p.Start(func(err error) {
		started <- err
	})
	require.NoError(t, <-started)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	require.Equal(t, int32(1), closes.Load())
}

// testChannel builds a channel over a pipe for supervisor registration
// tests.
func testChannel(t *testing.T, p *P2P, inbound, quiet bool) *peer.Channel {
	t.Helper()

	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})

	sock := transport.NewSocket(p.executor.NewStrand(), local,
		transport.SocketConfig{})

	return peer.NewChannel(sock, peer.Config{
		Magic:           p.settings.Identifier,
		ProtocolMaximum: p.settings.ProtocolMaximum,
		NextKey:         p.NextKey,
	}, inbound, quiet)
}

// TestP2PLoopbackRejected asserts that an inbound channel echoing one of
// our stored outbound nonces is refused with accept_failed and the counters
// stay untouched.
func TestP2PLoopbackRejected(t *testing.T) {
	t.Parallel()

	p := New(quietSettings())
	require.NoError(t, p.executor.Start())
	defer p.Close()

	outboundCh := testChannel(t, p, false, false)
	inboundCh := testChannel(t, p, true, false)

	// The inbound peer's version carries the outbound channel's nonce,
	// exactly what a self-connection echoes.
	done := make(chan struct{})
	inboundCh.Strand().Post(func() {
		inboundCh.SetPeerVersion(&wire.MsgVersion{
			ProtocolVersion: int32(p.settings.ProtocolMaximum),
			Nonce:           outboundCh.Nonce(),
		})
		close(done)
	})
	<-done

	onNetStrand(t, p, func() {
		require.True(t, p.StoreNonce(outboundCh))

		err := p.CountChannel(inboundCh)
		require.ErrorIs(t, err, neterror.ErrAcceptFailed)

		require.Equal(t, 0, p.TotalChannelCount())
		require.Equal(t, 0, p.InboundChannelCount())
	})
}

// TestP2PCountChannel asserts counting, authority conflict and the inbound
// cap.
func TestP2PCountChannel(t *testing.T) {
	t.Parallel()

	s := quietSettings()
	s.InboundConnections = 1
	p := New(s)
	require.NoError(t, p.executor.Start())
	defer p.Close()

	first := testChannel(t, p, true, false)
	second := testChannel(t, p, true, false)

	onNetStrand(t, p, func() {
		require.NoError(t, p.CountChannel(first))
		require.Equal(t, 1, p.TotalChannelCount())
		require.Equal(t, 1, p.InboundChannelCount())

		// A second inbound channel exceeds the inbound cap of one.
		err := p.CountChannel(second)
		require.Error(t, err)

		p.UncountChannel(first)
		require.Equal(t, 0, p.TotalChannelCount())
		require.Equal(t, 0, p.InboundChannelCount())
	})
}

// TestP2PQuietChannelNotTotaled asserts quiet channels never enter the
// total count.
func TestP2PQuietChannelNotTotaled(t *testing.T) {
	t.Parallel()

	p := New(quietSettings())
	require.NoError(t, p.executor.Start())
	defer p.Close()

	quiet := testChannel(t, p, false, true)

	onNetStrand(t, p, func() {
		require.NoError(t, p.CountChannel(quiet))
		require.Equal(t, 0, p.TotalChannelCount())

		p.UncountChannel(quiet)
	})
}

// TestP2PNonceLifecycle asserts store/unstore behavior and the inbound
// exemption.
func TestP2PNonceLifecycle(t *testing.T) {
	t.Parallel()

	p := New(quietSettings())
	require.NoError(t, p.executor.Start())
	defer p.Close()

	outboundCh := testChannel(t, p, false, false)
	inboundCh := testChannel(t, p, true, false)

	onNetStrand(t, p, func() {
		require.True(t, p.StoreNonce(outboundCh))

		// A duplicate store of the same nonce is refused.
		require.False(t, p.StoreNonce(outboundCh))

		p.UnstoreNonce(outboundCh)
		require.True(t, p.StoreNonce(outboundCh))

		// Inbound channels do not store.
		require.True(t, p.StoreNonce(inboundCh))
		require.True(t, p.StoreNonce(inboundCh))
	})
}

// TestP2PBroadcast asserts fan-out reaches every registered channel.
func TestP2PBroadcast(t *testing.T) {
	t.Parallel()

	p := New(quietSettings())
	require.NoError(t, p.executor.Start())
	defer p.Close()

	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })

	sock := transport.NewSocket(p.executor.NewStrand(), local,
		transport.SocketConfig{})
	ch := peer.NewChannel(sock, peer.Config{
		Magic:           p.settings.Identifier,
		ProtocolMaximum: p.settings.ProtocolMaximum,
		NextKey:         p.NextKey,
	}, false, false)

	onNetStrand(t, p, func() {
		require.NoError(t, p.CountChannel(ch))
	})

	// Drain the remote end concurrently; net.Pipe writes are synchronous.
	var wg sync.WaitGroup
	wg.Add(1)
	msgs := make(chan wire.Message, 1)
	go func() {
		defer wg.Done()
		msg, _, err := wire.ReadMessage(remote,
			p.settings.ProtocolMaximum,
			wire.BitcoinNet(p.settings.Identifier))
		if err == nil {
			msgs <- msg
		}
	}()

	outcomes := make(chan error, 1)
	p.Broadcast(wire.NewMsgPing(777), func(nonce uint64, err error) {
		require.Equal(t, ch.Nonce(), nonce)
		outcomes <- err
	})

	select {
	case err := <-outcomes:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast outcome never arrived")
	}

	wg.Wait()
	ping, ok := (<-msgs).(*wire.MsgPing)
	require.True(t, ok)
	require.Equal(t, uint64(777), ping.Nonce)

	onNetStrand(t, p, func() {
		p.UncountChannel(ch)
	})
}

// TestP2PNextKeyMonotone asserts key minting is strictly increasing from
// one.
func TestP2PNextKeyMonotone(t *testing.T) {
	t.Parallel()

	p := New(quietSettings())

	require.Equal(t, uint64(1), p.NextKey())
	require.Equal(t, uint64(2), p.NextKey())
	require.Equal(t, uint64(3), p.NextKey())
}
