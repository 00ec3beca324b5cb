package protocol

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/hashforge/bnet/neterror"
	"github.com/hashforge/bnet/peer"
	"github.com/hashforge/bnet/pool"
	"github.com/hashforge/bnet/transport"
)

const (
	testMagic = uint32(wire.MainNet)
	testPver  = uint32(70016)
)

// harness wires a channel to a scripted remote over an in-memory pipe.
type harness struct {
	channel *peer.Channel
	remote  net.Conn
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	e := pool.NewExecutor(2)
	require.NoError(t, e.Start())
	t.Cleanup(func() { e.Stop() })

	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })

	sock := transport.NewSocket(e.NewStrand(), local,
		transport.SocketConfig{})

	var keys atomic.Uint64
	cfg := peer.Config{
		Magic:             testMagic,
		ProtocolMaximum:   testPver,
		Witness:           true,
		ValidateChecksum:  true,
		HandshakeTimeout:  time.Hour,
		InactivityTimeout: time.Hour,
		ExpirationTimeout: time.Hour,
		NextKey:           func() uint64 { return keys.Add(1) },
	}

	channel := peer.NewChannel(sock, cfg, false, false)
	t.Cleanup(func() {
		channel.StopAsync(neterror.ErrServiceStopped)
	})

	return &harness{
		channel: channel,
		remote:  remote,
	}
}

// onStrand runs fn on the channel strand and waits for it.
func (h *harness) onStrand(t *testing.T, fn func()) {
	t.Helper()

	done := make(chan struct{})
	h.channel.Strand().Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("strand stalled")
	}
}

// read pulls the next message off the remote end.
func (h *harness) read(t *testing.T) wire.Message {
	t.Helper()

	require.NoError(t, h.remote.SetReadDeadline(
		time.Now().Add(5*time.Second)))
	msg, _, err := wire.ReadMessage(h.remote, testPver,
		wire.BitcoinNet(testMagic))
	require.NoError(t, err)
	return msg
}

// write pushes a message into the channel from the remote end.
func (h *harness) write(t *testing.T, msg wire.Message) {
	t.Helper()

	require.NoError(t, h.remote.SetWriteDeadline(
		time.Now().Add(5*time.Second)))
	err := wire.WriteMessage(h.remote, msg, testPver,
		wire.BitcoinNet(testMagic))
	require.NoError(t, err)
}

// watchStop captures the channel's terminal code.
func (h *harness) watchStop(t *testing.T) <-chan error {
	t.Helper()

	codes := make(chan error, 1)
	h.onStrand(t, func() {
		require.NoError(t, h.channel.SubscribeStop(
			h.channel.NextKey(), func(err error) {
				codes <- err
			}))
	})
	return codes
}

// remoteVersion builds a plausible peer version message.
func remoteVersion(pver uint32, services wire.ServiceFlag,
	nonce uint64) *wire.MsgVersion {

	return &wire.MsgVersion{
		ProtocolVersion: int32(pver),
		Services:        services,
		Timestamp:       time.Now(),
		Nonce:           nonce,
		UserAgent:       "/peer:1.0/",
	}
}
