package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashforge/bnet/addrmgr"
	"github.com/hashforge/bnet/netcfg"
	"github.com/hashforge/bnet/neterror"
	"github.com/hashforge/bnet/peer"
)

// TestSeedBypass asserts a disabled pool bypasses the seed session within
// one strand turn.
func TestSeedBypass(t *testing.T) {
	t.Parallel()

	settings := testSettings()
	settings.HostPoolCapacity = 0
	settings.Seeds = []netcfg.Endpoint{{Host: "127.0.0.1", Port: 1}}

	p := addrmgr.New(addrmgr.Config{Capacity: 0})
	cfg, _ := testSessionConfig(t, settings, p)

	outcome := make(chan error, 1)
	seed := NewSeed(cfg)
	post(cfg, func() {
		seed.Start(func(err error) {
			outcome <- err
		})
	})

	select {
	case err := <-outcome:
		require.ErrorIs(t, err, neterror.ErrBypassed)
	case <-time.After(5 * time.Second):
		t.Fatal("seed session never completed")
	}
}

// TestSeedHarvest asserts the seed session connects, harvests addresses
// into the pool and completes once the minimum count is reached.
func TestSeedHarvest(t *testing.T) {
	t.Parallel()

	served := make([]addrmgr.Address, 5)
	for i := range served {
		served[i] = poolAddr(i + 1)
	}
	remote := newTestRemote(t, remoteFull, served)

	settings := testSettings()
	settings.Seeds = []netcfg.Endpoint{remote.endpoint()}

	p := addrmgr.New(addrmgr.Config{
		Capacity: settings.HostPoolCapacity,
		Excluded: settings.Excluded,
	})
	cfg, _ := testSessionConfig(t, settings, p)

	outcome := make(chan error, 1)
	seed := NewSeed(cfg)
	post(cfg, func() {
		seed.Start(func(err error) {
			outcome <- err
		})
	})

	select {
	case err := <-outcome:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("seeding never completed")
	}

	require.GreaterOrEqual(t, p.Count(), settings.MinimumAddressCount)
}

// TestManualReconnectsOnDrop asserts an endpoint that keeps dropping us is
// redialed immediately after each channel stop.
func TestManualReconnectsOnDrop(t *testing.T) {
	t.Parallel()

	remote := newTestRemote(t, remoteDrop, nil)

	settings := testSettings()
	p := addrmgr.New(addrmgr.Config{Capacity: 100})
	cfg, _ := testSessionConfig(t, settings, p)

	manual := NewManual(cfg)
	post(cfg, func() {
		manual.Connect(remote.endpoint())
	})

	eventually(t, func() bool {
		return remote.accepts.Load() >= 3
	}, "manual session did not keep reconnecting")

	post(cfg, func() {
		manual.Stop()
	})
}

// TestManualRetriesUntilListenerAppears asserts the retry loop outlives
// refused connections and the observer fires once a listener shows up.
func TestManualRetriesUntilListenerAppears(t *testing.T) {
	t.Parallel()

	endpoint := freePort(t)

	settings := testSettings()
	p := addrmgr.New(addrmgr.Config{Capacity: 100})
	cfg, net := testSessionConfig(t, settings, p)

	connected := make(chan string, 1)
	manual := NewManual(cfg)
	post(cfg, func() {
		manual.ConnectWith(endpoint,
			func(err error, ch *peer.Channel) bool {
				if err == nil {
					connected <- ch.Authority()
				}
				return false
			})
	})

	// Let several refused attempts elapse before the peer exists.
	time.Sleep(5 * settings.RetryTimeout)
	listenOn(t, endpoint)

	select {
	case authority := <-connected:
		require.Equal(t, endpoint.String(), authority)
	case <-time.After(10 * time.Second):
		t.Fatal("manual session never connected")
	}

	eventually(t, func() bool {
		return net.countedLen() == 1
	}, "channel was not counted")
}

// TestOutboundAdoptsSingleChannel asserts a batch adopts exactly one
// channel, restores the losers and reserves exactly one authority.
func TestOutboundAdoptsSingleChannel(t *testing.T) {
	t.Parallel()

	remote := newTestRemote(t, remoteFull, nil)

	settings := testSettings()
	settings.OutboundConnections = 1
	settings.ConnectBatchSize = 3

	p := addrmgr.New(addrmgr.Config{Capacity: 100})
	require.Equal(t, 1, p.Save([]addrmgr.Address{remote.address()}))

	// Two dead candidates round out the batch.
	for i := 0; i < 2; i++ {
		dead := freePort(t)
		require.Equal(t, 1, p.Save([]addrmgr.Address{
			endpointAddr(dead),
		}))
	}

	cfg, net := testSessionConfig(t, settings, p)

	outcome := make(chan error, 1)
	outbound := NewOutbound(cfg)
	post(cfg, func() {
		outbound.Start(func(err error) {
			outcome <- err
		})
	})
	require.NoError(t, <-outcome)

	eventually(t, func() bool {
		return net.countedLen() == 1
	}, "no channel adopted")

	require.Equal(t, 1, p.ReservedCount())

	// The session holds exactly one live channel.
	require.Never(t, func() bool {
		return net.countedLen() > 1
	}, 300*time.Millisecond, 50*time.Millisecond)
}

// TestOutboundBypass asserts zero outbound slots bypass the session.
func TestOutboundBypass(t *testing.T) {
	t.Parallel()

	settings := testSettings()
	settings.OutboundConnections = 0

	p := addrmgr.New(addrmgr.Config{Capacity: 100})
	cfg, _ := testSessionConfig(t, settings, p)

	outcome := make(chan error, 1)
	outbound := NewOutbound(cfg)
	post(cfg, func() {
		outbound.Start(func(err error) {
			outcome <- err
		})
	})

	require.ErrorIs(t, <-outcome, neterror.ErrBypassed)
}

// TestOutboundPausesOnEmptyPool asserts an address-starved batch parks on
// the pool notification instead of spinning, then wakes on growth.
func TestOutboundPausesOnEmptyPool(t *testing.T) {
	t.Parallel()

	remote := newTestRemote(t, remoteFull, nil)

	settings := testSettings()
	settings.OutboundConnections = 1
	settings.ConnectBatchSize = 2

	p := addrmgr.New(addrmgr.Config{Capacity: 100})
	cfg, net := testSessionConfig(t, settings, p)

	outcome := make(chan error, 1)
	outbound := NewOutbound(cfg)
	post(cfg, func() {
		outbound.Start(func(err error) {
			outcome <- err
		})
	})
	require.NoError(t, <-outcome)

	// Starved: nothing to adopt.
	require.Never(t, func() bool {
		return net.countedLen() > 0
	}, 300*time.Millisecond, 50*time.Millisecond)

	// Growth wakes the batch.
	require.Equal(t, 1, p.Save([]addrmgr.Address{remote.address()}))

	eventually(t, func() bool {
		return net.countedLen() == 1
	}, "batch never woke from pause")
}

// TestInboundBypass asserts the inbound session bypasses with no binds or
// no capacity.
func TestInboundBypass(t *testing.T) {
	t.Parallel()

	settings := testSettings()
	settings.InboundConnections = 0

	p := addrmgr.New(addrmgr.Config{Capacity: 100})
	cfg, _ := testSessionConfig(t, settings, p)

	outcome := make(chan error, 1)
	inbound := NewInbound(cfg)
	post(cfg, func() {
		inbound.Start(func(err error) {
			outcome <- err
		})
	})

	require.ErrorIs(t, <-outcome, neterror.ErrBypassed)
}

// TestInboundAcceptsAndCounts asserts a well-behaved dialer is accepted,
// handshaken and counted.
func TestInboundAcceptsAndCounts(t *testing.T) {
	t.Parallel()

	settings := testSettings()
	settings.Binds = []netcfg.Endpoint{{Host: "127.0.0.1", Port: 0}}

	p := addrmgr.New(addrmgr.Config{Capacity: 100})
	cfg, fnet := testSessionConfig(t, settings, p)

	outcome := make(chan error, 1)
	inbound := NewInbound(cfg)
	post(cfg, func() {
		inbound.Start(func(err error) {
			outcome <- err
		})
	})
	require.NoError(t, <-outcome)

	dialRemotePeer(t, inbound.acceptors[0].Addr().String())

	eventually(t, func() bool {
		return fnet.countedLen() == 1
	}, "inbound channel was not counted")
	require.Equal(t, 1, fnet.InboundChannelCount())
}

// TestInboundRejectsOversubscribedAtAccept asserts a connection over the
// inbound cap is refused at accept time, before any channel exists.
func TestInboundRejectsOversubscribedAtAccept(t *testing.T) {
	t.Parallel()

	settings := testSettings()
	settings.InboundConnections = 1
	settings.Binds = []netcfg.Endpoint{{Host: "127.0.0.1", Port: 0}}

	p := addrmgr.New(addrmgr.Config{Capacity: 100})
	cfg, fnet := testSessionConfig(t, settings, p)

	// The cap is already consumed.
	fnet.inbound = 1

	outcome := make(chan error, 1)
	inbound := NewInbound(cfg)
	post(cfg, func() {
		inbound.Start(func(err error) {
			outcome <- err
		})
	})
	require.NoError(t, <-outcome)

	// The dial is accepted at TCP level and then dropped without a
	// handshake: the remote side observes EOF instead of a version.
	closed := dialRemotePeer(t,
		inbound.acceptors[0].Addr().String())

	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		t.Fatal("oversubscribed connection was not dropped")
	}

	require.Equal(t, 0, fnet.countedLen())
}

// TestInboundRejectsReservedAuthority asserts a colliding authority
// reservation refuses the connection at accept time.
func TestInboundRejectsReservedAuthority(t *testing.T) {
	t.Parallel()

	settings := testSettings()
	settings.Binds = []netcfg.Endpoint{{Host: "127.0.0.1", Port: 0}}

	p := addrmgr.New(addrmgr.Config{Capacity: 100})
	cfg, fnet := testSessionConfig(t, settings, p)

	outcome := make(chan error, 1)
	inbound := NewInbound(cfg)
	post(cfg, func() {
		inbound.Start(func(err error) {
			outcome <- err
		})
	})
	require.NoError(t, <-outcome)

	// Reserve the exact authority the dialer will present.
	conn, err := netDial(inbound.acceptors[0].Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.True(t, p.Reserve(conn.LocalAddr().String()))

	closed := scriptRemotePeer(t, conn)

	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		t.Fatal("colliding connection was not dropped")
	}

	require.Equal(t, 0, fnet.countedLen())
}
