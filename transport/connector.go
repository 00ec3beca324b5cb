package transport

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/hashforge/bnet/neterror"
	"github.com/hashforge/bnet/pool"
	"github.com/hashforge/bnet/timers"
)

// ConnectHandler receives the outcome of a connect attempt: a ready socket on
// success, or exactly one of the mapped failure codes. The handler is invoked
// on the connector's strand exactly once per Connect call, no matter how the
// races between resolution, dialing, timeout and stop play out.
type ConnectHandler func(error, *Socket)

// ConnectorConfig parameterizes a connector.
type ConnectorConfig struct {
	// Executor mints the strand for each successfully connected socket.
	Executor *pool.Executor

	// Resolver performs hostname resolution.
	Resolver Resolver

	// Timeout bounds the whole resolve+connect sequence. Each attempt
	// arms a randomized fraction (50%-100%) of it so that batches of
	// connectors do not expire in lockstep.
	Timeout time.Duration

	// WantV6 permits IPv6 candidates.
	WantV6 bool

	// Socket is applied to every socket the connector creates.
	Socket SocketConfig
}

// Connector performs a single outbound resolve+connect with timeout. It is
// bound to its owner's strand: Connect and Stop must be called there, and the
// handler fires there. A connector is reusable; a new Connect may be issued
// once the previous handler has fired.
type Connector struct {
	cfg    ConnectorConfig
	strand *pool.Strand
	timer  *timers.Deadline

	// stopped latches completion of the current attempt. The first of
	// {completion, timer expiry} to run on the strand wins; the rest are
	// discarded through this guard so the handler fires exactly once.
	stopped bool

	// attempt distinguishes the current Connect from a prior one whose
	// canceled completion may still be in flight.
	attempt uint64

	cancel context.CancelFunc
}

// NewConnector creates a connector bound to the given strand.
func NewConnector(strand *pool.Strand, cfg ConnectorConfig) *Connector {
	return &Connector{
		cfg:     cfg,
		strand:  strand,
		timer:   timers.NewDeadline(strand, cfg.Timeout),
		stopped: true,
	}
}

// Connect resolves host and dials the first responsive candidate, invoking
// handler exactly once with the outcome. Must be called on the strand.
func (c *Connector) Connect(host string, port uint16,
	handler ConnectHandler) {

	// Enables reusability.
	c.stopped = false
	c.attempt++
	attempt := c.attempt

	// Arm the race timer for 50%-100% of the configured timeout.
	duration := c.cfg.Timeout/2 +
		time.Duration(rand.Int63n(int64(c.cfg.Timeout/2)+1))
	c.timer.StartWith(func(err error) {
		c.handleTimer(attempt, err, handler)
	}, duration)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go c.resolveAndDial(ctx, attempt, host, port, handler)
}

// Stop cancels the in-flight attempt. The pending handler fires with
// ErrChannelStopped via the completion path. Must be called on the strand.
func (c *Connector) Stop() {
	if c.stopped {
		return
	}

	if c.cancel != nil {
		c.cancel()
	}

	// The timer handler observes the cancellation code and stands down;
	// the aborted resolve or dial delivers the terminal code instead.
	c.timer.Stop()
}

// resolveAndDial runs off-strand and posts its outcome back.
func (c *Connector) resolveAndDial(ctx context.Context, attempt uint64,
	host string, port uint16, handler ConnectHandler) {

	ips, err := c.cfg.Resolver.Resolve(ctx, host)
	if err != nil {
		c.complete(attempt, neterror.FromResolve(err), nil, handler)
		return
	}

	if !c.cfg.WantV6 {
		ips = filterV4(ips)
	}
	if len(ips) == 0 {
		c.complete(attempt, neterror.ErrAddressDisabled, nil, handler)
		return
	}

	var (
		dialer  net.Dialer
		conn    net.Conn
		dialErr error
	)
	for _, ip := range ips {
		endpoint := net.JoinHostPort(ip.String(),
			strconv.Itoa(int(port)))

		conn, dialErr = dialer.DialContext(ctx, "tcp", endpoint)
		if dialErr == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	if conn == nil {
		c.complete(attempt, neterror.FromConnect(dialErr), nil, handler)
		return
	}

	sock := NewSocket(c.cfg.Executor.NewStrand(), conn, c.cfg.Socket)
	c.complete(attempt, nil, sock, handler)
}

// complete posts the attempt outcome to the strand, where the stopped latch
// arbitrates against the timer.
func (c *Connector) complete(attempt uint64, err error, sock *Socket,
	handler ConnectHandler) {

	c.strand.Post(func() {
		// Ensure the handler executes only once, as both the
		// completion and the timer may be posted. A stale attempt's
		// completion must not touch the current one.
		if c.stopped || c.attempt != attempt {
			if sock != nil {
				sock.Stop()
			}
			return
		}
		c.stopped = true
		c.timer.Stop()

		if err != nil {
			// Cancellation reaches here when Stop aborted the
			// attempt; normalize it for the session.
			if neterror.IsCanceled(err) {
				err = neterror.ErrChannelStopped
			}
			handler(err, nil)
			return
		}

		handler(nil, sock)
	})
}

// handleTimer runs on the strand when the race timer resolves.
func (c *Connector) handleTimer(attempt uint64, err error,
	handler ConnectHandler) {

	if c.stopped || c.attempt != attempt {
		return
	}

	// A canceled arm means the attempt completed or was stopped first;
	// the completion path owns the handler.
	if err != nil {
		return
	}

	// Expiry: abort the attempt and deliver the timeout.
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}

	handler(neterror.ErrChannelTimeout, nil)
}

// filterV4 drops IPv6 candidates.
func filterV4(ips []net.IP) []net.IP {
	out := ips[:0]
	for _, ip := range ips {
		if ip.To4() != nil {
			out = append(out, ip)
		}
	}
	return out
}
