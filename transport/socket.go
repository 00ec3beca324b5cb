package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/hashforge/bnet/neterror"
	"github.com/hashforge/bnet/pool"
)

// SocketConfig carries the per-socket knobs shared by all sockets of a node.
type SocketConfig struct {
	// RateLimit caps inbound bytes per second. Zero disables limiting.
	RateLimit int

	// Burst is the largest single read the limiter will admit, which must
	// cover the maximum payload size. Ignored when RateLimit is zero.
	Burst int
}

// Socket wraps an established OS stream socket. Read and write completions
// are posted to the socket's strand, which the owning channel shares, so all
// I/O outcomes are observed in strand order. Writes are serialized by a
// single writer goroutine: a frame handed to WriteExact reaches the wire
// contiguously and entirely before any later frame.
//
// Concurrent reads are not supported; the channel's read loop issues the next
// read only after the previous dispatch returns. Stop may be called from any
// goroutine and is idempotent.
type Socket struct {
	strand *pool.Strand
	conn   net.Conn

	// authority is the remote endpoint captured at construction, still
	// reportable after disconnect.
	authority string

	limiter *rate.Limiter

	writes chan writeReq

	ctx    context.Context
	cancel context.CancelFunc

	stopped atomic.Bool
	wg      sync.WaitGroup
}

type writeReq struct {
	buf  []byte
	done func(error)
}

// NewSocket wraps an established connection. The strand becomes the socket's
// completion executor and is shared with the channel built on top.
func NewSocket(strand *pool.Strand, conn net.Conn, cfg SocketConfig) *Socket {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Socket{
		strand:    strand,
		conn:      conn,
		authority: conn.RemoteAddr().String(),
		writes:    make(chan writeReq, 32),
		ctx:       ctx,
		cancel:    cancel,
	}

	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < cfg.RateLimit {
			burst = cfg.RateLimit
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	s.wg.Add(1)
	go s.writer()

	return s
}

// Strand returns the strand completions are posted to.
func (s *Socket) Strand() *pool.Strand {
	return s.strand
}

// Authority returns the canonical host:port identity of the remote endpoint.
func (s *Socket) Authority() string {
	return s.authority
}

// LocalAddr returns the local endpoint of the underlying connection.
func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// ReadExact fills buf entirely from the stream, then posts done to the strand
// with nil or the mapped failure. A stop racing the read surfaces as
// ErrChannelStopped.
func (s *Socket) ReadExact(buf []byte, done func(error)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if s.limiter != nil && len(buf) > 0 {
			if err := s.limiter.WaitN(s.ctx, len(buf)); err != nil {
				s.post(done, neterror.ErrChannelStopped)
				return
			}
		}

		_, err := io.ReadFull(s.conn, buf)
		s.post(done, s.mapIO(err))
	}()
}

// WriteExact queues buf for a contiguous write to the stream and posts done
// to the strand on completion. Frames are written in queue order.
func (s *Socket) WriteExact(buf []byte, done func(error)) {
	select {
	case s.writes <- writeReq{buf: buf, done: done}:
	case <-s.ctx.Done():
		s.post(done, neterror.ErrChannelStopped)
	}
}

// Stop shuts the socket down: outstanding reads and writes complete with
// ErrChannelStopped, no further I/O is accepted, and the socket's strand is
// retired so the executor stops tracking it. Completions still in flight
// when the strand winds down are discarded, which the terminal contract
// already guarantees subscribers never observe. Idempotent.
func (s *Socket) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}

	s.cancel()
	_ = s.conn.Close()

	// The strand is shared with the channel built on top, whose stop
	// fan-out runs synchronously before this returns control; retiring
	// the strand here reclaims it for channels and orphaned sockets
	// alike.
	s.strand.Stop()
}

// Join blocks until all I/O goroutines have drained. Used by tests and final
// teardown; not required for correctness of the stop protocol.
func (s *Socket) Join() {
	s.wg.Wait()
}

// writer drains the write queue one frame at a time.
func (s *Socket) writer() {
	defer s.wg.Done()

	for {
		select {
		case req := <-s.writes:
			_, err := s.conn.Write(req.buf)
			s.post(req.done, s.mapIO(err))

		case <-s.ctx.Done():
			// Fail any queued writes.
			for {
				select {
				case req := <-s.writes:
					s.post(req.done,
						neterror.ErrChannelStopped)
				default:
					return
				}
			}
		}
	}
}

// post delivers a completion to the strand.
func (s *Socket) post(done func(error), err error) {
	s.strand.Post(func() {
		done(err)
	})
}

// mapIO normalizes stream errors, folding errors caused by our own Stop into
// ErrChannelStopped.
func (s *Socket) mapIO(err error) error {
	if err != nil && s.stopped.Load() {
		return neterror.ErrChannelStopped
	}
	return neterror.FromIO(err)
}
