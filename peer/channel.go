package peer

import (
	"bytes"
	"math/rand"
	"time"

	"github.com/btcsuite/btcd/wire"
	btclog "github.com/btcsuite/btclog/v2"
	"github.com/davecgh/go-spew/spew"

	"github.com/hashforge/bnet/neterror"
	"github.com/hashforge/bnet/pool"
	"github.com/hashforge/bnet/subscribe"
	"github.com/hashforge/bnet/timers"
	"github.com/hashforge/bnet/transport"
)

// Config carries the channel parameters derived from settings. The same
// config value is shared by every channel of a node.
type Config struct {
	// Magic is the network identifier expected in every heading.
	Magic uint32

	// ProtocolMaximum is our highest supported protocol version and the
	// initial value of the negotiated version.
	ProtocolMaximum uint32

	// Witness selects witness encoding and the larger payload ceiling.
	Witness bool

	// ValidateChecksum enables checksum verification on inbound frames.
	ValidateChecksum bool

	// HandshakeTimeout bounds the time from resume to handshake
	// completion.
	HandshakeTimeout time.Duration

	// InactivityTimeout stops a live channel that has received nothing
	// for its duration.
	InactivityTimeout time.Duration

	// ExpirationTimeout bounds a live channel's total lifetime; each
	// channel draws a uniform duration in [0, ExpirationTimeout) so that
	// reconnects stagger rather than storm.
	ExpirationTimeout time.Duration

	// NextKey mints process-unique subscription keys.
	NextKey func() uint64
}

// Channel is one live peer connection: a socket, a distributor and a strand,
// plus the framing read loop, the liveness timers and the negotiated version
// state. All mutable state is confined to the strand; the few read-only
// fields set at construction (nonce, direction, quiet) may be read anywhere.
//
// Lifecycle: created -> handshaking (first Resume) -> live (Established) ->
// stopping (Stop) -> stopped. The stop code is latched first-writer-wins and
// every subscriber observes exactly one terminal notification carrying it.
type Channel struct {
	cfg    Config
	sock   *transport.Socket
	strand *pool.Strand

	nonce   uint64
	inbound bool
	quiet   bool

	dist *Distributor

	// stopSub notifies stop watchers (sessions, protocols) with the
	// terminal code.
	stopSub *subscribe.Subscriber[struct{}]

	handshakeTimer  *timers.Deadline
	inactivityTimer *timers.Deadline
	expirationTimer *timers.Deadline

	// negotiated starts at our maximum and only narrows during the
	// handshake; it is frozen once the channel is established.
	negotiated  uint32
	peerVersion *wire.MsgVersion
	startHeight int32

	resumed     bool
	established bool
	stopped     bool
	stopCode    error

	headingBuf [HeadingSize]byte
}

// NewChannel builds a channel over an established socket, adopting the
// socket's strand. The unique nonce is drawn at construction.
func NewChannel(sock *transport.Socket, cfg Config, inbound,
	quiet bool) *Channel {

	strand := sock.Strand()

	return &Channel{
		cfg:             cfg,
		sock:            sock,
		strand:          strand,
		nonce:           1 + uint64(rand.Int63()),
		inbound:         inbound,
		quiet:           quiet,
		dist:            NewDistributor(),
		stopSub:         subscribe.NewSubscriber[struct{}](),
		handshakeTimer:  timers.NewDeadline(strand, cfg.HandshakeTimeout),
		inactivityTimer: timers.NewDeadline(strand, cfg.InactivityTimeout),
		expirationTimer: timers.NewDeadline(strand, cfg.ExpirationTimeout),
		negotiated:      cfg.ProtocolMaximum,
	}
}

// Strand returns the channel's serializing executor.
func (c *Channel) Strand() *pool.Strand {
	return c.strand
}

// Nonce returns the channel's unique 64-bit nonce.
func (c *Channel) Nonce() uint64 {
	return c.nonce
}

// Inbound reports the channel direction.
func (c *Channel) Inbound() bool {
	return c.inbound
}

// Quiet reports whether the channel is excluded from the total channel
// count. Seed channels are quiet.
func (c *Channel) Quiet() bool {
	return c.quiet
}

// Authority returns the canonical identity of the remote endpoint.
func (c *Channel) Authority() string {
	return c.sock.Authority()
}

// NextKey mints a fresh subscription key.
func (c *Channel) NextKey() uint64 {
	return c.cfg.NextKey()
}

// NegotiatedVersion returns the current effective protocol version. Strand
// confined.
func (c *Channel) NegotiatedVersion() uint32 {
	return c.negotiated
}

// Negotiate narrows the effective protocol version during the handshake. The
// version is monotone nonincreasing; attempts to widen it are ignored. Strand
// confined.
func (c *Channel) Negotiate(version uint32) {
	if version < c.negotiated {
		c.negotiated = version
	}
}

// PeerVersion returns the version message received from the peer, or nil
// before the handshake delivers one. Strand confined.
func (c *Channel) PeerVersion() *wire.MsgVersion {
	return c.peerVersion
}

// SetPeerVersion records the peer's version message, once. Strand confined.
func (c *Channel) SetPeerVersion(version *wire.MsgVersion) {
	if c.peerVersion == nil {
		c.peerVersion = version
		c.startHeight = version.LastBlock
	}
}

// StartHeight returns the peer's advertised block height. Strand confined.
func (c *Channel) StartHeight() int32 {
	return c.startHeight
}

// Stopped reports whether a terminal code has been latched. Strand confined.
func (c *Channel) Stopped() bool {
	return c.stopped
}

// SubscribeStop registers a handler for the channel's terminal code. If the
// channel is already stopped the subscription is refused with
// ErrSubscriberStopped. Strand confined.
func (c *Channel) SubscribeStop(key uint64, handler func(error)) error {
	return c.stopSub.Subscribe(key, func(err error, _ struct{}) {
		handler(err)
	})
}

// SubscribeMessage registers a typed message handler on the channel's
// distributor. Strand confined.
func SubscribeMessage[M wire.Message](c *Channel, key uint64,
	handler func(error, M)) error {

	return SubscribeTyped(c.dist, key, handler)
}

// Resume starts the channel: the first call transitions created ->
// handshaking, arms the handshake timer and issues the first heading read.
// Subsequent calls are no-ops. Strand confined.
func (c *Channel) Resume() {
	if c.resumed || c.stopped {
		return
	}
	c.resumed = true

	c.handshakeTimer.Start(func(err error) {
		c.handleHandshakeTimer(err)
	})

	c.readHeading()
}

// Established transitions handshaking -> live: the handshake timer is
// cancelled and the liveness timers armed. Called by the session once the
// handshake protocol signals success. Strand confined.
func (c *Channel) Established() {
	if c.established || c.stopped {
		return
	}
	c.established = true

	c.handshakeTimer.Stop()

	c.inactivityTimer.Start(func(err error) {
		c.handleInactivityTimer(err)
	})

	// Draw the staggered expiration once.
	if c.cfg.ExpirationTimeout > 0 {
		expiry := time.Duration(
			rand.Int63n(int64(c.cfg.ExpirationTimeout)))
		c.expirationTimer.StartWith(func(err error) {
			c.handleExpirationTimer(err)
		}, expiry)
	}

	log.Debugf("Channel %v established, version %d", c.Authority(),
		c.negotiated)
}

// Stop latches the terminal code, cancels every armed timer and outstanding
// I/O, and notifies all subscribers exactly once. The first caller's code
// wins; later calls are no-ops. Stopping the socket also retires the shared
// strand, so once the fan-out below completes and the I/O goroutines drain,
// nothing of the channel remains scheduled. Strand confined; use StopAsync
// from outside the strand.
func (c *Channel) Stop(err error) {
	if c.stopped {
		return
	}
	c.stopped = true

	if err == nil {
		err = neterror.ErrChannelStopped
	}
	c.stopCode = err

	log.Debugf("Channel %v stopping: %v", c.Authority(), err)

	c.handshakeTimer.Stop()
	c.inactivityTimer.Stop()
	c.expirationTimer.Stop()

	c.sock.Stop()

	c.dist.Stop(err)
	c.stopSub.Stop(err, struct{}{})

	// Outstanding reads and writes observe the closed connection and
	// unwind promptly; their completions land on the retired strand and
	// are discarded.
	c.sock.Join()
}

// StopAsync posts a Stop to the channel strand. Safe from any goroutine.
func (c *Channel) StopAsync(err error) {
	c.strand.Post(func() {
		c.Stop(err)
	})
}

// Send serializes the message with the current negotiated version, frames it
// and writes it to the socket. The completion handler, if non-nil, is posted
// to the strand. A write failure stops the channel with the mapped code
// before the handler runs. Strand confined.
func (c *Channel) Send(msg wire.Message, done func(error)) {
	if c.stopped {
		if done != nil {
			done(c.stopCode)
		}
		return
	}

	frame, err := c.frame(msg)
	if err != nil {
		log.Errorf("Channel %v failed to frame %s: %v", c.Authority(),
			msg.Command(), err)
		if done != nil {
			done(err)
		}
		return
	}

	log.Tracef("Sending %s to %v", msg.Command(), c.Authority())

	c.sock.WriteExact(frame, func(err error) {
		if err != nil && !c.stopped {
			c.Stop(err)
		}
		if done != nil {
			done(err)
		}
	})
}

// frame serializes msg and prepends the heading.
func (c *Channel) frame(msg wire.Message) ([]byte, error) {
	var body bytes.Buffer
	err := msg.BtcEncode(&body, c.negotiated, encoding(c.cfg.Witness))
	if err != nil {
		return nil, neterror.ErrInvalidMessage
	}

	payload := body.Bytes()
	if uint32(len(payload)) > MaximumPayload(c.cfg.Witness) {
		return nil, neterror.ErrOversizedPayload
	}

	h := Heading{
		Magic:         c.cfg.Magic,
		Command:       msg.Command(),
		PayloadLength: uint32(len(payload)),
		Checksum:      checksum(payload),
	}

	frame := make([]byte, HeadingSize+len(payload))
	h.Encode(frame[:HeadingSize])
	copy(frame[HeadingSize:], payload)
	return frame, nil
}

// readHeading issues the next heading read. Strand confined.
func (c *Channel) readHeading() {
	if c.stopped {
		return
	}

	c.sock.ReadExact(c.headingBuf[:], func(err error) {
		c.handleReadHeading(err)
	})
}

// handleReadHeading parses the fixed prefix and dispatches the payload read.
func (c *Channel) handleReadHeading(err error) {
	if c.stopped {
		return
	}
	if err != nil {
		c.Stop(err)
		return
	}

	h, err := ParseHeading(c.headingBuf[:], c.cfg.Magic,
		MaximumPayload(c.cfg.Witness))
	if err != nil {
		log.Debugf("Channel %v heading rejected: %v", c.Authority(),
			err)
		c.Stop(err)
		return
	}

	// An unknown command is recorded but tolerated: the payload is still
	// read so the stream stays framed, then discarded.
	known := c.dist.Known(h.Command)
	if !known {
		log.Debugf("Channel %v sent unknown command %q (%d bytes)",
			c.Authority(), h.Command, h.PayloadLength)
	}

	payload := make([]byte, h.PayloadLength)
	c.sock.ReadExact(payload, func(err error) {
		c.handleReadPayload(h, known, payload, err)
	})
}

// handleReadPayload validates and dispatches one received frame, then
// re-arms the read loop.
func (c *Channel) handleReadPayload(h Heading, known bool, payload []byte,
	err error) {

	if c.stopped {
		return
	}
	if err != nil {
		c.Stop(err)
		return
	}

	if c.cfg.ValidateChecksum && !h.VerifyChecksum(payload) {
		c.Stop(neterror.ErrInvalidChecksum)
		return
	}

	if known {
		log.Tracef("Received %s from %v", h.Command, c.Authority())
		if log.Level() == btclog.LevelTrace {
			log.Tracef("Payload: %s", spew.Sdump(payload))
		}

		err = c.dist.Notify(h.Command, c.negotiated, c.cfg.Witness,
			payload)
		if err != nil {
			// A malformed payload for a known command is a
			// protocol violation.
			c.Stop(neterror.ErrInvalidMessage)
			return
		}
	}

	c.bumpActivity()
	c.readHeading()
}

// bumpActivity re-arms the inactivity timer after observed inbound traffic.
func (c *Channel) bumpActivity() {
	if !c.established {
		return
	}

	c.inactivityTimer.Start(func(err error) {
		c.handleInactivityTimer(err)
	})
}

// handleHandshakeTimer stops a channel whose handshake outlived its budget.
func (c *Channel) handleHandshakeTimer(err error) {
	// A cancelled arm means the handshake completed or the channel
	// stopped first.
	if err != nil || c.stopped || c.established {
		return
	}

	c.Stop(neterror.ErrOperationTimeout)
}

// handleInactivityTimer stops a live channel that has gone silent.
func (c *Channel) handleInactivityTimer(err error) {
	if err != nil || c.stopped {
		return
	}

	c.Stop(neterror.ErrChannelInactive)
}

// handleExpirationTimer retires a channel that reached its staggered
// lifetime.
func (c *Channel) handleExpirationTimer(err error) {
	if err != nil || c.stopped {
		return
	}

	c.Stop(neterror.ErrChannelExpired)
}
