package session

import (
	"github.com/hashforge/bnet/addrmgr"
	"github.com/hashforge/bnet/neterror"
	"github.com/hashforge/bnet/peer"
	"github.com/hashforge/bnet/timers"
	"github.com/hashforge/bnet/transport"
)

// Outbound is the long-lived session filling the configured number of
// outbound slots. Each slot runs a batched connect cycle: the batch's
// connectors race with distinct pool addresses, the first success is adopted
// and the rest are canceled with their addresses restored. An empty pool
// pauses the batch against the pool's growth notification instead of
// spinning.
type Outbound struct {
	session

	batches []*batch
}

// batch is one outbound slot's racing connect cycle.
type batch struct {
	connectors []*transport.Connector
	retry      *timers.Deadline

	// addrs maps connector index to the address drawn for the current
	// round.
	addrs map[int]addrmgr.Address

	// finished latches the first success of a round; every other
	// completion of the round is discarded through it.
	finished bool

	// round guards against completions that straggle in from a previous
	// round after the batch has been restarted.
	round int

	pending int
}

// NewOutbound creates the outbound session.
func NewOutbound(cfg Config) *Outbound {
	return &Outbound{
		session: newSession(cfg),
	}
}

// Start spawns the configured batches. The handler fires once: ErrBypassed
// when outbound connections are disabled, nil otherwise. Strand confined.
func (o *Outbound) Start(handler func(error)) {
	st := o.cfg.Settings

	if st.OutboundConnections == 0 {
		handler(neterror.ErrBypassed)
		return
	}

	for i := 0; i < st.OutboundConnections; i++ {
		b := &batch{
			retry: timers.NewDeadline(o.cfg.Strand,
				st.RetryTimeout),
		}
		for j := 0; j < st.ConnectBatchSize; j++ {
			b.connectors = append(b.connectors,
				transport.NewConnector(o.cfg.Strand,
					o.connectorConfig()))
		}

		o.batches = append(o.batches, b)
		o.startBatch(b)
	}

	handler(nil)
}

// Stop cancels every batch and stops the session's channels. Strand
// confined.
func (o *Outbound) Stop() {
	for _, b := range o.batches {
		b.finished = true
		b.retry.Stop()
		for _, connector := range b.connectors {
			connector.Stop()
		}
	}
	o.stop()
}

// startBatch draws addresses and launches one racing round. Strand confined.
func (o *Outbound) startBatch(b *batch) {
	if o.stopped {
		return
	}

	b.finished = false
	b.round++
	b.pending = 0
	b.addrs = make(map[int]addrmgr.Address, len(b.connectors))

	for i := range b.connectors {
		addr, err := o.cfg.Pool.Take()
		if err != nil {
			break
		}
		b.addrs[i] = addr
	}

	// An empty pool pauses the batch until the address count grows; the
	// alternative is a tight take/fail loop.
	if len(b.addrs) == 0 {
		o.pauseBatch(b)
		return
	}

	round := b.round
	for i, addr := range b.addrs {
		index := i
		drawn := addr
		connector := b.connectors[index]
		connector.Connect(addr.IP.String(), addr.Port,
			func(err error, sock *transport.Socket) {
				o.handleBatch(b, round, index, drawn, err,
					sock)
			})
		b.pending++
	}
}

// pauseBatch parks the batch on the pool's growth notification.
func (o *Outbound) pauseBatch(b *batch) {
	log.Debugf("Address pool empty; pausing an outbound batch")

	wait := o.cfg.Pool.WaitChan()
	go func() {
		select {
		case <-wait:
			o.cfg.Strand.Post(func() {
				o.startBatch(b)
			})

		case <-o.quit:
		}
	}()
}

// handleBatch arbitrates one connector's completion within a round.
func (o *Outbound) handleBatch(b *batch, round, index int,
	addr addrmgr.Address, err error, sock *transport.Socket) {

	// A completion arriving after the round is decided, or straggling in
	// from a previous round, belongs to a canceled loser: restore its
	// unused address. Genuine failures keep their addresses dropped.
	if b.finished || b.round != round || o.stopped {
		if sock != nil {
			sock.Stop()
		}
		if err == nil || neterror.IsCanceled(err) {
			o.cfg.Pool.Restore(addr)
		}
		return
	}

	if err != nil {
		b.pending--
		log.Debugf("Outbound connect to %v failed: %v",
			addr.Authority(), err)

		// The whole round failed: retry with fresh addresses after
		// the retry timeout.
		if b.pending == 0 {
			b.retry.Start(func(err error) {
				if err != nil {
					return
				}
				o.startBatch(b)
			})
		}
		return
	}

	// First success wins the round.
	b.finished = true
	for j, connector := range b.connectors {
		if j != index {
			connector.Stop()
		}
	}

	channel := peer.NewChannel(sock, o.channelConfig(), false, false)

	o.startChannel(channel, true, o.attachProtocols,
		func(err error) {
			// Start failures resume the batch through the stop
			// path.
		},
		func(err error) {
			o.handleChannelStop(b, err)
		})
}

// handleChannelStop resumes the batch when its adopted channel ends.
func (o *Outbound) handleChannelStop(b *batch, err error) {
	if o.stopped {
		return
	}

	log.Debugf("Outbound channel stopped: %v; resuming batch", err)
	o.startBatch(b)
}
