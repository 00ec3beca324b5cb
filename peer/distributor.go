package peer

import (
	"bytes"

	"github.com/btcsuite/btcd/wire"

	"github.com/hashforge/bnet/neterror"
	"github.com/hashforge/bnet/subscribe"
)

// Distributor demultiplexes one channel's inbound frames: each protocol
// command in the supported enumeration owns a typed subscriber, and a
// received payload is deserialized only if at least one handler is waiting
// for its command. Like every per-channel structure it is confined to the
// channel strand.
type Distributor struct {
	subscribers map[string]*subscribe.Subscriber[wire.Message]
	stopped     bool
}

// NewDistributor creates a distributor with one empty subscriber per
// supported command.
func NewDistributor() *Distributor {
	subs := make(map[string]*subscribe.Subscriber[wire.Message],
		len(commands))
	for _, command := range commands {
		subs[command] = subscribe.NewSubscriber[wire.Message]()
	}

	return &Distributor{
		subscribers: subs,
	}
}

// Known reports whether the command belongs to the supported enumeration.
func (d *Distributor) Known(command string) bool {
	_, ok := d.subscribers[command]
	return ok
}

// Subscribe registers an untyped handler for the given command. Most callers
// want the typed SubscribeTyped instead.
func (d *Distributor) Subscribe(command string, key uint64,
	handler subscribe.Handler[wire.Message]) error {

	sub, ok := d.subscribers[command]
	if !ok {
		return neterror.ErrUnknownMessage
	}

	return sub.Subscribe(key, handler)
}

// SubscribeTyped registers a handler for the concrete message type M on the
// given distributor. On stop the handler receives the terminal code and the
// zero value of M.
func SubscribeTyped[M wire.Message](d *Distributor, key uint64,
	handler func(error, M)) error {

	var zero M
	return d.Subscribe(zero.Command(), key, func(err error,
		msg wire.Message) {

		if err != nil {
			handler(err, zero)
			return
		}
		handler(nil, msg.(M))
	})
}

// Notify routes one received frame. If nobody subscribes to the command the
// payload is discarded without deserialization and nil is returned. A payload
// that fails to deserialize, or that deserializes short of its full length,
// yields ErrInvalidMessage, which the channel treats as a protocol violation.
func (d *Distributor) Notify(command string, version uint32, witness bool,
	payload []byte) error {

	sub, ok := d.subscribers[command]
	if !ok {
		return neterror.ErrUnknownMessage
	}

	if sub.Len() == 0 {
		return nil
	}

	msg, ok := makeEmptyMessage(command)
	if !ok {
		return neterror.ErrUnknownMessage
	}

	reader := bytes.NewBuffer(payload)
	if err := msg.BtcDecode(reader, version, encoding(witness)); err != nil {
		log.Debugf("Discarding malformed %s payload: %v", command, err)
		return neterror.ErrInvalidMessage
	}
	if reader.Len() != 0 {
		return neterror.ErrInvalidMessage
	}

	sub.Notify(nil, msg)
	return nil
}

// Stop fans the terminal code out to every typed subscriber exactly once and
// rejects subsequent subscriptions with ErrSubscriberStopped.
func (d *Distributor) Stop(err error) {
	if d.stopped {
		return
	}
	d.stopped = true

	for _, command := range commands {
		d.subscribers[command].Stop(err, nil)
	}
}
