package kastchei

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Channel is a per-topic handle on a Socket. It does not track join state;
// whether the channel is joined is read from the reply status by the caller.
type Channel struct {
	topic  string
	socket *Socket

	mu     sync.Mutex
	closed bool
	subs   map[*Subscription]struct{}
	pushes map[uint64]*Push
}

// newChannel creates a new channel instance
func newChannel(topic string, socket *Socket) *Channel {
	return &Channel{
		topic:  topic,
		socket: socket,
		subs:   make(map[*Subscription]struct{}),
		pushes: make(map[uint64]*Push),
	}
}

// newClosedChannel creates a channel that never held the connection
func newClosedChannel(topic string, socket *Socket) *Channel {
	ch := newChannel(topic, socket)
	ch.closed = true
	return ch
}

// Topic returns the channel topic
func (ch *Channel) Topic() string {
	return ch.topic
}

// Join sends phx_join with a null payload
func (ch *Channel) Join() *Push {
	return ch.Send(EventJoin, nil)
}

// JoinWith sends phx_join with params as payload
func (ch *Channel) JoinWith(params interface{}) *Push {
	return ch.Send(EventJoin, params)
}

// Leave sends phx_leave with a null payload
func (ch *Channel) Leave() *Push {
	return ch.Send(EventLeave, nil)
}

// Send pushes event with payload and returns the push awaiting its reply.
// The frame is queued until the socket is open.
func (ch *Channel) Send(event string, payload interface{}) *Push {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return failedPush(ch.topic, event, ErrChannelClosed)
	}
	if ch.socket.isClosed() {
		return failedPush(ch.topic, event, ErrSocketClosed)
	}

	ref := ch.socket.MakeRef()
	data, err := ch.socket.serializer.Encode(ch.topic, event, payload, ref)
	if err != nil {
		ch.socket.logger.Warn("failed to encode push",
			zap.String("topic", ch.topic),
			zap.String("event", event),
			zap.Error(err))
		return failedPush(ch.topic, event, err)
	}

	p := newPush(ch.topic, event, ref)
	p.sent = true
	p.onSettle = func() {
		ch.forgetPush(ref)
	}
	ch.pushes[ref] = p
	ch.socket.demux.awaitReply(p)
	p.startTimeout(ch.socket.clock, ch.socket.options.Timeout)

	ch.socket.send(data)
	return p
}

// On subscribes to broadcasts of event on this topic. Replies are never
// delivered here.
func (ch *Channel) On(event string, callback func(Frame)) *Subscription {
	return ch.subscribe(func(f *Frame) bool {
		return f.Event == event && f.Ref == nil
	}, callback)
}

// OnFrame subscribes to every frame of this topic, replies included
func (ch *Channel) OnFrame(callback func(Frame)) *Subscription {
	return ch.subscribe(func(*Frame) bool { return true }, callback)
}

func (ch *Channel) subscribe(match func(*Frame) bool, callback func(Frame)) *Subscription {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed || ch.socket.isClosed() {
		return closedSubscription()
	}

	sub := ch.socket.demux.subscribe(ch.topic, match, callback)
	sub.onClose = func() {
		ch.forgetSub(sub)
	}
	ch.subs[sub] = struct{}{}
	return sub
}

func (ch *Channel) forgetPush(ref uint64) {
	ch.socket.demux.forget(ref)
	ch.mu.Lock()
	delete(ch.pushes, ref)
	ch.mu.Unlock()
}

func (ch *Channel) forgetSub(sub *Subscription) {
	ch.mu.Lock()
	delete(ch.subs, sub)
	ch.mu.Unlock()
}

// IsClosed returns true once Close was called
func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Close unsubscribes every subscription, abandons pending pushes and
// releases the channel's hold on the connection. It does not close the
// transport directly.
func (ch *Channel) Close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	subs := ch.subs
	pushes := ch.pushes
	ch.subs = make(map[*Subscription]struct{})
	ch.pushes = make(map[uint64]*Push)
	ch.mu.Unlock()

	for sub := range subs {
		sub.Unsubscribe()
	}
	for ref, p := range pushes {
		ch.socket.demux.forget(ref)
		p.abandon()
	}
	ch.socket.removeChannel(ch.topic)
}

// OnResponse subscribes to broadcasts of event and decodes the payload's
// "response" field into T. Decode failures are passed to callback only.
func OnResponse[T any](ch *Channel, event string, callback func(T, error)) *Subscription {
	return ch.On(event, func(f Frame) {
		var envelope struct {
			Response json.RawMessage `json:"response"`
		}
		if err := json.Unmarshal(f.Payload, &envelope); err != nil {
			var zero T
			callback(zero, &DecodeError{Topic: f.Topic, Event: f.Event, Err: err})
			return
		}
		callback(Decode[T](f.Topic, f.Event, envelope.Response))
	})
}

// OnPayload subscribes to broadcasts of event and decodes the whole payload
// into T
func OnPayload[T any](ch *Channel, event string, callback func(T, error)) *Subscription {
	return ch.On(event, func(f Frame) {
		callback(Decode[T](f.Topic, f.Event, f.Payload))
	})
}
