package kastchei

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Subscription is a registered frame callback. Unsubscribe stops delivery.
type Subscription struct {
	id      uint64
	topic   string
	match   func(*Frame) bool
	fn      func(Frame)
	closed  atomic.Bool
	demux   *demux
	onClose func()
}

// closedSubscription is handed out by closed channels
func closedSubscription() *Subscription {
	s := &Subscription{}
	s.closed.Store(true)
	return s
}

// Unsubscribe removes the subscription; it is safe to call more than once
func (s *Subscription) Unsubscribe() {
	if s.closed.Swap(true) {
		return
	}
	if s.demux != nil {
		s.demux.unsubscribe(s.id)
	}
	if s.onClose != nil {
		s.onClose()
	}
}

func (s *Subscription) deliver(frame *Frame) {
	if s.closed.Load() {
		return
	}
	s.fn(*frame)
}

// demux parses inbound messages and fans frames out to subscriptions and
// pending pushes, in arrival order, from a single goroutine.
type demux struct {
	serializer *Serializer
	logger     *zap.Logger
	metrics    *Metrics
	inbound    chan []byte

	mu      sync.Mutex
	subs    []*Subscription
	pending map[uint64]*Push
	nextID  uint64
}

func newDemux(serializer *Serializer, logger *zap.Logger, metrics *Metrics) *demux {
	return &demux{
		serializer: serializer,
		logger:     logger,
		metrics:    metrics,
		inbound:    make(chan []byte, 100),
		pending:    make(map[uint64]*Push),
	}
}

// push hands raw inbound text to the dispatcher
func (d *demux) push(ctx context.Context, data []byte) {
	select {
	case d.inbound <- data:
	case <-ctx.Done():
	}
}

func (d *demux) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-d.inbound:
			d.dispatch(data)
		}
	}
}

// subscribe registers fn for frames of topic accepted by match
func (d *demux) subscribe(topic string, match func(*Frame) bool, fn func(Frame)) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	s := &Subscription{
		id:    d.nextID,
		topic: topic,
		match: match,
		fn:    fn,
		demux: d,
	}

	subs := make([]*Subscription, 0, len(d.subs)+1)
	subs = append(subs, d.subs...)
	d.subs = append(subs, s)
	return s
}

func (d *demux) unsubscribe(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := make([]*Subscription, 0, len(d.subs))
	for _, s := range d.subs {
		if s.id != id {
			subs = append(subs, s)
		}
	}
	d.subs = subs
}

// awaitReply registers p to be settled by the first reply on its topic
// carrying its ref
func (d *demux) awaitReply(p *Push) {
	d.mu.Lock()
	d.pending[p.ref] = p
	d.mu.Unlock()
}

func (d *demux) forget(ref uint64) {
	d.mu.Lock()
	delete(d.pending, ref)
	d.mu.Unlock()
}

// abandonAll drops every subscription and pending push without settling
func (d *demux) abandonAll() {
	d.mu.Lock()
	pending := d.pending
	subs := d.subs
	d.pending = make(map[uint64]*Push)
	d.subs = nil
	d.mu.Unlock()

	for _, p := range pending {
		p.abandon()
	}
	for _, s := range subs {
		s.closed.Store(true)
	}
}

func (d *demux) dispatch(data []byte) {
	frame, err := d.serializer.Decode(data)
	if err != nil {
		d.metrics.DecodeFailures.Inc()
		d.logger.Warn("dropping undecodable frame", zap.Error(err), zap.ByteString("data", data))
		return
	}

	if frame.IsReply() {
		d.metrics.FramesReceived.WithLabelValues("reply").Inc()
		d.resolve(frame)
	} else {
		d.metrics.FramesReceived.WithLabelValues("event").Inc()
	}

	d.mu.Lock()
	subs := d.subs
	d.mu.Unlock()

	for _, s := range subs {
		if s.topic == frame.Topic && s.match(frame) {
			s.deliver(frame)
		}
	}
}

func (d *demux) resolve(frame *Frame) {
	ref := *frame.Ref

	d.mu.Lock()
	p, ok := d.pending[ref]
	if ok && p.topic != frame.Topic {
		ok = false
	}
	if ok {
		delete(d.pending, ref)
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Debug("reply without pending push", zap.String("topic", frame.Topic), zap.Uint64("ref", ref))
		return
	}

	reply, err := d.serializer.DecodeReply(frame)
	if err != nil {
		p.settle(nil, err)
		return
	}
	p.settle(reply, nil)
}
