package kastchei

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// SocketState represents the observed state of the connection
type SocketState int32

const (
	StateNone SocketState = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
	StateErrored
)

// String returns the string representation of the socket state
func (ss SocketState) String() string {
	switch ss {
	case StateNone:
		return "none"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// StateChange is delivered to state listeners. Err is set when the
// transition was caused by a transport failure.
type StateChange struct {
	Previous SocketState
	Current  SocketState
	Err      error
}

type transportEvent struct {
	gen uint64
	// epoch is set on write failures to the open it happened in
	epoch uint64
	TransportEvent
}

type endpointResult struct {
	endpoint string
	err      error
}

// Socket multiplexes channels over one transport. The transport is opened
// while at least one channel is live and closed once the last one is closed.
type Socket struct {
	endpoints  EndpointSource
	options    *SocketOptions
	logger     *zap.Logger
	clock      clock.Clock
	metrics    *Metrics
	serializer *Serializer

	refs      refAllocator
	queue     *outboundQueue
	demux     *demux
	heartbeat *heartbeat

	state      atomic.Int32
	generation atomic.Uint64

	mu          sync.Mutex
	live        int
	desired     bool
	closed      bool
	err         error
	listeners   map[int]func(StateChange)
	listenerRef int

	// Only accessed by the socket manager goroutine
	transport      Transport
	endpoint       string
	attempts       int
	nextOpenAt     time.Time
	lastDesired    bool
	openEpoch      uint64
	reconcileTimer *clock.Timer

	events          chan transportEvent
	desiredChanged  chan struct{}
	endpointResults chan endpointResult

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSocket creates a socket for a single endpoint
func NewSocket(endpoint string, options *SocketOptions) *Socket {
	return NewSocketWithEndpoints(StaticEndpoint(endpoint), options)
}

// NewSocketWithEndpoints creates a socket that takes a new endpoint from
// source each time its transport is rejected. source must honor ctx.
func NewSocketWithEndpoints(source EndpointSource, options *SocketOptions) *Socket {
	if options == nil {
		options = &SocketOptions{}
	}
	setDefaultOptions(options)

	ctx, cancel := context.WithCancel(context.Background())
	metrics := newSocketMetrics(options.Registerer, options.Logger)
	serializer := NewSerializer()

	s := &Socket{
		endpoints:       source,
		options:         options,
		logger:          options.Logger,
		clock:           options.Clock,
		metrics:         metrics,
		serializer:      serializer,
		queue:           newOutboundQueue(options.Logger, metrics),
		demux:           newDemux(serializer, options.Logger, metrics),
		listeners:       make(map[int]func(StateChange)),
		events:          make(chan transportEvent, 64),
		desiredChanged:  make(chan struct{}, 1),
		endpointResults: make(chan endpointResult, 1),
		ctx:             ctx,
		cancel:          cancel,
	}
	s.heartbeat = newHeartbeat(options.HeartbeatInterval, options.Clock, s.shouldBeat, s.sendHeartbeat)

	// Start the socket manager goroutine
	s.wg.Add(1)
	go s.socketManager()

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.queue.run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.demux.run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.heartbeat.run(ctx)
	}()

	return s
}

// Channel creates a channel for topic and marks the connection as needed.
// Channels on a closed socket fail every push with ErrSocketClosed.
func (s *Socket) Channel(topic string) *Channel {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return newClosedChannel(topic, s)
	}
	s.live++
	changed := !s.desired
	s.desired = true
	s.metrics.LiveChannels.Set(float64(s.live))
	s.mu.Unlock()

	s.logger.Debug("channel created", zap.String("topic", topic))
	if changed {
		s.notifyDesired()
	}
	return newChannel(topic, s)
}

// removeChannel releases one channel's hold on the connection
func (s *Socket) removeChannel(topic string) {
	s.mu.Lock()
	if s.live > 0 {
		s.live--
	}
	changed := s.desired != (s.live > 0)
	s.desired = s.live > 0
	s.metrics.LiveChannels.Set(float64(s.live))
	s.mu.Unlock()

	s.logger.Debug("channel closed", zap.String("topic", topic))
	if changed {
		s.notifyDesired()
	}
}

func (s *Socket) notifyDesired() {
	select {
	case s.desiredChanged <- struct{}{}:
	default:
	}
}

// DesiredOpen reports whether any live channel needs the connection
func (s *Socket) DesiredOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desired
}

// LiveChannels returns the number of channels not yet closed
func (s *Socket) LiveChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// State returns the current connection state
func (s *Socket) State() SocketState {
	return SocketState(s.state.Load())
}

// IsConnected returns true if the transport is open
func (s *Socket) IsConnected() bool {
	return s.State() == StateOpen
}

// Err returns the error of the last failed transition, cleared on open
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// MakeRef generates the next correlation ref
func (s *Socket) MakeRef() uint64 {
	return s.refs.next()
}

// OnStateChange registers a listener for state transitions and returns a
// function removing it. Listeners run on the socket manager goroutine and
// must not block or call Close.
func (s *Socket) OnStateChange(callback func(StateChange)) func() {
	s.mu.Lock()
	s.listenerRef++
	ref := s.listenerRef
	s.listeners[ref] = callback
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, ref)
		s.mu.Unlock()
	}
}

// OnOpen registers a callback for when the socket connects
func (s *Socket) OnOpen(callback func()) func() {
	return s.OnStateChange(func(change StateChange) {
		if change.Current == StateOpen {
			callback()
		}
	})
}

// OnClose registers a callback for when the socket disconnects
func (s *Socket) OnClose(callback func()) func() {
	return s.OnStateChange(func(change StateChange) {
		if change.Current == StateClosed {
			callback()
		}
	})
}

// OnError registers a callback for transport failures
func (s *Socket) OnError(callback func(error)) func() {
	return s.OnStateChange(func(change StateChange) {
		if change.Err != nil {
			callback(change.Err)
		}
	})
}

// Close releases the transport, timers and goroutines. Pending pushes are
// abandoned. Safe to call more than once.
func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		s.wg.Wait()
		s.demux.abandonAll()
		s.logger.Debug("socket closed")
	})
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// send enqueues an encoded frame
func (s *Socket) send(data []byte) {
	s.queue.enqueue(data)
}

func (s *Socket) shouldBeat() bool {
	return s.State() == StateOpen && s.DesiredOpen()
}

func (s *Socket) sendHeartbeat() {
	ref := s.MakeRef()
	data, err := s.serializer.Encode(TopicPhoenix, EventHeartbeat, emptyPayload, ref)
	if err != nil {
		s.logger.Error("failed to encode heartbeat", zap.Error(err))
		return
	}
	s.metrics.Heartbeats.Inc()
	s.send(data)
}

// socketManager is the goroutine that owns the transport and the state
// machine
func (s *Socket) socketManager() {
	defer s.wg.Done()

	s.requestEndpoint()

	for {
		select {
		case <-s.ctx.Done():
			s.teardown()
			return

		case ev := <-s.events:
			if ev.gen != s.generation.Load() {
				continue
			}
			if ev.epoch != 0 && (ev.epoch != s.openEpoch || s.State() != StateOpen) {
				continue
			}
			s.handleTransportEvent(ev.TransportEvent)

		case <-s.desiredChanged:
			// flips coalesced into one signal may cancel out
			desired := s.DesiredOpen()
			if desired == s.lastDesired {
				continue
			}
			s.lastDesired = desired
			s.heartbeat.notify()
			s.scheduleReconcile(s.options.ReconcileDelay)

		case res := <-s.endpointResults:
			s.handleEndpoint(res)

		case <-s.reconcileC():
			s.reconcileTimer = nil
			s.reconcile()
		}
	}
}

func (s *Socket) reconcileC() <-chan time.Time {
	if s.reconcileTimer == nil {
		return nil
	}
	return s.reconcileTimer.C
}

// scheduleReconcile restarts the debounce timer
func (s *Socket) scheduleReconcile(delay time.Duration) {
	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
	}
	s.reconcileTimer = s.clock.Timer(delay)
}

// reconcile opens or closes the transport to match desired-open
func (s *Socket) reconcile() {
	if s.transport == nil {
		return
	}

	state := s.State()
	desired := s.DesiredOpen()

	switch {
	case state != StateOpen && state != StateOpening && desired:
		switch s.transport.State() {
		case TransportStateConnecting, TransportStateClosing:
			return
		}
		if wait := s.nextOpenAt.Sub(s.clock.Now()); wait > 0 {
			s.scheduleReconcile(wait)
			return
		}
		s.logger.Debug("opening transport", zap.String("endpoint", redact(s.endpoint)), zap.Int("attempt", s.attempts+1))
		s.transport.Open()
		s.setState(StateOpening, nil)

	case state == StateOpen && !desired:
		s.logger.Debug("closing idle transport", zap.String("endpoint", redact(s.endpoint)))
		s.transport.Close()
		s.setState(StateClosing, nil)
	}
}

func (s *Socket) handleTransportEvent(ev TransportEvent) {
	if s.transport == nil {
		return
	}

	switch ev.Kind {
	case KindOpened:
		s.attempts = 0
		s.nextOpenAt = time.Time{}
		s.mu.Lock()
		s.err = nil
		s.mu.Unlock()
		s.logger.Info("connected", zap.String("endpoint", redact(s.endpoint)))
		s.setState(StateOpen, nil)

	case KindClosed:
		if s.transport.State() == TransportStateClosed {
			s.failedAttempt()
			s.setState(StateClosed, nil)
		}

	case KindError:
		if IsFatal(ev.Err) {
			s.metrics.TransportErrors.WithLabelValues(ErrorFatal.String()).Inc()
			s.logger.Error("transport rejected", zap.String("endpoint", redact(s.endpoint)), zap.Error(ev.Err))
			s.discardTransport()
			s.setState(StateErrored, ev.Err)
			s.requestEndpoint()
			return
		}

		s.metrics.TransportErrors.WithLabelValues(ErrorTransient.String()).Inc()
		s.logger.Warn("transport error", zap.String("endpoint", redact(s.endpoint)), zap.Error(ev.Err))
		err := ev.Err
		if !errors.Is(err, ErrTransportDisconnected) {
			err = disconnected(s.endpoint, err)
		}
		s.failedAttempt()
		if s.transport.State() == TransportStateClosed {
			s.setState(StateClosed, err)
		} else {
			s.transport.Close()
			s.setState(StateClosing, err)
		}
	}
}

// failedAttempt arms the reconnect backoff when an open attempt ended
// before reaching the open state
func (s *Socket) failedAttempt() {
	if s.State() != StateOpening {
		return
	}
	s.attempts++
	s.nextOpenAt = s.clock.Now().Add(s.options.ReconnectAfter(s.attempts))
}

// discardTransport drops the current transport; its later events are ignored
func (s *Socket) discardTransport() {
	s.generation.Add(1)
	s.transport.Close()
	s.transport = nil
}

// requestEndpoint asks the endpoint source for the next endpoint
func (s *Socket) requestEndpoint() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		endpoint, err := s.endpoints.Next(s.ctx)
		select {
		case s.endpointResults <- endpointResult{endpoint: endpoint, err: err}:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Socket) handleEndpoint(res endpointResult) {
	if res.err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("no endpoint available", zap.Error(res.err))
		if s.State() != StateErrored {
			s.setState(StateErrored, res.err)
		}
		return
	}

	gen := s.generation.Add(1)
	transport, err := s.options.Transport(res.endpoint, s.sinkFor(gen))
	if err != nil {
		s.logger.Error("failed to build transport", zap.String("endpoint", redact(res.endpoint)), zap.Error(err))
		s.setState(StateErrored, err)
		s.requestEndpoint()
		return
	}

	s.transport = transport
	s.endpoint = res.endpoint
	s.attempts = 0
	s.nextOpenAt = time.Time{}
	s.logger.Debug("transport ready", zap.String("endpoint", redact(res.endpoint)))

	s.setState(StateNone, nil)
	s.scheduleReconcile(s.options.ReconcileDelay)
}

// writeFailed reports a failed outbound write as a transport error, so the
// manager closes the broken transport and reopens. Reports from an earlier
// open of the transport are dropped.
func (s *Socket) writeFailed(gen, epoch uint64) func(error) {
	return func(err error) {
		ev := transportEvent{gen: gen, epoch: epoch, TransportEvent: TransportEvent{Kind: KindError, Err: err}}
		select {
		case s.events <- ev:
		case <-s.ctx.Done():
		}
	}
}

// sinkFor returns the event sink of the transport built for generation gen
func (s *Socket) sinkFor(gen uint64) TransportSink {
	return func(ev TransportEvent) {
		if ev.Kind == KindMessage {
			if s.generation.Load() == gen {
				s.demux.push(s.ctx, ev.Data)
			}
			return
		}
		select {
		case s.events <- transportEvent{gen: gen, TransportEvent: ev}:
		case <-s.ctx.Done():
		}
	}
}

// setState records a transition and fans it out to the queue gate, the
// heartbeat and the listeners
func (s *Socket) setState(next SocketState, err error) {
	prev := s.State()
	if prev == next && err == nil {
		return
	}

	s.state.Store(int32(next))
	s.metrics.State.Set(float64(next))
	if err != nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}

	if next == StateOpen {
		s.openEpoch++
		s.queue.openGate(s.transport.Send, s.writeFailed(s.generation.Load(), s.openEpoch))
	} else {
		s.queue.closeGate()
	}

	s.logger.Debug("state change",
		zap.Stringer("from", prev),
		zap.Stringer("to", next),
		zap.Error(err))

	s.heartbeat.notify()
	s.notifyListeners(StateChange{Previous: prev, Current: next, Err: err})
	s.scheduleReconcile(s.options.ReconcileDelay)
}

func (s *Socket) notifyListeners(change StateChange) {
	s.mu.Lock()
	listeners := make([]func(StateChange), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(change)
	}
}

// teardown runs on the manager goroutine once the socket is closed
func (s *Socket) teardown() {
	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.reconcileTimer = nil
	}
	s.queue.closeGate()
	if s.transport != nil {
		s.generation.Add(1)
		s.transport.Close()
		s.transport = nil
	}
	s.state.Store(int32(StateClosed))
	s.metrics.State.Set(float64(StateClosed))
}

// redact strips credentials and query parameters from an endpoint for logging
func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "invalid-endpoint"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
