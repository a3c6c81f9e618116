package kastchei

import (
	"context"
	"sync"

	"github.com/eapache/queue"
	"go.uber.org/zap"
)

// sendFunc writes one encoded frame to the transport
type sendFunc func(data []byte) error

// outboundQueue buffers encoded frames and drains them in enqueue order
// while its gate is open.
//
// Gate flips and enqueues share one mutex, and the drainer removes the head
// only after it was written, so nothing enqueued around a closeGate is lost.
// A frame whose write failed stays at the head and is written again on the
// next openGate. The failure is reported to the gate's failed callback
// unless the gate was flipped while the write was in flight.
type outboundQueue struct {
	mu      sync.Mutex
	pending *queue.Queue
	send    sendFunc
	failed  func(error)
	gen     uint64

	signal  chan struct{}
	logger  *zap.Logger
	metrics *Metrics
}

func newOutboundQueue(logger *zap.Logger, metrics *Metrics) *outboundQueue {
	return &outboundQueue{
		pending: queue.New(),
		signal:  make(chan struct{}, 1),
		logger:  logger,
		metrics: metrics,
	}
}

// enqueue accepts data regardless of the gate
func (q *outboundQueue) enqueue(data []byte) {
	q.mu.Lock()
	q.pending.Add(data)
	q.metrics.QueueDepth.Set(float64(q.pending.Length()))
	q.mu.Unlock()

	q.wake()
}

// openGate starts draining into send. failed, if set, is called once when a
// write through this gate fails.
func (q *outboundQueue) openGate(send sendFunc, failed func(error)) {
	q.mu.Lock()
	q.send = send
	q.failed = failed
	q.gen++
	q.mu.Unlock()

	q.wake()
}

// closeGate stops draining; pending frames are kept
func (q *outboundQueue) closeGate() {
	q.mu.Lock()
	q.send = nil
	q.failed = nil
	q.gen++
	q.mu.Unlock()
}

// len returns the number of frames not yet written
func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Length()
}

func (q *outboundQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// run is the single consumer of the queue
func (q *outboundQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
			q.drain()
		}
	}
}

func (q *outboundQueue) drain() {
	for {
		q.mu.Lock()
		if q.send == nil || q.pending.Length() == 0 {
			q.mu.Unlock()
			return
		}
		data := q.pending.Peek().([]byte)
		send, gen := q.send, q.gen
		q.mu.Unlock()

		if err := send(data); err != nil {
			q.logger.Warn("outbound write failed, holding frame", zap.Error(err))
			var failed func(error)
			q.mu.Lock()
			if q.gen == gen {
				failed = q.failed
				q.send = nil
				q.failed = nil
			}
			q.mu.Unlock()
			if failed != nil {
				failed(err)
			}
			return
		}

		q.mu.Lock()
		q.pending.Remove()
		q.metrics.QueueDepth.Set(float64(q.pending.Length()))
		q.mu.Unlock()
		q.metrics.FramesSent.Inc()
	}
}
