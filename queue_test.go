package kastchei

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recorder is a sendFunc target that can be told to fail
type recorder struct {
	mu     sync.Mutex
	frames []string
	fail   bool
}

func (r *recorder) send(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("write failed")
	}
	r.frames = append(r.frames, string(data))
	return nil
}

func (r *recorder) setFail(fail bool) {
	r.mu.Lock()
	r.fail = fail
	r.mu.Unlock()
}

func (r *recorder) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func runQueue(t *testing.T) *outboundQueue {
	t.Helper()
	q := newOutboundQueue(zap.NewNop(), NewMetrics())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go q.run(ctx)
	return q
}

func TestQueueHoldsUntilGateOpens(t *testing.T) {
	q := runQueue(t)
	r := &recorder{}

	q.enqueue([]byte("a"))
	q.enqueue([]byte("b"))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, q.len())
	assert.Equal(t, float64(2), testutil.ToFloat64(q.metrics.QueueDepth))

	q.openGate(r.send, nil)
	require.Eventually(t, func() bool { return q.len() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, r.sent())
	assert.Equal(t, float64(2), testutil.ToFloat64(q.metrics.FramesSent))
	assert.Equal(t, float64(0), testutil.ToFloat64(q.metrics.QueueDepth))
}

func TestQueueKeepsOrderAcrossGateFlips(t *testing.T) {
	q := runQueue(t)
	r := &recorder{}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			q.enqueue([]byte(fmt.Sprintf("%03d", i)))
		}
	}()

	for i := 0; i < 20; i++ {
		q.openGate(r.send, nil)
		time.Sleep(time.Millisecond)
		q.closeGate()
	}
	wg.Wait()
	q.openGate(r.send, nil)

	require.Eventually(t, func() bool { return q.len() == 0 }, time.Second, time.Millisecond)
	sent := r.sent()
	require.Len(t, sent, 200)
	for i, frame := range sent {
		assert.Equal(t, fmt.Sprintf("%03d", i), frame)
	}
}

func TestQueueFailedWriteKeepsHead(t *testing.T) {
	q := runQueue(t)
	r := &recorder{}
	r.setFail(true)

	q.enqueue([]byte("first"))
	q.enqueue([]byte("second"))
	q.openGate(r.send, nil)

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.send == nil
	}, time.Second, time.Millisecond, "a failed write closes the gate")
	assert.Equal(t, 2, q.len())
	assert.Empty(t, r.sent())

	r.setFail(false)
	q.openGate(r.send, nil)
	require.Eventually(t, func() bool { return q.len() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, r.sent())
}

func TestQueueStaleFailureKeepsNewGate(t *testing.T) {
	q := newOutboundQueue(zap.NewNop(), NewMetrics())
	r := &recorder{}

	q.enqueue([]byte("frame"))

	// a write that fails after the gate was reopened must not close the new gate
	var reported []error
	q.openGate(func([]byte) error {
		q.openGate(r.send, nil)
		return errors.New("stale transport")
	}, func(err error) { reported = append(reported, err) })
	q.drain()

	q.mu.Lock()
	open := q.send != nil
	q.mu.Unlock()
	assert.True(t, open)

	q.drain()
	assert.Equal(t, []string{"frame"}, r.sent())
	assert.Empty(t, reported, "a failure behind a reopened gate is not reported")
}

func TestQueueReportsFailedWriteOnce(t *testing.T) {
	q := newOutboundQueue(zap.NewNop(), NewMetrics())
	r := &recorder{}
	r.setFail(true)

	var reported []error
	q.openGate(r.send, func(err error) { reported = append(reported, err) })
	q.enqueue([]byte("first"))
	q.enqueue([]byte("second"))
	q.drain()
	q.drain()

	require.Len(t, reported, 1)
	assert.EqualError(t, reported[0], "write failed")
	assert.Equal(t, 2, q.len())
}
