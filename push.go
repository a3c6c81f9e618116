package kastchei

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// StatusTimeout is the synthetic status delivered to Receive hooks when
// the reply timeout elapses.
const StatusTimeout = "timeout"

// receiveHook represents a callback for handling responses
type receiveHook struct {
	status   string
	callback func(json.RawMessage)
}

// Push is an outbound frame awaiting its reply. It settles at most once:
// with the first matching reply, a timeout or an encode failure. A push
// whose channel or socket is closed first is abandoned and never settles.
type Push struct {
	topic string
	event string
	ref   uint64
	sent  bool

	mu        sync.Mutex
	done      chan struct{}
	reply     *Reply
	err       error
	settled   bool
	abandoned bool
	timer     *clock.Timer
	recHooks  []receiveHook
	onSettle  func()
}

func newPush(topic, event string, ref uint64) *Push {
	return &Push{
		topic: topic,
		event: event,
		ref:   ref,
		done:  make(chan struct{}),
	}
}

// failedPush returns a push already settled with err. It never received a
// ref and is never registered for correlation.
func failedPush(topic, event string, err error) *Push {
	p := newPush(topic, event, 0)
	p.settle(nil, err)
	return p
}

// Topic returns the topic the push was sent on
func (p *Push) Topic() string { return p.topic }

// Event returns the pushed event
func (p *Push) Event() string { return p.event }

// Ref returns the correlation ref of the push. It is only meaningful when
// Sent reports true; a push that failed before sending reports 0.
func (p *Push) Ref() uint64 { return p.ref }

// Sent reports whether the push was encoded and queued for the transport
func (p *Push) Sent() bool { return p.sent }

// Done is closed once the push has settled
func (p *Push) Done() <-chan struct{} {
	return p.done
}

// Await blocks until the reply arrives, the push fails, or ctx ends
func (p *Push) Await(ctx context.Context) (*Reply, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.reply, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Receive registers a callback for a reply status. "timeout" matches an
// elapsed reply timeout. Hooks registered after the push settled run
// immediately when they match.
func (p *Push) Receive(status string, callback func(response json.RawMessage)) *Push {
	p.mu.Lock()
	if p.settled {
		matched, response := p.matches(status)
		p.mu.Unlock()
		if matched {
			callback(response)
		}
		return p
	}
	p.recHooks = append(p.recHooks, receiveHook{
		status:   status,
		callback: callback,
	})
	p.mu.Unlock()

	return p
}

// HasReceived returns true if the push settled with the given status
func (p *Push) HasReceived(status string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	matched, _ := p.matches(status)
	return p.settled && matched
}

// matches must be called with the lock held
func (p *Push) matches(status string) (bool, json.RawMessage) {
	if p.reply != nil {
		return p.reply.Status == status, p.reply.Response
	}
	if errors.Is(p.err, ErrReplyTimeout) {
		return status == StatusTimeout, nil
	}
	return false, nil
}

func (p *Push) startTimeout(clk clock.Clock, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled || p.abandoned {
		return
	}
	p.timer = clk.AfterFunc(timeout, func() {
		p.settle(nil, ErrReplyTimeout)
	})
}

// settle resolves the push; later calls are ignored
func (p *Push) settle(reply *Reply, err error) bool {
	p.mu.Lock()
	if p.settled || p.abandoned {
		p.mu.Unlock()
		return false
	}
	p.settled = true
	p.reply = reply
	p.err = err
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}

	var hooks []receiveHook
	for _, hook := range p.recHooks {
		if matched, _ := p.matches(hook.status); matched {
			hooks = append(hooks, hook)
		}
	}
	p.recHooks = nil
	onSettle := p.onSettle
	close(p.done)
	p.mu.Unlock()

	var response json.RawMessage
	if reply != nil {
		response = reply.Response
	}
	for _, hook := range hooks {
		hook.callback(response)
	}
	if onSettle != nil {
		onSettle()
	}
	return true
}

// abandon stops the push from ever settling
func (p *Push) abandon() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return
	}
	p.abandoned = true
	p.recHooks = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Match waits for the reply of p, checks its status and decodes the
// response into T. A different status is reported as *ReplyStatusError and
// a shape mismatch as *DecodeError.
func Match[T any](ctx context.Context, p *Push, status string) (T, error) {
	var zero T
	reply, err := p.Await(ctx)
	if err != nil {
		return zero, err
	}
	if reply.Status != status {
		return zero, &ReplyStatusError{Status: reply.Status, Response: reply.Response}
	}
	return Decode[T](p.topic, p.event, reply.Response)
}
