package kastchei

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// heartbeat ticks for the whole socket lifetime. Each tick, and each
// notify after the first tick, calls beat when alive reports true.
type heartbeat struct {
	interval time.Duration
	clock    clock.Clock
	alive    func() bool
	beat     func()
	changed  chan struct{}
}

func newHeartbeat(interval time.Duration, clk clock.Clock, alive func() bool, beat func()) *heartbeat {
	return &heartbeat{
		interval: interval,
		clock:    clk,
		alive:    alive,
		beat:     beat,
		changed:  make(chan struct{}, 1),
	}
}

// notify re-evaluates the send condition after a state or desired-open change
func (h *heartbeat) notify() {
	select {
	case h.changed <- struct{}{}:
	default:
	}
}

func (h *heartbeat) run(ctx context.Context) {
	ticker := h.clock.Ticker(h.interval)
	defer ticker.Stop()

	ticked := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ticked = true
			if h.alive() {
				h.beat()
			}
		case <-h.changed:
			if ticked && h.alive() {
				h.beat()
			}
		}
	}
}
