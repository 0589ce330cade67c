// Package notify delivers operator alerts through the structured log,
// rate-limited per event name so a failing component cannot flood the
// output.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the minimum gap between alerts of the same event.
const DefaultInterval = time.Minute

// LogNotifier writes alerts at error level. One alert per event name per
// interval; suppressed alerts increment a counter that is reported with
// the next delivered alert.
type LogNotifier struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu         sync.Mutex
	lastSent   map[string]time.Time
	suppressed map[string]int
}

// Option configures a LogNotifier.
type Option func(*LogNotifier)

// WithInterval overrides the per-event rate limit interval.
func WithInterval(d time.Duration) Option {
	return func(n *LogNotifier) { n.interval = d }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(n *LogNotifier) { n.now = now }
}

// NewLogNotifier builds a notifier over the given logger.
func NewLogNotifier(logger *slog.Logger, opts ...Option) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &LogNotifier{
		logger:     logger,
		interval:   DefaultInterval,
		now:        time.Now,
		lastSent:   make(map[string]time.Time),
		suppressed: make(map[string]int),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Alert emits one rate-limited error log for the event.
func (n *LogNotifier) Alert(ctx context.Context, event, message string, fields map[string]any) {
	n.mu.Lock()
	now := n.now()
	if last, ok := n.lastSent[event]; ok && now.Sub(last) < n.interval {
		n.suppressed[event]++
		n.mu.Unlock()
		return
	}
	n.lastSent[event] = now
	suppressed := n.suppressed[event]
	n.suppressed[event] = 0
	n.mu.Unlock()

	attrs := make([]any, 0, 2*len(fields)+4)
	attrs = append(attrs, "event", event)
	if suppressed > 0 {
		attrs = append(attrs, "suppressed", suppressed)
	}
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	n.logger.ErrorContext(ctx, message, attrs...)
}
