package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clawee-dev/clawee/internal/domain/audit"
	"github.com/clawee-dev/clawee/internal/port/outbound"
)

// AuditRecorder writes audit records asynchronously through a buffered
// channel and background worker, so the gate pipeline never blocks on the
// store. Writes are best-effort: a full channel drops the record after a
// bounded wait, and flush failures surface through the alert notifier
// instead of failing the request.
type AuditRecorder struct {
	store    outbound.AuditStore
	notifier outbound.AlertNotifier
	records  chan audit.Record
	wg       sync.WaitGroup
	logger   *slog.Logger

	batchSize     int
	flushInterval time.Duration
	channelSize   int
	sendTimeout   time.Duration
	warnThreshold int

	dropCount   atomic.Int64
	lastWarning atomic.Int64
}

// RecorderOption configures an AuditRecorder.
type RecorderOption func(*AuditRecorder)

// WithBatchSize sets the number of records batched per store write.
func WithBatchSize(size int) RecorderOption {
	return func(r *AuditRecorder) { r.batchSize = size }
}

// WithFlushInterval sets the idle flush interval.
func WithFlushInterval(interval time.Duration) RecorderOption {
	return func(r *AuditRecorder) { r.flushInterval = interval }
}

// WithChannelSize sets the channel buffer capacity.
func WithChannelSize(size int) RecorderOption {
	return func(r *AuditRecorder) {
		r.records = make(chan audit.Record, size)
		r.channelSize = size
	}
}

// WithSendTimeout sets how long Record blocks on a full channel before
// dropping. Zero drops immediately.
func WithSendTimeout(timeout time.Duration) RecorderOption {
	return func(r *AuditRecorder) { r.sendTimeout = timeout }
}

// WithWarningThreshold sets the channel-depth percentage that triggers a
// capacity warning. Zero disables the warning.
func WithWarningThreshold(pct int) RecorderOption {
	return func(r *AuditRecorder) { r.warnThreshold = pct }
}

// NewAuditRecorder builds a recorder over the store.
func NewAuditRecorder(store outbound.AuditStore, notifier outbound.AlertNotifier, logger *slog.Logger, opts ...RecorderOption) *AuditRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	const defaultChannelSize = 1000
	r := &AuditRecorder{
		store:         store,
		notifier:      notifier,
		records:       make(chan audit.Record, defaultChannelSize),
		logger:        logger,
		batchSize:     100,
		flushInterval: time.Second,
		channelSize:   defaultChannelSize,
		sendTimeout:   100 * time.Millisecond,
		warnThreshold: 80,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the background worker.
func (r *AuditRecorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.worker(ctx)
}

// Record enqueues one audit record. A full channel applies backpressure up
// to the send timeout, then drops and counts.
func (r *AuditRecorder) Record(rec audit.Record) {
	if r.warnThreshold > 0 {
		if depth := len(r.records); depth >= r.channelSize*r.warnThreshold/100 {
			r.warnChannelDepth(depth)
		}
	}

	select {
	case r.records <- rec:
		return
	default:
	}

	if r.sendTimeout <= 0 {
		r.recordDrop(rec)
		return
	}

	select {
	case r.records <- rec:
	case <-time.After(r.sendTimeout):
		r.recordDrop(rec)
	}
}

func (r *AuditRecorder) recordDrop(rec audit.Record) {
	drops := r.dropCount.Add(1)
	r.logger.Warn("audit record dropped",
		"event_type", rec.EventType,
		"total_drops", drops,
	)
}

// warnChannelDepth logs a capacity warning at most once per second, using
// CAS so concurrent callers claim a single slot.
func (r *AuditRecorder) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := r.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if r.lastWarning.CompareAndSwap(last, now) {
		r.logger.Warn("audit channel approaching capacity",
			"depth", depth,
			"capacity", r.channelSize,
		)
	}
}

// DroppedRecords returns the total dropped record count.
func (r *AuditRecorder) DroppedRecords() int64 {
	return r.dropCount.Load()
}

// Stop closes the channel and waits for the final flush.
func (r *AuditRecorder) Stop() {
	close(r.records)
	r.wg.Wait()
}

func (r *AuditRecorder) worker(ctx context.Context) {
	defer r.wg.Done()

	batch := make([]audit.Record, 0, r.batchSize)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-r.records:
			if !ok {
				if len(batch) > 0 {
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					r.flush(flushCtx, batch)
					cancel()
				}
				return
			}
			batch = append(batch, rec)
			if len(batch) >= r.batchSize {
				r.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Drain what was already enqueued, then flush under a bounded
			// deadline.
			for {
				select {
				case rec, ok := <-r.records:
					if !ok {
						break
					}
					batch = append(batch, rec)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				r.flush(flushCtx, batch)
				cancel()
			}
			return
		}
	}
}

func (r *AuditRecorder) flush(ctx context.Context, batch []audit.Record) {
	if err := r.store.Append(ctx, batch); err != nil {
		r.logger.Error("audit batch write failed", "error", err, "count", len(batch))
		if r.notifier != nil {
			r.notifier.Alert(ctx, "audit.write.failed", "audit batch write failed",
				map[string]any{"error": err.Error(), "count": len(batch)})
		}
	}
}
