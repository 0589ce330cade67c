package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/clawee-dev/clawee/internal/domain/audit"
)

// captureAuditStore collects appended batches in memory and can be forced
// to fail.
type captureAuditStore struct {
	mu      sync.Mutex
	records []audit.Record
	err     error
}

func (s *captureAuditStore) Append(_ context.Context, records []audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, records...)
	return nil
}

func (s *captureAuditStore) ListSince(context.Context, time.Time, int) ([]audit.Record, error) {
	return nil, nil
}

func (s *captureAuditStore) Close() error { return nil }

func (s *captureAuditStore) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// captureNotifier records alert event names.
type captureNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *captureNotifier) Alert(_ context.Context, event, _ string, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *captureNotifier) seen(event string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e == event {
			return true
		}
	}
	return false
}

func auditEvent() audit.Record {
	return audit.Record{
		ID:         uuid.NewString(),
		RecordedAt: time.Now().UTC(),
		EventType:  audit.EventTypeGateDecision,
		Decision:   "allow",
	}
}

func TestAuditRecorder_FlushesEverythingOnStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &captureAuditStore{}
	rec := NewAuditRecorder(store, nil, testLogger(), WithBatchSize(2))
	rec.Start(context.Background())

	for range 5 {
		rec.Record(auditEvent())
	}
	rec.Stop()

	if got := store.total(); got != 5 {
		t.Errorf("stored records = %d, want 5", got)
	}
	if drops := rec.DroppedRecords(); drops != 0 {
		t.Errorf("dropped = %d, want 0", drops)
	}
}

func TestAuditRecorder_DropsWhenChannelFull(t *testing.T) {
	// No worker drains the channel, so the third record finds it full and
	// the zero send timeout drops it immediately.
	store := &captureAuditStore{}
	rec := NewAuditRecorder(store, nil, testLogger(),
		WithChannelSize(2), WithSendTimeout(0))

	for range 3 {
		rec.Record(auditEvent())
	}
	if drops := rec.DroppedRecords(); drops != 1 {
		t.Errorf("dropped = %d, want 1", drops)
	}
}

func TestAuditRecorder_AlertsOnFlushFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &captureAuditStore{err: errors.New("disk full")}
	notifier := &captureNotifier{}
	rec := NewAuditRecorder(store, notifier, testLogger())
	rec.Start(context.Background())

	rec.Record(auditEvent())
	rec.Stop()

	if !notifier.seen("audit.write.failed") {
		t.Errorf("alerts = %v, want audit.write.failed", notifier.events)
	}
}

func TestAuditRecorder_ContextCancelDrainsBacklog(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &captureAuditStore{}
	rec := NewAuditRecorder(store, nil, testLogger(), WithFlushInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	rec.Start(ctx)

	for range 3 {
		rec.Record(auditEvent())
	}
	cancel()

	// The worker drains what was enqueued before exiting.
	deadline := time.Now().Add(2 * time.Second)
	for store.total() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := store.total(); got != 3 {
		t.Errorf("stored records = %d, want 3", got)
	}
}
