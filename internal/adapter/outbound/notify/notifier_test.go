package notify

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestAlert_RateLimitsPerEvent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	now := time.Unix(1_700_000_000, 0).UTC()
	n := NewLogNotifier(logger,
		WithInterval(time.Minute),
		WithClock(func() time.Time { return now }))

	ctx := context.Background()
	n.Alert(ctx, "catalog.reload.failed", "reload failed", map[string]any{"catalog": "policy"})
	n.Alert(ctx, "catalog.reload.failed", "reload failed", nil)
	n.Alert(ctx, "catalog.reload.failed", "reload failed", nil)
	n.Alert(ctx, "budget.suspend", "budget suspended", nil)

	lines := strings.Count(strings.TrimSpace(buf.String()), "\n") + 1
	if lines != 2 {
		t.Fatalf("log lines = %d, want 2 (one per distinct event)\n%s", lines, buf.String())
	}

	// After the interval the event fires again and reports suppression.
	now = now.Add(2 * time.Minute)
	buf.Reset()
	n.Alert(ctx, "catalog.reload.failed", "reload failed", nil)
	out := buf.String()
	if !strings.Contains(out, `"suppressed":2`) {
		t.Errorf("expected suppressed count in alert, got %s", out)
	}
}

func TestAlert_DistinctEventsIndependent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	n := NewLogNotifier(logger, WithInterval(time.Minute))

	ctx := context.Background()
	n.Alert(ctx, "replay.backend.down", "backend unreachable", nil)
	n.Alert(ctx, "attest.export.failed", "export failed", nil)

	out := buf.String()
	if !strings.Contains(out, "replay.backend.down") || !strings.Contains(out, "attest.export.failed") {
		t.Errorf("both events should be delivered:\n%s", out)
	}
}
