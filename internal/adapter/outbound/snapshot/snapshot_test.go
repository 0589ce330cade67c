package snapshot

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clawee-dev/clawee/internal/domain/attest"
	"github.com/clawee-dev/clawee/pkg/canonical"
)

func testPayload(t *testing.T, at time.Time) *attest.Payload {
	t.Helper()
	records := []map[string]any{
		{"id": "r1", "event_type": "gate.decision", "decision": "allow"},
		{"id": "r2", "event_type": "budget.suspend"},
	}
	p, err := attest.NewPayload("audit", records, time.Time{}, at)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestWriteSnapshot_PrettyJSONWithTrailingNewline(t *testing.T) {
	t.Parallel()

	w, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	path, err := w.WriteSnapshot(testPayload(t, at), at)
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasSuffix(data, []byte("\n")) {
		t.Error("snapshot missing trailing newline")
	}
	if !bytes.Contains(data, []byte("\n  \"ledger\"")) {
		t.Error("snapshot not pretty-printed")
	}
	if filepath.Dir(path) != filepath.Join(w.Dir(), "audit") {
		t.Errorf("snapshot not under ledger subdirectory: %s", path)
	}

	back, err := ReadSnapshot(path)
	if err != nil {
		t.Fatal(err)
	}
	if back.Count != 2 || back.Ledger != "audit" {
		t.Errorf("round trip mismatch: %+v", back)
	}
}

func TestChainLog_TailAndAppend(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	log := NewChainLog(filepath.Join(dir, "chain.log"))

	tail, err := log.TailHash()
	if err != nil {
		t.Fatal(err)
	}
	if tail != canonical.GenesisHash {
		t.Fatalf("empty chain tail = %s, want genesis", tail)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var prev = canonical.GenesisHash
	for i := 0; i < 3; i++ {
		p := testPayload(t, at.Add(time.Duration(i)*time.Minute))
		seal, err := attest.NewSeal(
			filepath.Join(dir, "snap.json"), p, prev, at.Add(time.Duration(i)*time.Minute), nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := log.Append(seal); err != nil {
			t.Fatal(err)
		}
		prev = seal.CurrentSnapshotHash
	}

	seals, err := log.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(seals) != 3 {
		t.Fatalf("entries = %d, want 3", len(seals))
	}
	for i := 1; i < len(seals); i++ {
		if seals[i].PreviousSnapshotHash != seals[i-1].CurrentSnapshotHash {
			t.Errorf("seal %d not linked to predecessor", i)
		}
	}

	tail, err = log.TailHash()
	if err != nil {
		t.Fatal(err)
	}
	if tail != seals[2].CurrentSnapshotHash {
		t.Error("tail hash does not match last seal")
	}

	// One JSON object per line.
	raw, err := os.ReadFile(log.Path())
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) != 3 {
		t.Errorf("chain log has %d lines, want 3", len(lines))
	}
}

func TestChainLog_RejectsCorruptLine(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chain.log")
	if err := os.WriteFile(path, []byte("{not json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewChainLog(path).Entries(); err == nil {
		t.Fatal("expected decode error for corrupt line")
	}
}
