// Package snapshot persists attestation snapshot files and their JSONL
// chain logs. Snapshots are written atomically (tmp, fsync, rename) and
// chain appends run under a cross-process file lock.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/clawee-dev/clawee/internal/domain/attest"
	"github.com/clawee-dev/clawee/internal/port/outbound"
)

// Writer lays out snapshot files under a base directory, one subdirectory
// per ledger. Chain logs are cached so every appender for a ledger shares
// the same in-process mutex.
type Writer struct {
	dir string

	mu     sync.Mutex
	chains map[string]*ChainLog
}

var _ outbound.SnapshotStore = (*Writer)(nil)

// NewWriter creates the base directory if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Writer{dir: dir, chains: make(map[string]*ChainLog)}, nil
}

// Dir returns the base directory.
func (w *Writer) Dir() string { return w.dir }

// ChainLog returns the seal chain for a ledger.
func (w *Writer) ChainLog(ledger string) outbound.ChainLog {
	w.mu.Lock()
	defer w.mu.Unlock()
	if chain, ok := w.chains[ledger]; ok {
		return chain
	}
	chain := NewChainLog(filepath.Join(w.dir, ledger, "chain.log"))
	w.chains[ledger] = chain
	return chain
}

// WriteSnapshot writes a payload as a pretty-printed snapshot file with a
// trailing newline and returns its path. The file must be durable on disk
// before its seal is appended to the chain log.
func (w *Writer) WriteSnapshot(payload *attest.Payload, at time.Time) (string, error) {
	ledgerDir := filepath.Join(w.dir, payload.Ledger)
	if err := os.MkdirAll(ledgerDir, 0o700); err != nil {
		return "", fmt.Errorf("create ledger dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.json", payload.Ledger, at.UTC().Format("20060102T150405.000000000Z"))
	path := filepath.Join(ledgerDir, name)

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	data = append(data, '\n')

	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// ReadSnapshot loads a snapshot file back into its payload.
func (w *Writer) ReadSnapshot(path string) (*attest.Payload, error) {
	return ReadSnapshot(path)
}

// ReadSnapshot opens a snapshot file and decodes its payload. Used as the
// SnapshotOpener of deep chain verification.
func ReadSnapshot(path string) (*attest.Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return attest.DecodePayload(data)
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it over
// the target path. On any error the temp file is cleaned up.
func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to snapshot: %w", err)
	}
	return nil
}
