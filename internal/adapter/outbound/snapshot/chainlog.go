package snapshot

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/clawee-dev/clawee/internal/domain/attest"
	"github.com/clawee-dev/clawee/pkg/canonical"
)

// ChainLog is an append-only JSONL file of seal entries. Appends are
// serialized by an in-process mutex plus a flock on path+".lock" for
// cross-process safety.
type ChainLog struct {
	path string
	mu   sync.Mutex
}

// NewChainLog points at a chain log file; the file is created on first
// append.
func NewChainLog(path string) *ChainLog {
	return &ChainLog{path: path}
}

// Path returns the log file path.
func (c *ChainLog) Path() string { return c.path }

// TailHash returns the current_snapshot_hash of the last seal, or the
// genesis hash for an empty or missing log.
func (c *ChainLog) TailHash() (string, error) {
	seals, err := c.Entries()
	if err != nil {
		return "", err
	}
	if len(seals) == 0 {
		return canonical.GenesisHash, nil
	}
	return seals[len(seals)-1].CurrentSnapshotHash, nil
}

// Entries reads every seal line in order. A missing file yields an empty
// chain.
func (c *ChainLog) Entries() ([]attest.Seal, error) {
	f, err := os.Open(c.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open chain log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var seals []attest.Seal
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var s attest.Seal
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode seal at line %d: %w", line, err)
		}
		seals = append(seals, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan chain log: %w", err)
	}
	return seals, nil
}

// Append writes one seal line. The write sequence is:
//  1. Acquire in-process mutex
//  2. Acquire flock on path+".lock"
//  3. Append the JSONL line and fsync
//  4. Release flock
//  5. Release mutex
func (c *ChainLog) Append(seal *attest.Seal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	lockFile, err := os.OpenFile(c.path+".lock", os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	line, err := seal.MarshalLine()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open chain log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append seal: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync chain log: %w", err)
	}
	return nil
}
