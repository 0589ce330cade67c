package outbound

import (
	"time"

	"github.com/clawee-dev/clawee/internal/domain/attest"
)

// SnapshotStore persists attestation snapshot files. Writes must be
// atomic and durable before the caller seals them into a chain.
type SnapshotStore interface {
	// WriteSnapshot writes a payload as a pretty-printed snapshot file
	// and returns its path.
	WriteSnapshot(payload *attest.Payload, at time.Time) (string, error)
	// ReadSnapshot loads a snapshot file back into its payload.
	ReadSnapshot(path string) (*attest.Payload, error)
	// ChainLog returns the seal chain for a ledger.
	ChainLog(ledger string) ChainLog
}

// ChainLog is one ledger's append-only JSONL seal chain.
type ChainLog interface {
	// Path returns the chain log file path.
	Path() string
	// TailHash returns the last seal's hash, or the genesis hash when
	// the chain is empty.
	TailHash() (string, error)
	// Entries reads every seal in file order.
	Entries() ([]attest.Seal, error)
	// Append writes one seal line under the chain's file lock.
	Append(seal *attest.Seal) error
}
