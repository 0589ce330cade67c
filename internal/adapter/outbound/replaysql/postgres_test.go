package replaysql

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/clawee-dev/clawee/internal/domain/replay"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRegisterNonce_InsertOutcomes(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	now := time.Unix(1_700_000_000, 0).UTC()
	store := NewWithDB(db, nil,
		WithClock(fixedClock(now)),
		WithSweepChance(func() bool { return false }))

	// First registration: the insert lands.
	mock.ExpectExec(`DELETE FROM replay_entries WHERE namespace = \$1`).
		WithArgs(replay.NamespaceNonce, "a1b2", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO replay_entries`).
		WithArgs(replay.NamespaceNonce, "a1b2", now, now.Add(60*time.Second)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.RegisterNonce(context.Background(), "a1b2", 60*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("first registration returned false")
	}

	// Replay: ON CONFLICT DO NOTHING affects zero rows.
	mock.ExpectExec(`DELETE FROM replay_entries WHERE namespace = \$1`).
		WithArgs(replay.NamespaceNonce, "a1b2", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO replay_entries`).
		WithArgs(replay.NamespaceNonce, "a1b2", now, now.Add(60*time.Second)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = store.RegisterNonce(context.Background(), "a1b2", 60*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("replay registered again")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRegisterEventKey_TTLFloorApplied(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	now := time.Unix(1_700_000_000, 0).UTC()
	store := NewWithDB(db, nil,
		WithClock(fixedClock(now)),
		WithSweepChance(func() bool { return false }))

	// Requested 1s is floored to 60s for event keys.
	mock.ExpectExec(`DELETE FROM replay_entries WHERE namespace = \$1`).
		WithArgs(replay.NamespaceEventKey, "k", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO replay_entries`).
		WithArgs(replay.NamespaceEventKey, "k", now, now.Add(replay.MinEventKeyTTL)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if ok, err := store.RegisterEventKey(context.Background(), "k", time.Second); err != nil || !ok {
		t.Fatalf("registration failed: ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRegister_SweepRunsWhenTriggered(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	now := time.Unix(1_700_000_000, 0).UTC()
	store := NewWithDB(db, nil,
		WithClock(fixedClock(now)),
		WithSweepChance(func() bool { return true }))

	mock.ExpectExec(`DELETE FROM replay_entries WHERE expires_at < \$1`).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`DELETE FROM replay_entries WHERE namespace = \$1`).
		WithArgs(replay.NamespaceNonce, "n", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO replay_entries`).
		WithArgs(replay.NamespaceNonce, "n", now, now.Add(60*time.Second)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if ok, err := store.RegisterNonce(context.Background(), "n", 60*time.Second); err != nil || !ok {
		t.Fatalf("registration failed: ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
