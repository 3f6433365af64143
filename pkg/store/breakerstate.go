package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/coderelay/relay/pkg/logger"
)

var breakerStateLog = logger.New("breaker:state")

// BreakerRow is the persisted form of one backend's circuit state. State is
// the numeric breaker state (0 closed, 1 open, 2 half-open); for an open
// circuit LastFailureTime doubles as the opened-at timestamp.
type BreakerRow struct {
	Backend         string `db:"backend"`
	State           int    `db:"state"`
	Failures        int    `db:"failures"`
	LastFailureTime int64  `db:"last_failure_time"` // ms
}

// BreakerStateStore persists circuit-breaker state so a restart does not
// forget an open circuit.
type BreakerStateStore struct {
	db *sqlx.DB
}

// OpenBreakerStateStore opens (and migrates) the breaker-state database.
func OpenBreakerStateStore(dataDir string) (*BreakerStateStore, error) {
	db, err := openDB(dataDir, BreakerDBFile, "breaker")
	if err != nil {
		return nil, err
	}
	return &BreakerStateStore{db: db}, nil
}

// Save upserts one backend's state.
func (s *BreakerStateStore) Save(row BreakerRow) error {
	_, err := s.db.NamedExec(`INSERT INTO breaker_state (backend, state, failures, last_failure_time)
		VALUES (:backend, :state, :failures, :last_failure_time)
		ON CONFLICT(backend) DO UPDATE SET
		state = excluded.state, failures = excluded.failures,
		last_failure_time = excluded.last_failure_time`, &row)
	if err != nil {
		return fmt.Errorf("failed to save breaker state for %s: %w", row.Backend, err)
	}
	return nil
}

// LoadAll returns every persisted backend state.
func (s *BreakerStateStore) LoadAll() ([]BreakerRow, error) {
	var rows []BreakerRow
	if err := s.db.Select(&rows, "SELECT * FROM breaker_state"); err != nil {
		return nil, fmt.Errorf("failed to load breaker states: %w", err)
	}
	return rows, nil
}

// Reset clears all persisted state.
func (s *BreakerStateStore) Reset() error {
	if _, err := s.db.Exec("DELETE FROM breaker_state"); err != nil {
		return fmt.Errorf("failed to reset breaker state: %w", err)
	}
	breakerStateLog.Print("Persisted breaker state cleared")
	return nil
}

// Close closes the database.
func (s *BreakerStateStore) Close() error { return s.db.Close() }
