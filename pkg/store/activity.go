package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/coderelay/relay/pkg/logger"
)

var activityLog = logger.New("audit:activity")

// Activity event types.
const (
	EventToolInvocation    = "tool_invocation"
	EventWorkflowExecution = "workflow_execution"
)

// ActivityEvent is one analytics record of a tool or workflow invocation.
// Written post-hoc; losing one on crash is acceptable.
type ActivityEvent struct {
	ID           string `db:"id" json:"id"`
	Timestamp    int64  `db:"timestamp" json:"timestamp"` // ms
	EventType    string `db:"event_type" json:"event_type"`
	Name         string `db:"name" json:"name"`
	Success      bool   `db:"success" json:"success"`
	DurationMs   int64  `db:"duration_ms" json:"duration_ms"`
	ErrorMessage string `db:"error_message" json:"error_message,omitempty"`
	Metadata     string `db:"metadata" json:"metadata,omitempty"`
}

// ActivityStore records and queries activity analytics.
type ActivityStore struct {
	db *sqlx.DB
}

// OpenActivityStore opens (and migrates) the activity database under dataDir.
func OpenActivityStore(dataDir string) (*ActivityStore, error) {
	db, err := openDB(dataDir, ActivityDBFile, "activity")
	if err != nil {
		return nil, err
	}
	return &ActivityStore{db: db}, nil
}

// Record inserts one event. Best effort: failures are logged, not returned,
// so analytics never fail a tool call.
func (s *ActivityStore) Record(event ActivityEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	_, err := s.db.NamedExec(`INSERT INTO activity_events
		(id, timestamp, event_type, name, success, duration_ms, error_message, metadata)
		VALUES (:id, :timestamp, :event_type, :name, :success, :duration_ms, :error_message, :metadata)`,
		&event)
	if err != nil {
		activityLog.Errorf("Failed to record activity event: %v", err)
	}
}

// ActivityQuery filters events. Zero-valued fields are unconstrained.
type ActivityQuery struct {
	EventType string
	Name      string
	Success   *bool
	Since     int64
	Until     int64
	Limit     int
}

// Query returns matching events newest-first.
func (s *ActivityStore) Query(q ActivityQuery) ([]ActivityEvent, error) {
	var where []string
	var args []any
	if q.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, q.EventType)
	}
	if q.Name != "" {
		where = append(where, "name = ?")
		args = append(args, q.Name)
	}
	if q.Success != nil {
		where = append(where, "success = ?")
		args = append(args, *q.Success)
	}
	if q.Since > 0 {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since)
	}
	if q.Until > 0 {
		where = append(where, "timestamp < ?")
		args = append(args, q.Until)
	}
	query := "SELECT * FROM activity_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	query += " ORDER BY timestamp DESC LIMIT " + strconv.Itoa(limit)

	var events []ActivityEvent
	if err := s.db.Select(&events, query, args...); err != nil {
		return nil, fmt.Errorf("activity query failed: %w", err)
	}
	return events, nil
}

// ActivityStats aggregates a time window.
type ActivityStats struct {
	Total         int64   `db:"total" json:"total"`
	Successes     int64   `db:"successes" json:"successes"`
	AvgDurationMs float64 `db:"avg_duration_ms" json:"avg_duration_ms"`
}

// Stats aggregates events since the given ms timestamp (0 for all time).
func (s *ActivityStore) Stats(since int64) (ActivityStats, error) {
	var stats ActivityStats
	err := s.db.Get(&stats, `SELECT COUNT(*) AS total,
		COALESCE(SUM(success), 0) AS successes,
		COALESCE(AVG(duration_ms), 0) AS avg_duration_ms
		FROM activity_events WHERE timestamp >= ?`, since)
	if err != nil {
		return ActivityStats{}, fmt.Errorf("activity stats failed: %w", err)
	}
	return stats, nil
}

// Close closes the database.
func (s *ActivityStore) Close() error { return s.db.Close() }
