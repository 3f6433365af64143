package store

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/coderelay/relay/pkg/logger"
)

var auditLog = logger.New("audit:audit")

const (
	auditQueueCapacity  = 1024
	auditDropWatermark  = 768
	defaultQueryLimit   = 100
	auditInsertStmt     = `INSERT INTO audit_entries
		(id, timestamp, workflow_name, workflow_id, autonomy_level, operation, target,
		 approved, executed_by, outcome, error_message, metadata)
		VALUES (:id, :timestamp, :workflow_name, :workflow_id, :autonomy_level, :operation,
		 :target, :approved, :executed_by, :outcome, :error_message, :metadata)`
)

// AuditEntry is one immutable permission decision. Created by the permission
// manager on every check; never updated; deleted only by retention cleanup.
type AuditEntry struct {
	ID            string `db:"id" json:"id"`
	Timestamp     int64  `db:"timestamp" json:"timestamp"` // wall clock, ms
	WorkflowName  string `db:"workflow_name" json:"workflow_name"`
	WorkflowID    string `db:"workflow_id" json:"workflow_id,omitempty"`
	AutonomyLevel string `db:"autonomy_level" json:"autonomy_level"`
	Operation     string `db:"operation" json:"operation"`
	Target        string `db:"target" json:"target"`
	Approved      bool   `db:"approved" json:"approved"`
	ExecutedBy    string `db:"executed_by" json:"executed_by"` // system | user
	Outcome       string `db:"outcome" json:"outcome"`         // success | failure | pending
	ErrorMessage  string `db:"error_message" json:"error_message,omitempty"`
	Metadata      string `db:"metadata" json:"metadata,omitempty"` // opaque JSON
}

// droppable entries may be shed under backpressure. Denials and failures are
// never droppable.
func (e *AuditEntry) droppable() bool {
	return e.Approved && e.Outcome == "success" && e.ErrorMessage == ""
}

// AuditStore is the append-only audit trail behind a single-writer async
// queue. Record never blocks the caller on fsync; the writer goroutine
// batches queued entries into one transaction per wakeup.
type AuditStore struct {
	db         *sqlx.DB
	mu         sync.Mutex
	cond       *sync.Cond
	queue      []AuditEntry
	pending    int // queued plus batch-in-flight, for Flush
	closed     bool
	writerDone chan struct{}
	dropped    int
}

// OpenAuditStore opens (and migrates) the audit database under dataDir and
// starts the writer goroutine.
func OpenAuditStore(dataDir string) (*AuditStore, error) {
	db, err := openDB(dataDir, AuditDBFile, "audit")
	if err != nil {
		return nil, err
	}
	s := &AuditStore{db: db, writerDone: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.writer()
	return s, nil
}

// Record enqueues an entry for durable append. Missing id and timestamp are
// filled in. Under sustained backlog, approved success entries past the
// watermark are shed oldest-first with a warning; denials and failures are
// never shed and instead exert backpressure.
func (s *AuditStore) Record(entry AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		auditLog.Warnf("Dropping audit entry after close: op=%s", entry.Operation)
		return
	}
	if len(s.queue) >= auditDropWatermark {
		s.shedOneLocked()
	}
	for len(s.queue) >= auditQueueCapacity {
		if entry.droppable() {
			s.dropped++
			auditLog.Warnf("Audit queue full, dropping success entry (total dropped: %d)", s.dropped)
			return
		}
		// Critical entry: block until the writer makes room.
		s.cond.Wait()
		if s.closed {
			return
		}
	}
	s.queue = append(s.queue, entry)
	s.pending++
	s.cond.Broadcast()
}

func (s *AuditStore) shedOneLocked() {
	for i := range s.queue {
		if s.queue[i].droppable() {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.pending--
			s.dropped++
			auditLog.Warnf("Audit queue past watermark, shed oldest success entry (total dropped: %d)", s.dropped)
			return
		}
	}
}

func (s *AuditStore) writer() {
	defer close(s.writerDone)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.cond.Broadcast()
		s.mu.Unlock()

		if err := s.insertBatch(batch); err != nil {
			auditLog.Errorf("Failed to persist %d audit entries: %v", len(batch), err)
		}

		s.mu.Lock()
		s.pending -= len(batch)
		s.cond.Broadcast() // wake Flush waiters
		s.mu.Unlock()
	}
}

func (s *AuditStore) insertBatch(batch []AuditEntry) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	for i := range batch {
		if _, err := tx.NamedExec(auditInsertStmt, &batch[i]); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Flush blocks until every entry recorded so far has been committed.
// Intended for tests and shutdown.
func (s *AuditStore) Flush() {
	s.mu.Lock()
	for s.pending > 0 {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// Close drains the queue, stops the writer, and closes the database. Safe to
// call more than once.
func (s *AuditStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.writerDone
	return s.db.Close()
}

// AuditQuery selects entries. Zero-valued fields are unconstrained.
type AuditQuery struct {
	WorkflowName  string
	AutonomyLevel string
	Operation     string
	Outcome       string
	Approved      *bool
	Since         int64 // ms, inclusive
	Until         int64 // ms, exclusive
	Limit         int
}

// Query returns matching entries newest-first.
func (s *AuditStore) Query(q AuditQuery) ([]AuditEntry, error) {
	var where []string
	var args []any
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if q.WorkflowName != "" {
		add("workflow_name = ?", q.WorkflowName)
	}
	if q.AutonomyLevel != "" {
		add("autonomy_level = ?", q.AutonomyLevel)
	}
	if q.Operation != "" {
		add("operation = ?", q.Operation)
	}
	if q.Outcome != "" {
		add("outcome = ?", q.Outcome)
	}
	if q.Approved != nil {
		add("approved = ?", *q.Approved)
	}
	if q.Since > 0 {
		add("timestamp >= ?", q.Since)
	}
	if q.Until > 0 {
		add("timestamp < ?", q.Until)
	}
	query := "SELECT * FROM audit_entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	query += " ORDER BY timestamp DESC LIMIT " + strconv.Itoa(limit)

	var entries []AuditEntry
	if err := s.db.Select(&entries, query, args...); err != nil {
		return nil, fmt.Errorf("audit query failed: %w", err)
	}
	return entries, nil
}

// Cleanup deletes entries older than the given number of days and returns the
// deletion count.
func (s *AuditStore) Cleanup(olderThanDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays).UnixMilli()
	res, err := s.db.Exec("DELETE FROM audit_entries WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup failed: %w", err)
	}
	n, _ := res.RowsAffected()
	auditLog.Printf("Cleanup removed %d entries older than %d days", n, olderThanDays)
	return n, nil
}

// ExportFormat selects the audit export encoding.
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
	ExportHTML ExportFormat = "html"
)

// Export renders the entries matching q in the requested format.
func (s *AuditStore) Export(q AuditQuery, format ExportFormat) (string, error) {
	entries, err := s.Query(q)
	if err != nil {
		return "", err
	}
	switch format {
	case ExportJSON:
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return "", err
		}
		return string(data), nil
	case ExportCSV:
		return exportCSV(entries)
	case ExportHTML:
		return exportHTML(entries)
	default:
		return "", fmt.Errorf("unknown export format: %s", format)
	}
}

func exportCSV(entries []AuditEntry) (string, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	header := []string{"id", "timestamp", "workflow_name", "workflow_id", "autonomy_level",
		"operation", "target", "approved", "executed_by", "outcome", "error_message"}
	if err := w.Write(header); err != nil {
		return "", err
	}
	for _, e := range entries {
		row := []string{e.ID, strconv.FormatInt(e.Timestamp, 10), e.WorkflowName, e.WorkflowID,
			e.AutonomyLevel, e.Operation, e.Target, strconv.FormatBool(e.Approved),
			e.ExecutedBy, e.Outcome, e.ErrorMessage}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	return sb.String(), w.Error()
}

var htmlReportTmpl = template.Must(template.New("audit").Parse(`<!DOCTYPE html>
<html><head><title>Audit Report</title><style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; }
.denied { background: #fdd; }
</style></head><body>
<h1>Audit Report</h1>
<p>Total: {{.Total}} | Approved: {{.Approved}} | Denied: {{.Denied}} | Failures: {{.Failures}}</p>
<table><tr><th>Time</th><th>Workflow</th><th>Level</th><th>Operation</th><th>Target</th><th>Approved</th><th>Outcome</th><th>Error</th></tr>
{{range .Entries}}<tr{{if not .Approved}} class="denied"{{end}}>
<td>{{.Time}}</td><td>{{.WorkflowName}}</td><td>{{.AutonomyLevel}}</td><td>{{.Operation}}</td>
<td>{{.Target}}</td><td>{{.Approved}}</td><td>{{.Outcome}}</td><td>{{.ErrorMessage}}</td></tr>
{{end}}</table></body></html>
`))

func exportHTML(entries []AuditEntry) (string, error) {
	type row struct {
		AuditEntry
		Time string
	}
	report := struct {
		Total, Approved, Denied, Failures int
		Entries                           []row
	}{Total: len(entries)}
	for _, e := range entries {
		if e.Approved {
			report.Approved++
		} else {
			report.Denied++
		}
		if e.Outcome == "failure" {
			report.Failures++
		}
		report.Entries = append(report.Entries, row{
			AuditEntry: e,
			Time:       time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339),
		})
	}
	var sb strings.Builder
	if err := htmlReportTmpl.Execute(&sb, report); err != nil {
		return "", err
	}
	return sb.String(), nil
}
