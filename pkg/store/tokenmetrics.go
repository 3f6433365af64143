package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/coderelay/relay/pkg/constants"
	"github.com/coderelay/relay/pkg/logger"
)

var tokenLog = logger.New("audit:tokenmetrics")

// File classification buckets for token-savings metrics.
const (
	FileClassSmall  = "small"
	FileClassMedium = "medium"
	FileClassLarge  = "large"
	FileClassXLarge = "xlarge"
)

// ClassifyFileSize buckets a file by line count.
func ClassifyFileSize(lines int) string {
	switch {
	case lines < constants.SmallFileMaxLines:
		return FileClassSmall
	case lines <= constants.MediumFileMaxLines:
		return FileClassMedium
	case lines <= constants.LargeFileMaxLines:
		return FileClassLarge
	default:
		return FileClassXLarge
	}
}

// TokenSaving records one tool-suggestion and its estimated savings in
// provider-token units. Reporting only.
type TokenSaving struct {
	ID               string `db:"id" json:"id"`
	Timestamp        int64  `db:"timestamp" json:"timestamp"`
	SuggestedTool    string `db:"suggested_tool" json:"suggested_tool"`
	EstimatedSavings int64  `db:"estimated_savings" json:"estimated_savings"`
	FileClass        string `db:"file_class" json:"file_class"`
}

// TokenMetricsStore persists token-savings suggestions.
type TokenMetricsStore struct {
	db *sqlx.DB
}

// OpenTokenMetricsStore opens (and migrates) the token-metrics database.
func OpenTokenMetricsStore(dataDir string) (*TokenMetricsStore, error) {
	db, err := openDB(dataDir, TokenMetricsDBFile, "tokenmetrics")
	if err != nil {
		return nil, err
	}
	return &TokenMetricsStore{db: db}, nil
}

// Record inserts one saving suggestion. Best effort.
func (s *TokenMetricsStore) Record(saving TokenSaving) {
	if saving.ID == "" {
		saving.ID = uuid.NewString()
	}
	if saving.Timestamp == 0 {
		saving.Timestamp = time.Now().UnixMilli()
	}
	_, err := s.db.NamedExec(`INSERT INTO token_savings
		(id, timestamp, suggested_tool, estimated_savings, file_class)
		VALUES (:id, :timestamp, :suggested_tool, :estimated_savings, :file_class)`, &saving)
	if err != nil {
		tokenLog.Errorf("Failed to record token saving: %v", err)
	}
}

// SavingsByClass is one row of the aggregate report.
type SavingsByClass struct {
	FileClass    string `db:"file_class" json:"file_class"`
	Count        int64  `db:"count" json:"count"`
	TotalSavings int64  `db:"total_savings" json:"total_savings"`
}

// Report aggregates savings per file class since the given ms timestamp.
func (s *TokenMetricsStore) Report(since int64) ([]SavingsByClass, error) {
	var rows []SavingsByClass
	err := s.db.Select(&rows, `SELECT file_class, COUNT(*) AS count,
		COALESCE(SUM(estimated_savings), 0) AS total_savings
		FROM token_savings WHERE timestamp >= ?
		GROUP BY file_class ORDER BY total_savings DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("token savings report failed: %w", err)
	}
	return rows, nil
}

// Close closes the database.
func (s *TokenMetricsStore) Close() error { return s.db.Close() }
