package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/eptb-dst-server/internal/domain"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a new SQLite audit store. It creates the database
// file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS evaluations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		evaluation_id TEXT NOT NULL UNIQUE,
		guideline_version TEXT NOT NULL,
		fact_hash TEXT NOT NULL,
		eptb_site TEXT NOT NULL,
		critical_count INTEGER NOT NULL DEFAULT 0,
		warning_count INTEGER NOT NULL DEFAULT 0,
		info_count INTEGER NOT NULL DEFAULT 0,
		findings TEXT NOT NULL DEFAULT '[]',
		acknowledged INTEGER NOT NULL DEFAULT 0,
		reviewer_notes TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_fact_hash ON evaluations(fact_hash);
	CREATE INDEX IF NOT EXISTS idx_guideline_version ON evaluations(guideline_version);
	CREATE INDEX IF NOT EXISTS idx_eval_created_at ON evaluations(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanRecord scans a row into a Record, decoding the findings column.
func scanRecord(s scanner) (*Record, error) {
	rec := &Record{}
	var findingsJSON string

	err := s.Scan(
		&rec.ID, &rec.EvaluationID, &rec.GuidelineVersion, &rec.FactHash,
		&rec.EPTBSite, &rec.CriticalCount, &rec.WarningCount, &rec.InfoCount,
		&findingsJSON, &rec.Acknowledged, &rec.ReviewerNotes,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(findingsJSON), &rec.Findings); err != nil {
		return nil, fmt.Errorf("failed to decode findings: %w", err)
	}
	return rec, nil
}

func encodeFindings(findings []domain.Finding) (string, error) {
	if findings == nil {
		findings = []domain.Finding{}
	}
	data, err := json.Marshal(findings)
	if err != nil {
		return "", fmt.Errorf("failed to encode findings: %w", err)
	}
	return string(data), nil
}

// Save stores or updates an evaluation record.
func (s *SQLiteStore) Save(ctx context.Context, record *Record) error {
	now := time.Now()

	findingsJSON, err := encodeFindings(record.Findings)
	if err != nil {
		return err
	}

	// Check if exists
	var existingID int64
	err = s.db.QueryRowContext(ctx,
		"SELECT id FROM evaluations WHERE evaluation_id = ?",
		record.EvaluationID,
	).Scan(&existingID)

	if err == nil {
		record.ID = existingID
		record.UpdatedAt = now

		_, err = s.db.ExecContext(ctx, `
			UPDATE evaluations SET
				guideline_version = ?,
				fact_hash = ?,
				eptb_site = ?,
				critical_count = ?,
				warning_count = ?,
				info_count = ?,
				findings = ?,
				acknowledged = ?,
				reviewer_notes = ?,
				updated_at = ?
			WHERE id = ?
		`,
			record.GuidelineVersion,
			record.FactHash,
			record.EPTBSite,
			record.CriticalCount,
			record.WarningCount,
			record.InfoCount,
			findingsJSON,
			record.Acknowledged,
			record.ReviewerNotes,
			now,
			existingID,
		)
		return err
	}

	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check existing: %w", err)
	}

	record.CreatedAt = now
	record.UpdatedAt = now

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO evaluations (
			evaluation_id, guideline_version, fact_hash, eptb_site,
			critical_count, warning_count, info_count,
			findings, acknowledged, reviewer_notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.EvaluationID,
		record.GuidelineVersion,
		record.FactHash,
		record.EPTBSite,
		record.CriticalCount,
		record.WarningCount,
		record.InfoCount,
		findingsJSON,
		record.Acknowledged,
		record.ReviewerNotes,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get insert ID: %w", err)
	}
	record.ID = id

	return nil
}

const selectColumns = `id, evaluation_id, guideline_version, fact_hash, eptb_site,
	critical_count, warning_count, info_count,
	findings, acknowledged, reviewer_notes, created_at, updated_at`

// Get retrieves a record by evaluation id.
func (s *SQLiteStore) Get(ctx context.Context, evaluationID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM evaluations
		WHERE evaluation_id = ?
		LIMIT 1
	`, evaluationID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return rec, nil
}

// List returns records newest-first with pagination.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM evaluations
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// Count returns the total number of records.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM evaluations").Scan(&count)
	return count, err
}

// Delete removes a record by ID.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM evaluations WHERE id = ?", id)
	return err
}

// maxExportLimit is the maximum number of entries to export at once.
const maxExportLimit = 1000000

// ExportJSON exports all records to a JSON writer.
func (s *SQLiteStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	all, err := s.List(ctx, maxExportLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}

	export := &Export{
		Version:    "1.0",
		ExportedAt: time.Now(),
		Count:      len(all),
		Records:    all,
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

// ImportJSON imports records from a JSON reader.
func (s *SQLiteStore) ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error) {
	var export Export
	if err := json.NewDecoder(reader).Decode(&export); err != nil {
		return 0, 0, fmt.Errorf("failed to decode JSON: %w", err)
	}

	for _, rec := range export.Records {
		existing, err := s.Get(ctx, rec.EvaluationID)
		if err != nil {
			return imported, skipped, fmt.Errorf("failed to check existing: %w", err)
		}

		if existing != nil {
			skipped++
			continue
		}

		if err := s.Save(ctx, rec); err != nil {
			return imported, skipped, fmt.Errorf("failed to save: %w", err)
		}
		imported++
	}

	return imported, skipped, nil
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
