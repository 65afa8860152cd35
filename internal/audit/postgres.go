package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL audit store. It expects the
// database and schema to already exist (created via migrations).
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL creates a new PostgreSQL audit store from a
// connection URL.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Save stores or updates an evaluation record.
func (s *PostgresStore) Save(ctx context.Context, record *Record) error {
	now := time.Now()

	findingsJSON, err := encodeFindings(record.Findings)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO evaluations (
			evaluation_id, guideline_version, fact_hash, eptb_site,
			critical_count, warning_count, info_count,
			findings, acknowledged, reviewer_notes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (evaluation_id) DO UPDATE SET
			guideline_version = EXCLUDED.guideline_version,
			fact_hash = EXCLUDED.fact_hash,
			eptb_site = EXCLUDED.eptb_site,
			critical_count = EXCLUDED.critical_count,
			warning_count = EXCLUDED.warning_count,
			info_count = EXCLUDED.info_count,
			findings = EXCLUDED.findings,
			acknowledged = EXCLUDED.acknowledged,
			reviewer_notes = EXCLUDED.reviewer_notes,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`

	err = s.db.QueryRowContext(ctx, query,
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
	).Scan(&record.ID, &record.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}

	record.UpdatedAt = now
	return nil
}

// Get retrieves a record by evaluation id.
func (s *PostgresStore) Get(ctx context.Context, evaluationID string) (*Record, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM evaluations
		WHERE evaluation_id = $1
		LIMIT 1
	`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, evaluationID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// List returns records newest-first with pagination.
func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Record, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM evaluations
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
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
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM evaluations").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// Delete removes a record by ID.
func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM evaluations WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// pgMaxExportLimit is the maximum number of entries to export at once.
const pgMaxExportLimit = 1000000

// ExportJSON exports all records to a JSON writer.
func (s *PostgresStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	all, err := s.List(ctx, pgMaxExportLimit, 0)
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
func (s *PostgresStore) ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error) {
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
