// Package repository persists versioned guideline datasets so rule
// revisions can be distributed and activated without redeploying the
// engine.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/eptb-dst-server/internal/domain"
	"github.com/eptb-dst-server/internal/guideline"
)

// RuleSetRevision is one stored guideline dataset. Exactly one revision is
// active at a time; the engine loads the active revision at startup.
type RuleSetRevision struct {
	ID        int64     `json:"id"`
	Version   string    `json:"version"`
	Source    string    `json:"source"`
	RuleCount int       `json:"rule_count"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`

	Dataset guideline.Dataset `json:"dataset"`
}

// RuleSetRepository handles guideline dataset persistence.
type RuleSetRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewRuleSetRepository creates a new guideline dataset repository.
func NewRuleSetRepository(db *pgxpool.Pool, logger *logrus.Logger) *RuleSetRepository {
	return &RuleSetRepository{db: db, log: logger}
}

// Create stores a new dataset revision. The dataset must pass table
// validation before it is accepted; a revision that cannot be loaded must
// never reach the database.
func (r *RuleSetRepository) Create(ctx context.Context, dataset *guideline.Dataset, source string) (*RuleSetRevision, error) {
	table, err := guideline.FromDataset(dataset)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(dataset)
	if err != nil {
		return nil, fmt.Errorf("encoding dataset: %w", err)
	}

	query := `
		INSERT INTO guideline_revisions (version, source, rule_count, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	rev := &RuleSetRevision{
		Version:   dataset.Version,
		Source:    source,
		RuleCount: table.Len(),
		Dataset:   *dataset,
	}
	err = r.db.QueryRow(ctx, query, dataset.Version, source, table.Len(), payload).
		Scan(&rev.ID, &rev.CreatedAt)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"version": dataset.Version,
			"error":   err,
		}).Error("Failed to store guideline revision")
		return nil, fmt.Errorf("creating guideline revision: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"version": dataset.Version,
		"rules":   table.Len(),
		"source":  source,
	}).Info("Guideline revision stored")

	return rev, nil
}

const revisionColumns = `id, version, source, rule_count, active, created_at, payload`

func scanRevision(row pgx.Row) (*RuleSetRevision, error) {
	var rev RuleSetRevision
	var payload []byte

	err := row.Scan(&rev.ID, &rev.Version, &rev.Source, &rev.RuleCount,
		&rev.Active, &rev.CreatedAt, &payload)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payload, &rev.Dataset); err != nil {
		return nil, fmt.Errorf("decoding dataset payload: %w", err)
	}
	return &rev, nil
}

// GetByVersion retrieves a revision by its dataset version.
func (r *RuleSetRepository) GetByVersion(ctx context.Context, version string) (*RuleSetRevision, error) {
	query := `SELECT ` + revisionColumns + ` FROM guideline_revisions WHERE version = $1`

	rev, err := scanRevision(r.db.QueryRow(ctx, query, version))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("guideline revision %s: %w", version, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"version": version,
			"error":   err,
		}).Error("Failed to get guideline revision")
		return nil, fmt.Errorf("getting guideline revision: %w", err)
	}
	return rev, nil
}

// GetActive retrieves the currently active revision.
func (r *RuleSetRepository) GetActive(ctx context.Context) (*RuleSetRevision, error) {
	query := `SELECT ` + revisionColumns + ` FROM guideline_revisions WHERE active LIMIT 1`

	rev, err := scanRevision(r.db.QueryRow(ctx, query))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("no active guideline revision: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting active guideline revision: %w", err)
	}
	return rev, nil
}

// Activate marks the given version active and deactivates every other
// revision, in one transaction.
func (r *RuleSetRepository) Activate(ctx context.Context, version string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning activation transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE guideline_revisions SET active = FALSE WHERE active`); err != nil {
		return fmt.Errorf("deactivating revisions: %w", err)
	}

	tag, err := tx.Exec(ctx, `UPDATE guideline_revisions SET active = TRUE WHERE version = $1`, version)
	if err != nil {
		return fmt.Errorf("activating revision: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("guideline revision %s: %w", version, domain.ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing activation: %w", err)
	}

	r.log.WithField("version", version).Info("Guideline revision activated")
	return nil
}

// List returns revisions newest-first with pagination.
func (r *RuleSetRepository) List(ctx context.Context, limit, offset int) ([]*RuleSetRevision, error) {
	query := `
		SELECT ` + revisionColumns + `
		FROM guideline_revisions
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing guideline revisions: %w", err)
	}
	defer rows.Close()

	var revisions []*RuleSetRevision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning revision row: %w", err)
		}
		revisions = append(revisions, rev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating revision rows: %w", err)
	}
	return revisions, nil
}

// Delete removes a revision. The active revision cannot be deleted.
func (r *RuleSetRepository) Delete(ctx context.Context, version string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM guideline_revisions WHERE version = $1 AND NOT active`, version)
	if err != nil {
		return fmt.Errorf("deleting guideline revision: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("guideline revision %s not deletable: %w", version, domain.ErrNotFound)
	}

	r.log.WithField("version", version).Info("Guideline revision deleted")
	return nil
}
