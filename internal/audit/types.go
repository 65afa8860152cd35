// Package audit provides persistence for completed regimen evaluations.
// Every served evaluation leaves one record so clinic reviewers can trace
// which guideline version produced which findings.
package audit

import (
	"context"
	"io"
	"time"

	"github.com/eptb-dst-server/internal/domain"
)

// Record is one persisted evaluation outcome. Findings are stored in their
// final aggregated order; EvaluationID is unique per record and saving the
// same id again updates the reviewer fields.
type Record struct {
	ID               int64            `json:"id,omitempty"`
	EvaluationID     string           `json:"evaluation_id"`
	GuidelineVersion string           `json:"guideline_version"`
	FactHash         string           `json:"fact_hash"`
	EPTBSite         string           `json:"eptb_site"`
	CriticalCount    int              `json:"critical_count"`
	WarningCount     int              `json:"warning_count"`
	InfoCount        int              `json:"info_count"`
	Findings         []domain.Finding `json:"findings"`
	Acknowledged     bool             `json:"acknowledged"`
	ReviewerNotes    string           `json:"reviewer_notes,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Store defines the interface for evaluation audit storage.
type Store interface {
	// Save stores or updates a record. A record with the same
	// evaluation_id is updated in place.
	Save(ctx context.Context, record *Record) error

	// Get retrieves a record by evaluation id. Returns (nil, nil) when no
	// record exists.
	Get(ctx context.Context, evaluationID string) (*Record, error)

	// List returns records newest-first with pagination.
	List(ctx context.Context, limit, offset int) ([]*Record, error)

	// Count returns the total number of records.
	Count(ctx context.Context) (int64, error)

	// Delete removes a record by ID.
	Delete(ctx context.Context, id int64) error

	// ExportJSON exports all records to a JSON writer.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// ImportJSON imports records from a JSON reader, skipping evaluation
	// ids already present. Returns the number imported and skipped.
	ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error)

	// Close closes the store and releases resources.
	Close() error
}

// Export is the JSON export format.
type Export struct {
	Version    string    `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Count      int       `json:"count"`
	Records    []*Record `json:"records"`
}
