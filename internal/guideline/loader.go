package guideline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/eptb-dst-server/internal/domain"
)

// Dataset is the external interchange form of a guideline table: a version
// string plus the flat rule list. Datasets are edited by guideline
// maintainers, not by code.
type Dataset struct {
	Version string                 `json:"version"`
	Rules   []domain.GuidelineRule `json:"rules"`
}

// FromDataset builds a validated table from a decoded dataset.
func FromDataset(ds *Dataset) (*Table, error) {
	return New(ds.Version, ds.Rules)
}

// Decode reads a JSON dataset from r and builds a validated table.
func Decode(r io.Reader) (*Table, error) {
	var ds Dataset
	if err := json.NewDecoder(r).Decode(&ds); err != nil {
		return nil, &domain.TableLoadError{Cause: fmt.Errorf("decoding dataset: %w", err)}
	}
	return FromDataset(&ds)
}

// LoadFile loads and validates a JSON dataset file.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &domain.TableLoadError{Cause: fmt.Errorf("opening dataset file: %w", err)}
	}
	defer f.Close()
	return Decode(f)
}
