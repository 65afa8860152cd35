// Package main provides the standalone entry point for the EPTB regimen
// checker. It reads one patient record as JSON, prints the assessment, and
// keeps a local SQLite audit trail. No external services are required.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eptb-dst-server/internal/audit"
	"github.com/eptb-dst-server/internal/config"
	"github.com/eptb-dst-server/internal/domain"
	"github.com/eptb-dst-server/internal/engine"
	"github.com/eptb-dst-server/internal/guideline"
	"github.com/eptb-dst-server/internal/normalize"
	"github.com/eptb-dst-server/internal/report"
)

func main() {
	cfg := config.LoadLiteConfig()
	logger := newLogger(cfg)

	if err := cfg.EnsureDataDir(); err != nil {
		logger.WithError(err).Fatal("Failed to create data directory")
	}

	if len(os.Args) > 1 && os.Args[1] == "export" {
		if err := runExport(cfg, logger); err != nil {
			logger.WithError(err).Fatal("Export failed")
		}
		return
	}

	if err := runEvaluate(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Evaluation failed")
	}
}

// newLogger builds the CLI logger; output goes to stderr so the report on
// stdout stays clean.
func newLogger(cfg *config.LiteConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.ToLower(cfg.LogFormat) == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logger
}

// runEvaluate reads a raw patient record from a file argument or stdin,
// evaluates it, prints the report, and records the outcome in the local
// audit database. Exits non-zero when critical findings are present.
func runEvaluate(cfg *config.LiteConfig, logger *logrus.Logger) error {
	record, err := readRecord()
	if err != nil {
		return err
	}

	table, err := loadTable(cfg)
	if err != nil {
		return err
	}

	normalizer, err := normalize.New(normalize.DefaultRenalBands())
	if err != nil {
		return err
	}

	evaluator, err := engine.NewEvaluator(table, normalizer, logger, cfg.CacheSize)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := evaluator.Evaluate(ctx, record)
	if err != nil {
		fmt.Fprintln(os.Stderr, report.RenderError(err))
		if _, ok := domain.IsNormalizationError(err); ok {
			os.Exit(2)
		}
		return err
	}

	fmt.Print(report.RenderText(result))

	store, err := audit.NewSQLiteStore(cfg.AuditDBPath())
	if err != nil {
		// The assessment already printed; an unavailable audit database
		// should not hide it.
		logger.WithError(err).Warn("Audit database unavailable, evaluation not recorded")
		return nil
	}
	defer store.Close()

	rec := &audit.Record{
		EvaluationID:     result.EvaluationID,
		GuidelineVersion: result.GuidelineVersion,
		FactHash:         result.FactHash,
		EPTBSite:         string(result.Fact.EPTBSite),
		CriticalCount:    result.Summary.Critical,
		WarningCount:     result.Summary.Warning,
		InfoCount:        result.Summary.Info,
		Findings:         result.Findings,
	}
	if err := store.Save(ctx, rec); err != nil {
		logger.WithError(err).Warn("Failed to record evaluation in audit trail")
	}

	if result.Summary.Critical > 0 {
		os.Exit(1)
	}
	return nil
}

// runExport writes the full audit trail as JSON into the export directory.
func runExport(cfg *config.LiteConfig, logger *logrus.Logger) error {
	store, err := audit.NewSQLiteStore(cfg.AuditDBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	path := fmt.Sprintf("%s/evaluations-%s.json", cfg.ExportDir(), time.Now().UTC().Format("20060102-150405"))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := store.ExportJSON(ctx, f); err != nil {
		return err
	}

	logger.WithField("path", path).Info("Audit trail exported")
	return nil
}

// readRecord decodes the patient record from the first argument (a file
// path, or "-" for stdin) or from stdin when no argument is given.
func readRecord() (*domain.RawPatientRecord, error) {
	var reader io.Reader = os.Stdin
	if len(os.Args) > 1 && os.Args[1] != "-" {
		f, err := os.Open(os.Args[1])
		if err != nil {
			return nil, fmt.Errorf("failed to open record file: %w", err)
		}
		defer f.Close()
		reader = f
	}

	var record domain.RawPatientRecord
	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&record); err != nil {
		return nil, fmt.Errorf("failed to decode patient record: %w", err)
	}
	return &record, nil
}

// loadTable uses the configured dataset file when present, the built-in
// WHO table otherwise.
func loadTable(cfg *config.LiteConfig) (*guideline.Table, error) {
	if cfg.DatasetPath != "" {
		return guideline.LoadFile(cfg.DatasetPath)
	}
	return guideline.Builtin()
}
