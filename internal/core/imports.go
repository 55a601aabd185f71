package core

import (
	"context"
	"errors"
	"io"

	"fieldtrials/internal/config"
	"fieldtrials/internal/frictionless"
	"fieldtrials/internal/importer"
	"fieldtrials/pkg/domain"
)

// ImportOptions derives import defaults from configuration.
func ImportOptions(cfg config.Config) importer.Options {
	return importer.Options{
		IndexColumn:  cfg.IndexColumn,
		NumericIndex: cfg.NumericIndex,
		MaxRows:      cfg.ImportMaxRows,
		StrictMode:   cfg.ImportStrict,
	}
}

func (s *Service) importOptions(opts importer.Options) importer.Options {
	d := s.importDefaults
	if opts.IndexColumn == "" {
		opts.IndexColumn = d.IndexColumn
	}
	if opts.MaxRows == 0 {
		opts.MaxRows = d.MaxRows
	}
	if opts.Parameter == "" {
		opts.Parameter = d.Parameter
	}
	opts.NumericIndex = opts.NumericIndex || d.NumericIndex
	opts.StrictMode = opts.StrictMode || d.StrictMode
	return opts
}

func studyNotFound(studyID string, err error) error {
	if errors.Is(err, importer.ErrStudyNotFound) || errors.Is(err, frictionless.ErrStudyNotFound) {
		return ErrNotFound{Entity: domain.EntityStudy, ID: studyID}
	}
	return err
}

// ImportPlots checks a parsed sheet for duplicates and stores its accepted rows
// in the study. Row problems are reported in the returned report.
func (s *Service) ImportPlots(ctx context.Context, studyID string, sheet importer.Sheet, opts importer.Options) (importer.Report, error) {
	var report importer.Report
	err := s.observe(ctx, "import_plots", func(ctx context.Context) error {
		var err error
		report, err = s.importer.ImportPlots(ctx, studyID, sheet, s.importOptions(opts))
		return studyNotFound(studyID, err)
	})
	return report, err
}

// ImportUpload parses an uploaded CSV or XLSX file and imports it like
// ImportPlots, archiving the raw upload when a blob store is configured.
func (s *Service) ImportUpload(ctx context.Context, studyID, name string, r io.Reader, opts importer.Options) (importer.Report, error) {
	var report importer.Report
	err := s.observe(ctx, "import_upload", func(ctx context.Context) error {
		var err error
		report, err = s.importer.ImportUpload(ctx, studyID, name, r, s.importOptions(opts))
		return studyNotFound(studyID, err)
	})
	return report, err
}

// ExportStudy writes the study as a Frictionless Data Package to the blob store.
func (s *Service) ExportStudy(ctx context.Context, studyID string) (frictionless.Package, error) {
	var pkg frictionless.Package
	err := s.observe(ctx, "export_study", func(ctx context.Context) error {
		var err error
		pkg, err = s.exporter.Export(ctx, studyID)
		return studyNotFound(studyID, err)
	})
	return pkg, err
}
