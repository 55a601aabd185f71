package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"fieldtrials/internal/importer"
)

func newImportCmd() *cobra.Command {
	var (
		studyID string
		opts    importer.Options
	)
	cmd := &cobra.Command{
		Use:   "import --study ID FILE",
		Short: "Import a CSV or XLSX plot sheet into a study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			report, err := a.svc.ImportUpload(cmd.Context(), studyID, filepath.Base(args[0]), f, opts)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.OK() {
				return fmt.Errorf("%d of %d rows rejected", len(report.Errors), report.Rows)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&studyID, "study", "", "target study ID (required)")
	cmd.Flags().StringVar(&opts.IndexColumn, "index-column", "", "column holding the external plot index")
	cmd.Flags().BoolVar(&opts.NumericIndex, "numeric-index", false, "require integer plot indexes")
	cmd.Flags().BoolVar(&opts.StrictMode, "strict", false, "store nothing when any row fails")
	cmd.Flags().IntVar(&opts.MaxRows, "max-rows", 0, "reject rows beyond this many (0 is unbounded)")
	_ = cmd.MarkFlagRequired("study")
	return cmd
}

func newExportCmd() *cobra.Command {
	var studyID string
	cmd := &cobra.Command{
		Use:   "export --study ID",
		Short: "Write a study as a Frictionless Data Package to blob storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			pkg, err := a.svc.ExportStudy(cmd.Context(), studyID)
			if err != nil {
				return err
			}
			for _, key := range pkg.Keys {
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&studyID, "study", "", "study ID (required)")
	_ = cmd.MarkFlagRequired("study")
	return cmd
}
