package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/selfie-check/internal/annotator"
	"github.com/example/selfie-check/internal/logging"
	"github.com/example/selfie-check/internal/sheet"
)

func newAnnotateCommand(root *rootOptions) *cobra.Command {
	var (
		outputPath string
		workers    int
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "annotate [input.xlsx|input.csv]",
		Short: "Fill every non-selfie row of a spreadsheet in red",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if workers > 0 {
				cfg.Annotate.Workers = workers
			}

			logger, err := logging.NewConsoleLogger(verbose)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx := cmd.Context()
			adapter, closeScorer, err := buildClassifier(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeScorer() //nolint:errcheck

			inputPath := args[0]
			doc, err := sheet.LoadFile(inputPath)
			if err != nil {
				return err
			}
			defer doc.Close()

			ann := annotator.New(adapter, annotator.Config{Workers: cfg.Annotate.Workers}, logger)
			report, err := ann.Annotate(ctx, doc)
			if err != nil {
				return err
			}

			if outputPath == "" {
				outputPath = filepath.Join(filepath.Dir(inputPath), sheet.OutputName(inputPath, cfg.Annotate.OutputSuffix))
			}
			if err := doc.SaveAs(outputPath); err != nil {
				return err
			}

			logger.Debug("output written", zap.String("path", outputPath), zap.Int("selfies", report.Selfies))
			fmt.Fprintf(cmd.OutOrStdout(), "selfie check completed: %s\n", outputPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output workbook path (default: <input>_checked.xlsx next to the input)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Number of rows classified concurrently")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	return cmd
}
