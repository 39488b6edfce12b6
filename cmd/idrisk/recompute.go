package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/idrisk/internal/falsepositive"
	"github.com/lvonguyen/idrisk/internal/remediation"
	"github.com/lvonguyen/idrisk/internal/report"
)

func newRecomputeCmd(a *app) *cobra.Command {
	var (
		reportPath string
		marksPath  string
		out        string
	)

	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Recompute a stored report under a set of false-positive marks",
		Long: `recompute reads a report document and an optional YAML marks file and
prints the recomputed scores. Nothing but the document is consulted, so the
result is the same on any machine.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, err := report.Read(reportPath)
			if err != nil {
				return err
			}
			if err := report.Verify(doc); err != nil {
				return err
			}

			marks, err := loadMarks(marksPath, doc.Exclusions)
			if err != nil {
				return err
			}
			updated, err := report.Apply(doc, marks)
			if err != nil {
				return err
			}
			a.logger.Info("Report recomputed",
				zap.String("report_id", doc.ReportID),
				zap.Int("marks", len(marks)),
				zap.Int("overall_before", doc.Result.Summary.OverallScore),
				zap.Int("overall_after", updated.Result.Summary.OverallScore),
			)

			if out != "" {
				path, err := report.Write(out, updated)
				if err != nil {
					return err
				}
				a.logger.Info("Recomputed report written", zap.String("path", path))
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"report_id":  updated.ReportID,
				"account":    updated.Account,
				"result":     updated.Result,
				"exclusions": updated.Exclusions,
				"actions":    remediation.NewPlanner().Build(updated).Actions,
			})
		},
	}

	cmd.Flags().StringVar(&reportPath, "report", "", "Path to a report document")
	cmd.Flags().StringVar(&marksPath, "marks", "", "Path to a YAML marks file (default: the report's own exclusions)")
	cmd.Flags().StringVar(&out, "out", "", "Write the recomputed document to this directory")
	_ = cmd.MarkFlagRequired("report")
	return cmd
}

// loadMarks reads the marks file, or falls back to the document's stored
// exclusions when no file is given.
func loadMarks(path string, stored []falsepositive.Mark) (falsepositive.Set, error) {
	if path == "" {
		return falsepositive.NewSet(stored...), nil
	}
	marks, err := falsepositive.LoadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("marks file %s does not exist", path)
	}
	return marks, err
}
