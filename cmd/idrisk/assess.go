package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/idrisk/internal/assessment"
)

func newAssessCmd(a *app) *cobra.Command {
	var (
		accounts  []string
		snapshots string
		out       string
	)

	cmd := &cobra.Command{
		Use:   "assess [account...]",
		Short: "Assess a batch of accounts and write one report per account",
		Example: `  idrisk assess --accounts alice@contoso.com,bob@contoso.com
  idrisk assess --snapshots ./exports --out ./reports carol@contoso.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			batch := normalizeAccounts(append(accounts, args...))
			if len(batch) == 0 {
				return fmt.Errorf("no accounts given: use --accounts or pass them as arguments")
			}
			if snapshots == "" {
				snapshots = a.cfg.Reports.SnapshotDir
			}
			if out == "" {
				out = a.cfg.Reports.OutputDir
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runner, cleanup, err := a.runner(ctx, snapshots, out)
			if err != nil {
				return err
			}
			defer cleanup.close()

			return runBatch(ctx, cmd, a, runner, batch, out)
		},
	}

	cmd.Flags().StringSliceVar(&accounts, "accounts", nil, "Comma separated account identifiers")
	cmd.Flags().StringVar(&snapshots, "snapshots", "", "Directory of per-account telemetry exports (default from config)")
	cmd.Flags().StringVar(&out, "out", "", "Directory for report documents (default from config)")
	return cmd
}

func runBatch(ctx context.Context, cmd *cobra.Command, a *app, runner *assessment.Runner, accounts []string, out string) error {
	res := runner.Run(ctx, accounts)

	path, err := assessment.WriteSummary(out, res)
	if err != nil {
		return err
	}
	a.logger.Info("Batch summary written", zap.String("path", path))

	printOutcomes(cmd, res.Succeeded)
	if summary := res.FailureSummary(); summary != "" {
		fmt.Fprint(cmd.ErrOrStderr(), summary)
		return fmt.Errorf("%d of %d accounts failed", len(res.Failed), len(accounts))
	}
	return nil
}

func printOutcomes(cmd *cobra.Command, outcomes []assessment.Outcome) {
	if len(outcomes) == 0 {
		return
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tOVERALL\tLEVEL\tTRIGGERED\tDEGRADED\tREPORT")
	for _, o := range outcomes {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\t%s\n",
			o.Account, o.Summary.OverallScore, o.Summary.Level, o.Triggered, o.Degraded, o.ReportPath)
	}
	_ = tw.Flush()
}

// normalizeAccounts trims and de-duplicates, keeping first-seen order.
func normalizeAccounts(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}
