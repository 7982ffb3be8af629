package cmd

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Repair differences between the embedding index and the case store",
	Long: `Bring the embedding index back in line with the case store:

  - retry queued index removals of closed cases
  - purge registrations that never completed
  - remove index entries without an open or resolved case
  - restore missing entries of open and resolved cases from their stored vectors

Safe to run at any time; a second run right after the first changes nothing.`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().Bool("json", false, "Output as JSON")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.reconciler()
	if err != nil {
		return err
	}

	jsonOutput := mustGetBool(cmd, "json")
	var bar *progressbar.ProgressBar
	if !jsonOutput {
		bar = progressbar.NewOptions(4,
			progressbar.OptionSetDescription("Reconciling"),
			progressbar.OptionShowCount(),
			progressbar.OptionFullWidth(),
		)
		r.OnProgress = func(step string) {
			bar.Describe(step)
			_ = bar.Add(1)
		}
	}

	report, err := r.Run(ctx)
	if bar != nil {
		fmt.Println()
	}
	if err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}

	if jsonOutput {
		if err := outputJSON(report); err != nil {
			return err
		}
	} else {
		fmt.Printf("Reconciliation %s: %d queued removals done, %d abandoned registrations purged, "+
			"%d stale entries removed, %d entries restored (%d entries indexed)\n",
			report.RunID, report.Drained, report.PendingPurged, report.Removed, report.Restored, a.index.Count())
	}

	if report.Failures > 0 {
		return fmt.Errorf("%d repairs failed; see logs and run again", report.Failures)
	}
	return nil
}
