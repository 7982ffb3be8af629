package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/kozaktomas/child-finder/internal/retention"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Erase closed cases older than the retention period",
	Long: `Permanently delete closed cases whose last update is more than
RETENTION_DAYS whole days old, and securely erase their photos.

Without --force the sweep only runs when the retention schedule is due
(by default on the first day of the month).

Examples:
  child-finder sweep
  child-finder sweep --force --json`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().Bool("force", false, "Run even when the schedule is not due")
	sweepCmd.Flags().Bool("json", false, "Output as JSON")
}

// SweepOutput is the JSON form of the sweep command.
type SweepOutput struct {
	RunID        string   `json:"run_id"`
	Skipped      bool     `json:"skipped,omitempty"`
	Selected     int      `json:"selected"`
	Deleted      int      `json:"deleted"`
	BlobsErased  int      `json:"blobs_erased"`
	BlobsMissing int      `json:"blobs_missing"`
	BlobFailures []string `json:"blob_failures,omitempty"`
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	jsonOutput := mustGetBool(cmd, "json")
	now := time.Now()

	schedule, err := a.schedule()
	if err != nil {
		return err
	}
	if !mustGetBool(cmd, "force") && !schedule.Due(now) {
		if jsonOutput {
			return outputJSON(SweepOutput{Skipped: true})
		}
		fmt.Printf("Sweep not due (%s, next at %s); use --force to run now\n",
			schedule, schedule.Next(now).Format(time.DateOnly))
		return nil
	}

	sweeper, err := a.sweeper()
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if !jsonOutput {
		sweeper.OnRecord = func(done, total int) {
			if bar == nil {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetDescription("Erasing expired cases"),
					progressbar.OptionShowCount(),
					progressbar.OptionShowElapsedTimeOnFinish(),
					progressbar.OptionFullWidth(),
				)
			}
			_ = bar.Set(done)
		}
	}

	report, err := sweeper.Sweep(ctx, now)
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	if err != nil {
		return fmt.Errorf("retention sweep failed: %w", err)
	}

	out := SweepOutput{
		RunID:        report.RunID,
		Selected:     report.Selected,
		Deleted:      report.Deleted,
		BlobsErased:  report.BlobsErased,
		BlobsMissing: report.BlobsMissing,
	}
	for _, f := range report.BlobFailures {
		out.BlobFailures = append(out.BlobFailures, f.Error())
	}

	if jsonOutput {
		if err := outputJSON(out); err != nil {
			return err
		}
	} else {
		fmt.Printf("Sweep %s: %d cases deleted, %d photos erased, %d already missing\n",
			out.RunID, out.Deleted, out.BlobsErased, out.BlobsMissing)
		for _, f := range out.BlobFailures {
			fmt.Printf("  failed: %s\n", f)
		}
	}

	if len(report.BlobFailures) > 0 {
		return fmt.Errorf("%d photos could not be erased", len(report.BlobFailures))
	}
	return nil
}

// sweepJob adapts a sweeper to the scheduler.
func sweepJob(sweeper *retention.Sweeper) retention.Job {
	return func(ctx context.Context, now time.Time) error {
		_, err := sweeper.Sweep(ctx, now)
		return err
	}
}
