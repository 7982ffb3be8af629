package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/kozaktomas/child-finder/internal/facematch"
	"github.com/kozaktomas/child-finder/internal/lifecycle"
	"github.com/kozaktomas/child-finder/internal/notify"
	"github.com/spf13/cobra"
)

var identifyCmd = &cobra.Command{
	Use:   "identify <image|video>...",
	Short: "Identify registered children in photos or videos",
	Long: `Detect every face in the given photos or videos and match them against
open and resolved cases. All files are matched as one request; a case matched
by several faces is reported once with its best similarity.

--batch uses the looser batch threshold. --notify alerts the guardians of every
matched case; --close closes the matched cases afterwards.

Examples:
  child-finder identify cctv-frame.jpg
  child-finder identify --batch clip1.mp4 clip2.mp4
  child-finder identify found.jpg --notify --location "Gate 3, City Mall" --close`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIdentify,
}

func init() {
	rootCmd.AddCommand(identifyCmd)

	identifyCmd.Flags().Bool("batch", false, "Use the batch similarity threshold")
	identifyCmd.Flags().Bool("notify", false, "Notify the guardians of matched cases")
	identifyCmd.Flags().Bool("close", false, "Close matched cases after identification")
	identifyCmd.Flags().String("location", "", "Where the child was found (included in notifications)")
	identifyCmd.Flags().String("message", "", "Custom notification text")
	identifyCmd.Flags().Bool("json", false, "Output as JSON")
}

// MatchOutput is the JSON form of one match.
type MatchOutput struct {
	Case          CaseOutput         `json:"case"`
	Similarity    float64            `json:"similarity"`
	Notifications []NotificationInfo `json:"notifications,omitempty"`
	Closed        bool               `json:"closed,omitempty"`
}

// NotificationInfo reports one guardian alert.
type NotificationInfo struct {
	Phone  string `json:"phone"`
	Method string `json:"method,omitempty"`
	Error  string `json:"error,omitempty"`
}

// IdentifyOutput is the JSON form of the identify command.
type IdentifyOutput struct {
	Mode          string        `json:"mode"`
	Threshold     float64       `json:"threshold"`
	FacesDetected int           `json:"faces_detected"`
	FacesSearched int           `json:"faces_searched"`
	FacesSkipped  int           `json:"faces_skipped"`
	Matches       []MatchOutput `json:"matches"`
}

func runIdentify(cmd *cobra.Command, args []string) error {
	files := make([][]byte, 0, len(args))
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		files = append(files, data)
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	mode := facematch.Interactive
	if mustGetBool(cmd, "batch") {
		mode = facematch.Batch
	}
	matcher := a.matcher()

	result, err := matcher.IdentifyImages(ctx, files, mode)
	if err != nil {
		return fmt.Errorf("identification failed: %w", err)
	}

	out := IdentifyOutput{
		Mode:          mode.String(),
		Threshold:     matcher.Threshold(mode),
		FacesDetected: result.FacesDetected,
		FacesSearched: result.FacesSearched,
		FacesSkipped:  result.FacesSkipped,
		Matches:       make([]MatchOutput, 0, len(result.Matches)),
	}
	for i := range result.Matches {
		out.Matches = append(out.Matches, MatchOutput{
			Case:       toCaseOutput(&result.Matches[i].Case),
			Similarity: result.Matches[i].Similarity,
		})
	}

	var followUpErr error
	if mustGetBool(cmd, "notify") {
		followUpErr = errors.Join(followUpErr, notifyGuardians(ctx, a, cmd, out.Matches))
	}
	if mustGetBool(cmd, "close") {
		followUpErr = errors.Join(followUpErr, closeMatches(ctx, a.lifecycle(), out.Matches))
	}

	if mustGetBool(cmd, "json") {
		if err := outputJSON(out); err != nil {
			return err
		}
		return followUpErr
	}

	printIdentifyResult(out)
	return followUpErr
}

// notifyGuardians alerts every open-case guardian registered under each
// matched name, falling back to the matched case's own contact.
func notifyGuardians(ctx context.Context, a *app, cmd *cobra.Command, matches []MatchOutput) error {
	chain := a.notifier()
	template := notify.Message{
		Location: mustGetString(cmd, "location"),
		Custom:   mustGetString(cmd, "message"),
	}

	var errs []error
	for i := range matches {
		m := &matches[i]
		phones, err := a.cases.GuardianContacts(ctx, m.Case.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("looking up guardians of case %d: %w", m.Case.EmbeddingID, err))
			continue
		}
		if len(phones) == 0 && m.Case.GuardianContact != "" {
			phones = []string{m.Case.GuardianContact}
		}

		msg := template
		msg.ChildName = m.Case.Name
		for _, o := range chain.NotifyAll(ctx, phones, msg) {
			info := NotificationInfo{Phone: o.Phone, Method: o.Method}
			if o.Err != nil {
				info.Error = o.Err.Error()
				errs = append(errs, fmt.Errorf("notifying guardian of case %d: %w", m.Case.EmbeddingID, o.Err))
			}
			m.Notifications = append(m.Notifications, info)
		}
	}
	return errors.Join(errs...)
}

func closeMatches(ctx context.Context, lc *lifecycle.Manager, matches []MatchOutput) error {
	var errs []error
	for i := range matches {
		m := &matches[i]
		result, err := lc.Close(ctx, m.Case.EmbeddingID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m.Closed = true
		m.Case.Status = string(result.Case.Status)
	}
	return errors.Join(errs...)
}

func printIdentifyResult(out IdentifyOutput) {
	fmt.Printf("Faces detected: %d (searched %d, skipped %d), %s threshold %.2f\n",
		out.FacesDetected, out.FacesSearched, out.FacesSkipped, out.Mode, out.Threshold)

	if len(out.Matches) == 0 {
		fmt.Println("No match found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EMBEDDING\tNAME\tAGE\tSIMILARITY\tSTATUS\tGUARDIAN")
	fmt.Fprintln(w, "---------\t----\t---\t----------\t------\t--------")
	for _, m := range out.Matches {
		fmt.Fprintf(w, "%d\t%s\t%d\t%.3f\t%s\t%s\n",
			m.Case.EmbeddingID, m.Case.Name, m.Case.Age, m.Similarity, m.Case.Status, m.Case.GuardianContact)
	}
	w.Flush()

	for _, m := range out.Matches {
		for _, n := range m.Notifications {
			if n.Error != "" {
				fmt.Printf("Notification to %s failed: %s\n", n.Phone, n.Error)
				continue
			}
			fmt.Printf("Guardian %s of %s notified via %s\n", n.Phone, m.Case.Name, n.Method)
		}
	}
	fmt.Printf("\nTotal: %d matches\n", len(out.Matches))
}
