package cmd

import (
	"errors"
	"fmt"

	"github.com/kozaktomas/child-finder/internal/database"
	"github.com/spf13/cobra"
)

var caseCmd = &cobra.Command{
	Use:   "case",
	Short: "Inspect and edit registered cases",
}

var caseShowCmd = &cobra.Command{
	Use:   "show <embedding-id>",
	Short: "Show a case",
	Args:  cobra.ExactArgs(1),
	RunE:  runCaseShow,
}

var caseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cases by status",
	Long: `List cases in a status (open by default), ordered by embedding id.

Examples:
  child-finder case list
  child-finder case list --status closed --json`,
	Args: cobra.NoArgs,
	RunE: runCaseList,
}

var caseSearchCmd = &cobra.Command{
	Use:   "search <name>",
	Short: "Search open cases by name",
	Long: `Search open cases whose name contains the given text. Matching ignores
case and diacritics, so "zoe" finds "Zoë".`,
	Args: cobra.ExactArgs(1),
	RunE: runCaseSearch,
}

var caseEditCmd = &cobra.Command{
	Use:   "edit <embedding-id>",
	Short: "Correct the details of a case",
	Long: `Correct the details of a case. Only the given flags are changed; the face
embedding and photo cannot be edited (close the case and register again).

Examples:
  child-finder case edit 42 --age 7 --location "Bus stand, Sector 17"`,
	Args: cobra.ExactArgs(1),
	RunE: runCaseEdit,
}

var caseStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show case counts per status and the index size",
	Args:  cobra.NoArgs,
	RunE:  runCaseStats,
}

func init() {
	rootCmd.AddCommand(caseCmd)
	caseCmd.AddCommand(caseShowCmd, caseListCmd, caseSearchCmd, caseEditCmd, caseStatsCmd)

	for _, c := range []*cobra.Command{caseShowCmd, caseListCmd, caseSearchCmd, caseEditCmd, caseStatsCmd} {
		c.Flags().Bool("json", false, "Output as JSON")
	}
	caseListCmd.Flags().String("status", "open", "Case status: open, resolved or closed")

	caseEditCmd.Flags().String("name", "", "Child's name")
	caseEditCmd.Flags().String("age", "", "Age in years")
	caseEditCmd.Flags().String("gender", "", "Gender: male, female or other")
	caseEditCmd.Flags().String("contact", "", "Guardian phone number")
	caseEditCmd.Flags().String("features", "", "Distinguishing features")
	caseEditCmd.Flags().String("location", "", "Last known location")
}

func runCaseShow(cmd *cobra.Command, args []string) error {
	id, err := parseEmbeddingID(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.cases.Get(ctx, id)
	if err != nil {
		return err
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(toCaseOutput(rec))
	}
	printCase(rec)
	if rec.Status.Searchable() && !a.index.Contains(rec.EmbeddingID) {
		fmt.Println("\nWarning: case is missing from the embedding index; run 'child-finder reconcile'")
	}
	return nil
}

func runCaseList(cmd *cobra.Command, args []string) error {
	status, err := database.ParseCaseStatus(mustGetString(cmd, "status"))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newStoreApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.cases.ListByStatus(ctx, status)
	if err != nil {
		return err
	}
	return printCases(cmd, records, fmt.Sprintf("No %s cases.", status))
}

func runCaseSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newStoreApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.cases.SearchByName(ctx, args[0])
	if err != nil {
		return err
	}
	return printCases(cmd, records, fmt.Sprintf("No open case matches %q.", args[0]))
}

func printCases(cmd *cobra.Command, records []database.CaseRecord, empty string) error {
	if mustGetBool(cmd, "json") {
		out := make([]CaseOutput, 0, len(records))
		for i := range records {
			out = append(out, toCaseOutput(&records[i]))
		}
		return outputJSON(out)
	}
	if len(records) == 0 {
		fmt.Println(empty)
		return nil
	}
	printCaseTable(records)
	fmt.Printf("\nTotal: %d cases\n", len(records))
	return nil
}

func runCaseEdit(cmd *cobra.Command, args []string) error {
	id, err := parseEmbeddingID(args[0])
	if err != nil {
		return err
	}

	details := database.CaseDetails{
		Name:                   optionalString(cmd, "name"),
		GuardianContact:        optionalString(cmd, "contact"),
		DistinguishingFeatures: optionalString(cmd, "features"),
		LastKnownLocation:      optionalString(cmd, "location"),
	}
	if raw := optionalString(cmd, "age"); raw != nil {
		age, err := parseAge(*raw)
		if err != nil {
			return err
		}
		details.Age = &age
	}
	if raw := optionalString(cmd, "gender"); raw != nil {
		g := database.Gender(*raw)
		details.Gender = &g
	}
	if details.Empty() {
		return errors.New("nothing to change; pass at least one of --name, --age, --gender, --contact, --features, --location")
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.registry()
	if err != nil {
		return err
	}
	rec, err := svc.Edit(ctx, id, details)
	if err != nil {
		return err
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(toCaseOutput(rec))
	}
	printCase(rec)
	return nil
}

// StatsOutput is the JSON shape of "case stats".
type StatsOutput struct {
	Open         int `json:"open"`
	Resolved     int `json:"resolved"`
	Closed       int `json:"closed"`
	IndexEntries int `json:"index_entries"`
}

func runCaseStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	counts, err := a.cases.Count(ctx)
	if err != nil {
		return err
	}
	out := StatsOutput{
		Open:         counts[database.StatusOpen],
		Resolved:     counts[database.StatusResolved],
		Closed:       counts[database.StatusClosed],
		IndexEntries: a.index.Count(),
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(out)
	}

	fmt.Printf("Open:          %d\n", out.Open)
	fmt.Printf("Resolved:      %d\n", out.Resolved)
	fmt.Printf("Closed:        %d\n", out.Closed)
	fmt.Printf("Index entries: %d\n", out.IndexEntries)
	if searchable := out.Open + out.Resolved; searchable != out.IndexEntries {
		fmt.Printf("\nWarning: %d searchable cases but %d index entries; run 'child-finder reconcile'\n",
			searchable, out.IndexEntries)
	}
	return nil
}
