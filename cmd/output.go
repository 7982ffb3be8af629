package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/kozaktomas/child-finder/internal/database"
)

func outputJSON(data any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}
	return nil
}

// CaseOutput is the JSON form of a case. The embedding is never printed.
type CaseOutput struct {
	ChildID                int64  `json:"child_id"`
	EmbeddingID            int64  `json:"embedding_id"`
	Name                   string `json:"name"`
	Age                    int    `json:"age"`
	Gender                 string `json:"gender"`
	GuardianContact        string `json:"guardian_contact"`
	Status                 string `json:"status"`
	DistinguishingFeatures string `json:"distinguishing_features,omitempty"`
	LastKnownLocation      string `json:"last_known_location,omitempty"`
	RegisteredAt           string `json:"registered_at"`
	LastUpdatedAt          string `json:"last_updated_at"`
}

func toCaseOutput(rec *database.CaseRecord) CaseOutput {
	return CaseOutput{
		ChildID:                rec.ChildID,
		EmbeddingID:            rec.EmbeddingID,
		Name:                   rec.Name,
		Age:                    rec.Age,
		Gender:                 string(rec.Gender),
		GuardianContact:        rec.GuardianContact,
		Status:                 string(rec.Status),
		DistinguishingFeatures: rec.DistinguishingFeatures,
		LastKnownLocation:      rec.LastKnownLocation,
		RegisteredAt:           formatTime(rec.RegisteredAt),
		LastUpdatedAt:          formatTime(rec.LastUpdatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// printCase prints one case as aligned key/value lines.
func printCase(rec *database.CaseRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Embedding ID:\t%d\n", rec.EmbeddingID)
	fmt.Fprintf(w, "Child ID:\t%d\n", rec.ChildID)
	fmt.Fprintf(w, "Name:\t%s\n", rec.Name)
	fmt.Fprintf(w, "Age:\t%d\n", rec.Age)
	fmt.Fprintf(w, "Gender:\t%s\n", rec.Gender)
	fmt.Fprintf(w, "Guardian:\t%s\n", rec.GuardianContact)
	fmt.Fprintf(w, "Status:\t%s\n", rec.Status)
	if rec.DistinguishingFeatures != "" {
		fmt.Fprintf(w, "Features:\t%s\n", rec.DistinguishingFeatures)
	}
	if rec.LastKnownLocation != "" {
		fmt.Fprintf(w, "Last seen:\t%s\n", rec.LastKnownLocation)
	}
	if !rec.RegisteredAt.IsZero() {
		fmt.Fprintf(w, "Registered:\t%s\n", formatTime(rec.RegisteredAt))
		fmt.Fprintf(w, "Updated:\t%s\n", formatTime(rec.LastUpdatedAt))
	}
	w.Flush()
}

// printCaseTable prints cases as a table.
func printCaseTable(records []database.CaseRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EMBEDDING\tNAME\tAGE\tGENDER\tSTATUS\tGUARDIAN\tUPDATED")
	fmt.Fprintln(w, "---------\t----\t---\t------\t------\t--------\t-------")
	for i := range records {
		r := &records[i]
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%s\n",
			r.EmbeddingID, r.Name, r.Age, r.Gender, r.Status, r.GuardianContact, formatTime(r.LastUpdatedAt))
	}
	w.Flush()
}
