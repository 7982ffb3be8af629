package cmd

import (
	"fmt"
	"os"

	"github.com/kozaktomas/child-finder/internal/database"
	"github.com/kozaktomas/child-finder/internal/registry"
	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register <image> <name> <age> <gender> <guardian-contact>",
	Short: "Register a missing child from a photo",
	Long: `Register a missing child. The most confident face in the photo is
embedded and indexed, the photo is stored encrypted, and the case is opened.

Local guardian phone numbers get the configured country code.

Examples:
  child-finder register photo.jpg "Meera Sharma" 6 female 9876543210
  child-finder register photo.jpg Arjun 9 m +919812345678 --location "Platform 4, Central Station"`,
	Args: cobra.ExactArgs(5),
	RunE: runRegister,
}

func init() {
	rootCmd.AddCommand(registerCmd)

	registerCmd.Flags().String("features", "", "Distinguishing features (scars, birthmarks, clothing)")
	registerCmd.Flags().String("location", "", "Last known location")
	registerCmd.Flags().Bool("json", false, "Output as JSON")
}

func runRegister(cmd *cobra.Command, args []string) error {
	age, err := parseAge(args[2])
	if err != nil {
		return err
	}
	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
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

	rec, err := svc.RegisterImage(ctx, registry.Registration{
		Name:                   args[1],
		Age:                    age,
		Gender:                 database.Gender(args[3]),
		GuardianContact:        args[4],
		DistinguishingFeatures: mustGetString(cmd, "features"),
		LastKnownLocation:      mustGetString(cmd, "location"),
	}, image)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	if mustGetBool(cmd, "json") {
		return outputJSON(toCaseOutput(rec))
	}
	fmt.Printf("Case registered for %s (embedding id %d)\n", rec.Name, rec.EmbeddingID)
	return nil
}
