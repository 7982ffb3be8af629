package cmd

import (
	"fmt"
	"strconv"

	"github.com/kozaktomas/child-finder/internal/database"
	"github.com/spf13/cobra"
)

// mustGetBool gets a bool flag value or panics if the flag doesn't exist.
// This is appropriate for flags defined in init() - errors indicate programming bugs.
func mustGetBool(cmd *cobra.Command, name string) bool {
	val, err := cmd.Flags().GetBool(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// mustGetString gets a string flag value or panics if the flag doesn't exist.
func mustGetString(cmd *cobra.Command, name string) string {
	val, err := cmd.Flags().GetString(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// optionalString returns a pointer to the flag value when the flag was set.
func optionalString(cmd *cobra.Command, name string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	val := mustGetString(cmd, name)
	return &val
}

// parseEmbeddingID parses a positional embedding id argument.
func parseEmbeddingID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, &database.ValidationError{Field: "embedding id", Reason: fmt.Sprintf("%q is not a positive integer", arg)}
	}
	return id, nil
}

// parseAge parses a positional age argument.
func parseAge(arg string) (int, error) {
	age, err := strconv.Atoi(arg)
	if err != nil {
		return 0, &database.ValidationError{Field: "age", Reason: fmt.Sprintf("%q is not a number", arg)}
	}
	return age, nil
}
