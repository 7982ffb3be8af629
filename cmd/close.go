package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var closeCmd = &cobra.Command{
	Use:   "close <embedding-id>",
	Short: "Close a case once the child has been found",
	Long: `Close a case. The case leaves matching immediately and is erased by the
retention sweep once the retention period has passed. Closing is final.`,
	Args: cobra.ExactArgs(1),
	RunE: runClose,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <embedding-id>",
	Short: "Mark an open case resolved",
	Long: `Mark an open case resolved. Resolved cases stay searchable until they are
closed.`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(resolveCmd)
}

func runClose(cmd *cobra.Command, args []string) error {
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

	result, err := a.lifecycle().Close(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("Case %d (%s) closed\n", id, result.Case.Name)
	if !result.IndexRemoved {
		fmt.Println("Warning: the index entry could not be removed yet; it will be retried (see logs)")
	}
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
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

	rec, err := a.lifecycle().Resolve(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("Case %d (%s) resolved\n", id, rec.Name)
	return nil
}
