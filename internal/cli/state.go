package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alloy-run/alloy/state"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and repair persisted resource records",
}

var stateListCmd = &cobra.Command{
	Use:   "list <scope-path>",
	Short: "List resource ids recorded for a scope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := state.NewFileStore(stateDir)
		ids, err := store.List(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

var stateShowCmd = &cobra.Command{
	Use:   "show <scope-path> <id>",
	Short: "Show the record for one resource",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := state.NewFileStore(stateDir)
		rec, err := store.Get(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var stateRmCmd = &cobra.Command{
	Use:   "rm <scope-path> <id>",
	Short: "Drop a record without touching the underlying resource",
	Long: `Drop a resource record from state without invoking its provider.

The underlying resource, if it still exists, becomes unmanaged: the next run
will treat a redeclared resource as a create.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := state.NewFileStore(stateDir)
		if _, err := store.Get(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		if err := store.Delete(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s/%s from state\n", args[0], args[1])
		return nil
	},
}

func init() {
	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateRmCmd)
}
