package client

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewQueueCommands constructs the commands that act on queue entries.
func NewQueueCommands(baseURL BaseURLFunc) []*cobra.Command {
	return []*cobra.Command{
		newSubmitCommand(baseURL),
		newRemoveCommand(baseURL),
		newItemsCommand(baseURL),
		newHistoryCommand(baseURL),
	}
}

// newSubmitCommand constructs the `submit` command.
func newSubmitCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a revision for a CI run",
		Example: `  ciqueue submit --owner acme --repo api --sha 0123abcd
  ciqueue submit --owner acme --repo api --sha 0123abcd --branch main --pr 42`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := getQueueTransport(baseURL).Submit(cmd.Context(), revisionFromFlags(cmd))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "key:", key)
			return nil
		},
	}
	addRevisionFlags(cmd)
	return cmd
}

// newRemoveCommand constructs the `remove` command.
func newRemoveCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove queued revisions and cancel matching runs",
		Long: `Remove every queue entry whose revision matches the given fields.
Unset flags match anything; at least one must be set. Entries this worker is
running are cancelled and cleaned up once their run ends.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := getQueueTransport(baseURL).Remove(cmd.Context(), revisionFromFlags(cmd))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "removed:", n)
			return nil
		},
	}
	addRevisionFlags(cmd)
	return cmd
}

// newItemsCommand constructs the `items` command.
func newItemsCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "items",
		Aliases: []string{"ls"},
		Short:   "List queue entries and this worker's active runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := getQueueTransport(baseURL).Items(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, items)
		},
	}
	return cmd
}

// newHistoryCommand constructs the `history` command.
func newHistoryCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List runs this worker finished, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			h, err := getQueueTransport(baseURL).History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, h)
		},
	}
	cmd.Flags().Int("limit", 20, "Max entries")
	return cmd
}
