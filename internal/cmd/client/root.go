package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the ciqueue client.
// It registers the queue and worker commands.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "ciqueue",
		Short: "ciqueue client commands",
	}
	AddCommands(root, baseURL)
	return root
}

// AddCommands registers every client command on parent.
func AddCommands(parent *cobra.Command, baseURL BaseURLFunc) {
	parent.AddCommand(NewQueueCommands(baseURL)...)
	parent.AddCommand(NewWorkerCommands(baseURL)...)
}
