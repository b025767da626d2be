package client

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
)

var errNotAccepting = errors.New("worker is not accepting work")

// NewWorkerCommands constructs the commands that act on the worker itself:
// state, pause, resume and health.
func NewWorkerCommands(baseURL BaseURLFunc) []*cobra.Command {
	return []*cobra.Command{
		newStateCommand(baseURL),
		newPauseCommand(baseURL),
		newResumeCommand(baseURL),
		newHealthCommand(),
	}
}

// newStateCommand constructs the `state` command.
func newStateCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show the worker phase and active run count",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := getQueueTransport(baseURL).State(cmd.Context())
			if err != nil {
				return err
			}
			require, _ := cmd.Flags().GetBool("require-accepting")
			if err := printJSON(cmd, st); err != nil {
				return err
			}
			if require && !st.Accepting {
				return errNotAccepting
			}
			return nil
		},
	}
	cmd.Flags().Bool("require-accepting", false, "Exit non-zero unless the worker is claiming work")
	return cmd
}

// newPauseCommand constructs the `pause` command.
func newPauseCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Stop claiming new work",
		Long: `Stop the worker from claiming new entries. Runs in progress finish.
With --wait the command returns only once the worker has drained, which is
useful before a deploy.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			wait, _ := cmd.Flags().GetBool("wait")
			st, err := getQueueTransport(baseURL).Pause(cmd.Context(), wait)
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
	cmd.Flags().Bool("wait", false, "Block until active runs have finished")
	return cmd
}

// newResumeCommand constructs the `resume` command.
func newResumeCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume claiming work after a pause",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := getQueueTransport(baseURL).Resume(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
}

// newHealthCommand constructs the `health` command. It talks gRPC, not HTTP.
func newHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the gRPC health service",
		Example: `  ciqueue health
  CIQ_GRPC=10.0.0.5:8481 ciqueue health --service ciqueue.Worker`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			service, _ := cmd.Flags().GetString("service")
			res, err := getHealthTransport().Check(cmd.Context(), service)
			if err != nil {
				return err
			}
			b, err := protojson.MarshalOptions{EmitUnpopulated: true}.Marshal(res)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}
	cmd.Flags().String("service", "", "Service name; empty checks the whole process")
	return cmd
}
