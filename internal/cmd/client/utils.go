package client

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rzbill/ciqueue/internal/cmd/client/transports"
	"github.com/rzbill/ciqueue/internal/item"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// HTTPURLFromEnv returns the worker API base URL from CIQ_HTTP or a default.
func HTTPURLFromEnv() string {
	if v := os.Getenv("CIQ_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8480"
}

// grpcAddrFromEnv returns the gRPC server address from CIQ_GRPC or a default.
func grpcAddrFromEnv() string {
	if addr := os.Getenv("CIQ_GRPC"); addr != "" {
		return addr
	}
	return "127.0.0.1:8481"
}

// dialGRPCContext connects to the worker gRPC endpoint with insecure
// transport for local/dev.
func dialGRPCContext(_ context.Context) (*grpc.ClientConn, error) {
	return grpc.NewClient(grpcAddrFromEnv(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()))
}

var (
	getQueueTransport = func(baseURL BaseURLFunc) transports.QueueTransport {
		return transports.NewHTTPTransport(baseURL, nil)
	}
	getHealthTransport = func() transports.HealthTransport {
		return transports.NewGrpcTransport(dialGRPCContext)
	}
)

// addRevisionFlags registers the flags describing a revision.
func addRevisionFlags(cmd *cobra.Command) {
	cmd.Flags().String("owner", "", "Repository owner")
	cmd.Flags().String("repo", "", "Repository name")
	cmd.Flags().String("sha", "", "Commit SHA")
	cmd.Flags().String("branch", "", "Branch name")
	cmd.Flags().Int("pr", 0, "Pull request number")
}

func revisionFromFlags(cmd *cobra.Command) item.Revision {
	owner, _ := cmd.Flags().GetString("owner")
	repo, _ := cmd.Flags().GetString("repo")
	sha, _ := cmd.Flags().GetString("sha")
	branch, _ := cmd.Flags().GetString("branch")
	pr, _ := cmd.Flags().GetInt("pr")
	return item.Revision{Owner: owner, Repo: repo, SHA: sha, Branch: branch, PullRequest: pr}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
