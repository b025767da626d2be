// Package serverrun exposes the Run entrypoint used by the CLI to start a
// ciqueue worker together with its HTTP and gRPC servers, handling lifecycle
// and shutdown.
//
// Example:
//
//	opts := serverrun.Options{ConfigPath: "ciqueue.yaml", HTTPAddr: ":8480"}
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, opts)
package serverrun
