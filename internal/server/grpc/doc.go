// Package grpcserver hosts the gRPC surface of a ciqueue worker: the standard
// grpc.health.v1 service, whose ciqueue.Worker status follows the
// coordinator, and server reflection.
//
// Example:
//
//	s := grpcserver.New(rt, grpcserver.WithLogger(logger))
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8481")
package grpcserver
