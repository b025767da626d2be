// Package transports provides pluggable transport implementations for the CLI.
package transports

import (
	"context"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GrpcTransport implements HealthTransport over the standard gRPC health
// service.
type GrpcTransport struct {
	dial func(ctx context.Context) (*grpc.ClientConn, error)
}

// NewGrpcTransport constructs a new GrpcTransport using the provided dialer.
func NewGrpcTransport(dial func(ctx context.Context) (*grpc.ClientConn, error)) *GrpcTransport {
	return &GrpcTransport{dial: dial}
}

func (t *GrpcTransport) withClient(ctx context.Context, fn func(cli healthpb.HealthClient) error) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	return fn(healthpb.NewHealthClient(conn))
}

// Check asks for the serving status of service.
func (t *GrpcTransport) Check(ctx context.Context, service string) (*healthpb.HealthCheckResponse, error) {
	var res *healthpb.HealthCheckResponse
	err := t.withClient(ctx, func(cli healthpb.HealthClient) error {
		var err error
		res, err = cli.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		return err
	})
	return res, err
}
