// Package client provides the `ciqueue` command-line client.
//
// The CLI talks to a worker's HTTP and gRPC endpoints to queue revisions,
// inspect the queue and drive the pause/resume lifecycle from a terminal or
// a deploy script.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. When using the standalone binary, it comes
// from CIQ_HTTP and defaults to http://127.0.0.1:8480. The gRPC address is
// read from CIQ_GRPC (default 127.0.0.1:8481).
//
// Usage
//
//	ciqueue submit --owner acme --repo api --sha 0123abcd --branch main
//	ciqueue items
//	ciqueue history --limit 50
//	ciqueue remove --repo api --branch main
//
//	# drain before a deploy, then bring the worker back
//	ciqueue pause --wait
//	ciqueue resume
//
//	ciqueue state --require-accepting
//	ciqueue health --service ciqueue.Worker
//
// Notes
//
//   - remove matches on every flag that is set; at least one is required.
//     Runs in progress on the answering worker are cancelled.
//   - health uses the standard gRPC health service; all other commands use
//     the HTTP API.
package client
