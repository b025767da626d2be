// Package httpserver is the REST surface of a ciqueue worker: submit and
// withdraw revisions, inspect the queue, the worker state and its run
// history, and pause or resume claiming. Routing and middleware use chi.
//
// Example:
//
//	s := httpserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8480")
package httpserver
