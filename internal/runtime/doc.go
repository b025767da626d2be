// Package runtime wires config, storage, status publishing, the execution
// engine (a shell command or a Kubernetes Job per item), run history and the
// coordinator into a single ciqueue worker.
// History shares the Pebble database when the pebble backend is used and
// otherwise lives in an in-memory Pebble instance. It exposes
// Open/Start/Close, a health check and accessors used by the HTTP and gRPC
// servers.
//
// Example:
//
//	cfg := config.Default()
//	cfg.Engine.Command = "make test"
//	rt, err := runtime.Open(ctx, runtime.Options{Config: cfg, Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer rt.Close(context.Background())
//	_ = rt.Start(ctx)
//	_, _ = rt.Coordinator().Submit(ctx, item.Revision{Owner: "acme", Repo: "api", SHA: sha})
package runtime
