// Package log provides the structured logging facade used across ciqueue.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. Internally it is backed by Go's log/slog
// via a bridge handler that feeds our Formatter and Output pipeline, so the
// same text or JSON lines come out whichever entry point was used.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("coordinator"), log.Str("worker", "w1"))
//	l.Info("claimed item", log.Str("key", key))
//
// # Configuration
//
// Use ApplyConfig to build a logger from a declarative Config (level, text or
// JSON format, optional redacted keys and sampling).
//
// # Interop
//
// Libraries that write through the standard library logger (Pebble, the etcd
// client) can be routed through a Logger with RedirectStdLog.
package log
