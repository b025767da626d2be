// Package config provides loading and environment overlay for ciqueue worker
// configuration. It exposes a Default() baseline, Load for JSON or YAML files
// and FromEnv for CIQ_* overrides. Validate checks the sections in use; backend,
// engine and telemetry sections are checked through their validate tags.
//
// Example:
//
//	cfg, err := config.Load("/etc/ciqueue.yaml")
//	if err != nil {
//	    return err
//	}
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//	rt, err := runtime.Open(ctx, runtime.Options{Config: cfg, Logger: logger})
package config
