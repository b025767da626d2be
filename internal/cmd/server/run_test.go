package serverrun

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/ciqueue/internal/config"
	"github.com/rzbill/ciqueue/internal/engine"
	"github.com/rzbill/ciqueue/internal/item"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(Options{Command: "true"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Worker.ID == "" {
		t.Error("worker id should be generated")
	}
	if cfg.Store.Backend != cfgpkg.BackendPebble {
		t.Errorf("backend = %q", cfg.Store.Backend)
	}
	if cfg.Store.DataDir == "" {
		t.Error("data dir should fall back to the default")
	}
}

func TestLoadConfigLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ciqueue.yaml")
	body := []byte("queue: nightly\nworker:\n  concurrency: 3\n  id: from-file\nserver:\n  httpAddr: \":7000\"\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CIQ_WORKER_CONCURRENCY", "5")
	t.Setenv("CIQ_WORKER_ID", "from-env")

	cfg, err := LoadConfig(Options{
		ConfigPath: path,
		WorkerID:   "from-flag",
		Backend:    cfgpkg.BackendMemory,
		Command:    "make test",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue != "nightly" {
		t.Errorf("queue = %q, want file value", cfg.Queue)
	}
	if cfg.Worker.Concurrency != 5 {
		t.Errorf("concurrency = %d, want env value", cfg.Worker.Concurrency)
	}
	if cfg.Worker.ID != "from-flag" {
		t.Errorf("worker id = %q, want flag value", cfg.Worker.ID)
	}
	if cfg.Server.HTTPAddr != ":7000" {
		t.Errorf("http addr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Store.Backend != cfgpkg.BackendMemory || cfg.Engine.Command != "make test" {
		t.Errorf("flag overrides lost: %+v", cfg)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(Options{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadConfig(Options{Backend: "cassandra"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

// TestRunIntegration starts a memory-backed worker on ephemeral ports and
// cancels it shortly after.
func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	opts := Options{
		Backend:   cfgpkg.BackendMemory,
		DataDir:   t.TempDir(),
		HTTPAddr:  "127.0.0.1:0",
		GRPCAddr:  "127.0.0.1:0",
		LogLevel:  "error",
		WorkerID:  "run-test",
		Engine:    engine.NewAsync(func(context.Context, item.Item) error { return nil }),
		LogFormat: "text",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	if err := Run(ctx, opts); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunFailsOnBadConfig(t *testing.T) {
	err := Run(context.Background(), Options{Backend: cfgpkg.BackendMemory, LogLevel: "loud", Command: "true"})
	if err == nil {
		t.Fatal("expected error for unknown log level")
	}
}
