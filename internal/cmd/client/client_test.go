package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	cfgpkg "github.com/rzbill/ciqueue/internal/config"
	"github.com/rzbill/ciqueue/internal/engine"
	"github.com/rzbill/ciqueue/internal/item"
	"github.com/rzbill/ciqueue/internal/runtime"
	httpserver "github.com/rzbill/ciqueue/internal/server/http"
)

// startWorker serves a memory-backed worker over httptest. Runs block until
// cancelled so queue contents stay put.
func startWorker(t *testing.T) BaseURLFunc {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.Worker.ID = "cli-test"
	cfg.Worker.JitterMs = 2
	cfg.Store.Backend = cfgpkg.BackendMemory
	cfg.Status.Sink = cfgpkg.SinkNone
	eng := engine.NewAsync(func(ctx context.Context, _ item.Item) error {
		<-ctx.Done()
		return ctx.Err()
	})
	rt, err := runtime.Open(context.Background(), runtime.Options{Config: cfg, Engine: eng})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("rt start: %v", err)
	}
	ts := httptest.NewServer(httpserver.New(rt, nil).Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = rt.Close(context.Background())
	})
	return func() string { return ts.URL }
}

func run(t *testing.T, baseURL BaseURLFunc, args ...string) (string, error) {
	t.Helper()
	root := NewRoot(baseURL)
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return buf.String(), err
}

func TestSubmitPrintsKeyAndItemsListsIt(t *testing.T) {
	base := startWorker(t)
	if _, err := run(t, base, "pause", "--wait"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	out, err := run(t, base, "submit", "--owner", "acme", "--repo", "api", "--sha", "0123abcd", "--pr", "7")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.HasPrefix(out, "key: ") {
		t.Fatalf("unexpected output: %q", out)
	}
	key := strings.TrimSpace(strings.TrimPrefix(out, "key: "))

	deadline := time.Now().Add(5 * time.Second)
	for {
		out, err = run(t, base, "items")
		if err != nil {
			t.Fatalf("items: %v", err)
		}
		var items httpserver.ItemsView
		if err := json.Unmarshal([]byte(out), &items); err != nil {
			t.Fatalf("decode %q: %v", out, err)
		}
		if len(items.Items) == 1 {
			if items.Items[0].Key != key || items.Items[0].Revision.PullRequest != 7 {
				t.Fatalf("items = %+v", items)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("item never listed: %s", out)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitRejectsIncompleteRevision(t *testing.T) {
	base := startWorker(t)
	_, err := run(t, base, "submit", "--owner", "acme")
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected 400 error, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	base := startWorker(t)
	if _, err := run(t, base, "pause", "--wait"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	for _, sha := range []string{"aaaa1111", "bbbb2222"} {
		if _, err := run(t, base, "submit", "--owner", "acme", "--repo", "api", "--sha", sha); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	out, err := run(t, base, "remove", "--repo", "api")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if strings.TrimSpace(out) != "removed: 2" {
		t.Fatalf("output: %q", out)
	}
	if _, err := run(t, base, "remove"); err == nil {
		t.Fatal("remove without fields should fail")
	}
}

func TestPauseStateResume(t *testing.T) {
	base := startWorker(t)
	out, err := run(t, base, "pause", "--wait")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	var st httpserver.StateView
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Phase != "paused" || st.WorkerID != "cli-test" {
		t.Fatalf("state after pause: %+v", st)
	}
	if _, err := run(t, base, "state", "--require-accepting"); err == nil {
		t.Fatal("state should fail while paused")
	}
	if out, err := run(t, base, "resume"); err != nil || !strings.Contains(out, "OK") {
		t.Fatalf("resume: %q %v", out, err)
	}
	if _, err := run(t, base, "state", "--require-accepting"); err != nil {
		t.Fatalf("state after resume: %v", err)
	}
}

func TestHistory(t *testing.T) {
	base := startWorker(t)
	out, err := run(t, base, "history", "--limit", "5")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var h httpserver.HistoryView
	if err := json.Unmarshal([]byte(out), &h); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(h.Entries) != 0 {
		t.Fatalf("fresh worker has history: %+v", h)
	}
}

func TestHealthGRPC(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("ciqueue.Worker", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	go func() { _ = gs.Serve(l) }()
	t.Cleanup(gs.Stop)
	t.Setenv("CIQ_GRPC", l.Addr().String())

	out, err := run(t, nil, "health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !strings.Contains(out, `"SERVING"`) {
		t.Fatalf("output: %s", out)
	}
	out, err = run(t, nil, "health", "--service", "ciqueue.Worker")
	if err != nil {
		t.Fatalf("health worker: %v", err)
	}
	if !strings.Contains(out, "NOT_SERVING") {
		t.Fatalf("output: %s", out)
	}
}
