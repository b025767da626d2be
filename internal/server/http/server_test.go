package httpserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/ciqueue/internal/config"
	"github.com/rzbill/ciqueue/internal/engine"
	"github.com/rzbill/ciqueue/internal/item"
	"github.com/rzbill/ciqueue/internal/runtime"
	logpkg "github.com/rzbill/ciqueue/pkg/log"
)

// openRuntime returns a started memory-backed runtime whose runs block until
// release is closed or they are cancelled.
func openRuntime(t *testing.T) (*runtime.Runtime, chan struct{}) {
	return openRuntimeWith(t, nil)
}

func openRuntimeWith(t *testing.T, mutate func(*cfgpkg.Config)) (*runtime.Runtime, chan struct{}) {
	t.Helper()
	release := make(chan struct{})
	cfg := cfgpkg.Default()
	cfg.Worker.ID = "http-test"
	cfg.Worker.JitterMs = 2
	cfg.Store.Backend = cfgpkg.BackendMemory
	cfg.Status.Sink = cfgpkg.SinkNone
	if mutate != nil {
		mutate(&cfg)
	}
	eng := engine.NewAsync(func(ctx context.Context, _ item.Item) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	rt, err := runtime.Open(context.Background(), runtime.Options{Config: cfg, Engine: eng})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("rt start: %v", err)
	}
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
		_ = rt.Close(context.Background())
	})
	return rt, release
}

func newServer(t *testing.T) (*Server, *runtime.Runtime, chan struct{}) {
	t.Helper()
	rt, release := openRuntime(t)
	logger, _ := logpkg.ApplyConfig(&logpkg.Config{Level: "error", Format: "text"})
	return New(rt, logger), rt, release
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func waitState(t *testing.T, s *Server, want func(StateView) bool) StateView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := decode[StateView](t, do(t, s, http.MethodGet, "/v1/state", ""))
		if want(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("state never matched, last %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthHandler(t *testing.T) {
	s, _, _ := newServer(t)
	w := do(t, s, http.MethodGet, "/v1/healthz", "")
	if w.Code != 200 {
		t.Fatalf("status: %d", w.Code)
	}
	if w.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("missing request id header")
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	s, _, _ := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Fatalf("request id = %q", got)
	}
}

func TestSubmitAndList(t *testing.T) {
	s, _, release := newServer(t)
	w := do(t, s, http.MethodPost, "/v1/items", `{"owner":"acme","repo":"api","sha":"0123456789"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status: %d %s", w.Code, w.Body.String())
	}
	key := decode[SubmitResponse](t, w).Key
	if key == "" {
		t.Fatalf("empty key")
	}

	waitState(t, s, func(st StateView) bool { return st.Phase == "running" && st.Active == 1 })
	var items ItemsView
	deadline := time.Now().Add(5 * time.Second)
	for {
		items = decode[ItemsView](t, do(t, s, http.MethodGet, "/v1/items", ""))
		if len(items.Items) == 1 && items.Items[0].LeaseHolder != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lease never observed: %+v", items)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if items.Items[0].Key != key || items.Items[0].LeaseHolder != "http-test" {
		t.Fatalf("items = %+v", items)
	}
	if len(items.Active) != 1 || items.Active[0] != key {
		t.Fatalf("active = %v", items.Active)
	}

	close(release)
	waitState(t, s, func(st StateView) bool { return st.Phase == "idle" })
}

func TestSubmitRejectsInvalid(t *testing.T) {
	s, _, _ := newServer(t)
	for _, body := range []string{`{"owner":"acme"}`, `not json`, `{"owner":"a","repo":"b","sha":"c","color":"red"}`} {
		if w := do(t, s, http.MethodPost, "/v1/items", body); w.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status %d", body, w.Code)
		}
	}
}

func TestRemoveQueuedItem(t *testing.T) {
	s, rt, _ := newServer(t)
	// Paused so nothing gets claimed.
	if w := do(t, s, http.MethodPost, "/v1/pause?wait=true", ""); w.Code != http.StatusOK {
		t.Fatalf("pause status: %d", w.Code)
	}
	for _, sha := range []string{"aaaaaaa1", "bbbbbbb2"} {
		if w := do(t, s, http.MethodPost, "/v1/items", `{"owner":"acme","repo":"api","sha":"`+sha+`"}`); w.Code != http.StatusCreated {
			t.Fatalf("submit: %d", w.Code)
		}
	}
	w := do(t, s, http.MethodDelete, "/v1/items", `{"sha":"aaaaaaa1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("remove status: %d %s", w.Code, w.Body.String())
	}
	if n := decode[RemoveResponse](t, w).Removed; n != 1 {
		t.Fatalf("removed = %d", n)
	}
	deadline := time.Now().Add(5 * time.Second)
	for rt.Coordinator().Snapshot().Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("snapshot still has %d items", rt.Coordinator().Snapshot().Len())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if w := do(t, s, http.MethodDelete, "/v1/items", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty needle status: %d", w.Code)
	}
}

func TestRemoveActiveItemCancels(t *testing.T) {
	s, _, _ := newServer(t)
	if w := do(t, s, http.MethodPost, "/v1/items", `{"owner":"acme","repo":"api","sha":"0123456789"}`); w.Code != http.StatusCreated {
		t.Fatalf("submit: %d", w.Code)
	}
	waitState(t, s, func(st StateView) bool { return st.Active == 1 })
	w := do(t, s, http.MethodDelete, "/v1/items", `{"repo":"api"}`)
	if w.Code != http.StatusOK || decode[RemoveResponse](t, w).Removed != 1 {
		t.Fatalf("remove: %d %s", w.Code, w.Body.String())
	}
	waitState(t, s, func(st StateView) bool { return st.Active == 0 })
	items := decode[ItemsView](t, do(t, s, http.MethodGet, "/v1/items", ""))
	deadline := time.Now().Add(5 * time.Second)
	for len(items.Items) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("cancelled item not cleaned up: %+v", items)
		}
		time.Sleep(5 * time.Millisecond)
		items = decode[ItemsView](t, do(t, s, http.MethodGet, "/v1/items", ""))
	}
}

func TestPauseResume(t *testing.T) {
	s, _, release := newServer(t)
	if w := do(t, s, http.MethodPost, "/v1/items", `{"owner":"acme","repo":"api","sha":"0123456789"}`); w.Code != http.StatusCreated {
		t.Fatalf("submit: %d", w.Code)
	}
	waitState(t, s, func(st StateView) bool { return st.Active == 1 })

	w := do(t, s, http.MethodPost, "/v1/pause", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("pause status: %d", w.Code)
	}
	if st := decode[StateView](t, w); st.Phase != "draining" || st.Accepting {
		t.Fatalf("after pause: %+v", st)
	}

	close(release)
	waitState(t, s, func(st StateView) bool { return st.Phase == "paused" })

	if w := do(t, s, http.MethodPost, "/v1/resume", ""); w.Code != http.StatusNoContent {
		t.Fatalf("resume status: %d", w.Code)
	}
	waitState(t, s, func(st StateView) bool { return st.Accepting })
}

func TestPauseWaitGivesUpWithRequest(t *testing.T) {
	s, _, _ := newServer(t)
	if w := do(t, s, http.MethodPost, "/v1/items", `{"owner":"acme","repo":"api","sha":"0123456789"}`); w.Code != http.StatusCreated {
		t.Fatalf("submit: %d", w.Code)
	}
	waitState(t, s, func(st StateView) bool { return st.Active == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/pause?wait=true", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusRequestTimeout {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestHistoryListsFinishedRuns(t *testing.T) {
	s, _, release := newServer(t)
	close(release)
	if w := do(t, s, http.MethodPost, "/v1/items", `{"owner":"acme","repo":"api","sha":"0123456789"}`); w.Code != http.StatusCreated {
		t.Fatalf("submit: %d", w.Code)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		w := do(t, s, http.MethodGet, "/v1/history?limit=5", "")
		if w.Code != http.StatusOK {
			t.Fatalf("status: %d", w.Code)
		}
		h := decode[HistoryView](t, w)
		if len(h.Entries) == 1 {
			if h.Entries[0].Result != "success" || h.Entries[0].Revision.SHA != "0123456789" {
				t.Fatalf("entry = %+v", h.Entries[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history never filled: %+v", h)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if w := do(t, s, http.MethodGet, "/v1/history?limit=-1", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status: %d", w.Code)
	}
}

func TestDebugRoutesOnlyWhenEnabled(t *testing.T) {
	s, _, _ := newServer(t)
	if w := do(t, s, http.MethodGet, "/debug/statsviz", ""); w.Code != http.StatusNotFound {
		t.Fatalf("statsviz served without debug: %d", w.Code)
	}

	rt, _ := openRuntimeWith(t, func(c *cfgpkg.Config) { c.Server.Debug = true })
	dbg := New(rt, nil)
	w := do(t, dbg, http.MethodGet, "/debug/statsviz", "")
	if w.Code != http.StatusMovedPermanently {
		t.Fatalf("redirect status: %d", w.Code)
	}
	if w := do(t, dbg, http.MethodGet, "/debug/statsviz/", ""); w.Code != http.StatusOK {
		t.Fatalf("statsviz index status: %d", w.Code)
	}
}

func TestTracedHandlerServesRoutes(t *testing.T) {
	s, _, _ := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status through otelhttp: %d", w.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	s, _, _ := newServer(t)
	if w := do(t, s, http.MethodGet, "/v1/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("status: %d", w.Code)
	}
	if w := do(t, s, http.MethodPut, "/v1/items", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestCloseStopsListenAndServe(t *testing.T) {
	s, _, _ := newServer(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	errc := make(chan error, 1)
	go func() { errc <- s.ListenAndServe(context.Background(), addr) }()

	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := client.Get("http://" + addr + "/v1/healthz")
		if err == nil {
			_ = resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never answered: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.Close()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("ListenAndServe after Close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return after Close")
	}
}
