package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/arl/statsviz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rzbill/ciqueue/internal/coordinator"
	"github.com/rzbill/ciqueue/internal/item"
	"github.com/rzbill/ciqueue/internal/runtime"
	"github.com/rzbill/ciqueue/pkg/log"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

// Server is the admin HTTP API over a Runtime.
type Server struct {
	rt     *runtime.Runtime
	log    log.Logger
	router *chi.Mux
	srv    *http.Server
}

// New builds the router. Requests are traced with otelhttp; when the
// runtime config enables debug, statsviz is served under /debug/statsviz.
func New(rt *runtime.Runtime, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	r := chi.NewRouter()
	s := &Server{rt: rt, log: logger.WithComponent("http"), router: r}
	r.Use(requestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	s.routes()
	if rt.Config().Server.Debug {
		if err := s.debugRoutes(); err != nil {
			s.log.Warn("debug routes disabled", log.Err(err))
		}
	}
	s.srv = &http.Server{
		Handler: otelhttp.NewHandler(r, "ciqueue.http",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			})),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", s.handleHealth)
		r.Get("/state", s.handleState)
		r.Get("/items", s.handleListItems)
		r.Get("/history", s.handleHistory)
		r.Post("/items", s.handleSubmit)
		r.Delete("/items", s.handleRemove)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
	})
}

func (s *Server) debugRoutes() error {
	viz, err := statsviz.NewServer()
	if err != nil {
		return err
	}
	s.router.Get("/debug/statsviz/ws", viz.Ws())
	s.router.Get("/debug/statsviz", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/debug/statsviz/", http.StatusMovedPermanently)
	})
	s.router.Handle("/debug/statsviz/*", viz.Index())
	return nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done or Close is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.Info("http listening", log.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close stops the server, dropping open connections.
func (s *Server) Close() {
	_ = s.srv.Close()
}

// requestID reuses an incoming X-Request-Id or assigns a UUID, and puts it on
// the context for log lines.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := log.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.log.WithContext(r.Context()).Info("request completed",
				log.Str("method", r.Method),
				log.Str("path", r.URL.Path),
				log.Int("status", ww.Status()),
				log.Duration("duration", time.Since(start)))
		}()
		next.ServeHTTP(ww, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		s.log.WithContext(r.Context()).Warn("health check failed", log.Err(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	c := s.rt.Coordinator()
	writeJSON(w, http.StatusOK, stateView(c.WorkerID(), c.State()))
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	c := s.rt.Coordinator()
	snap := c.Snapshot()
	out := ItemsView{Items: make([]ItemView, 0, snap.Len()), Active: []string{}}
	for _, it := range snap.Items() {
		out.Items = append(out.Items, itemView(it))
	}
	for _, it := range c.Active() {
		out.Active = append(out.Active, it.StoreKey)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := s.rt.History().List(r.Context(), limit)
	if err != nil {
		s.log.WithContext(r.Context()).Error("history list failed", log.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, HistoryView{Entries: entries})
}

func decodeRevision(r *http.Request) (item.Revision, error) {
	var rev item.Revision
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(&rev)
	return rev, err
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	rev, err := decodeRevision(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid revision body: "+err.Error())
		return
	}
	key, err := s.rt.Coordinator().Submit(r.Context(), rev)
	switch {
	case errors.Is(err, item.ErrInvalidRevision):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.log.WithContext(r.Context()).Error("submit failed", log.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusCreated, SubmitResponse{Key: key})
	}
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	needle, err := decodeRevision(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid revision body: "+err.Error())
		return
	}
	n, err := s.rt.Coordinator().RemoveItem(r.Context(), needle)
	switch {
	case errors.Is(err, coordinator.ErrEmptyMatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, coordinator.ErrRemovalConflict):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, RemoveResponse{Removed: n})
	}
}

// handlePause answers 202 right away, or with ?wait=true holds the request
// until the coordinator has drained and answers 200.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	c := s.rt.Coordinator()
	done := make(chan struct{})
	c.Pause(func() { close(done) })
	if r.URL.Query().Get("wait") != "true" && r.URL.Query().Get("wait") != "1" {
		writeJSON(w, http.StatusAccepted, stateView(c.WorkerID(), c.State()))
		return
	}
	select {
	case <-done:
		writeJSON(w, http.StatusOK, stateView(c.WorkerID(), c.State()))
	case <-r.Context().Done():
		writeError(w, http.StatusRequestTimeout, "gave up waiting for drain")
	}
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.rt.Coordinator().Resume()
	w.WriteHeader(http.StatusNoContent)
}
