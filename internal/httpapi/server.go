// Package httpapi is the bridge's operator and webhook HTTP surface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"reportbridge/internal/checkpoint"
	"reportbridge/internal/delivery"
	"reportbridge/internal/notification"
	"reportbridge/internal/reconcile"
	"reportbridge/internal/reminder"
	logx "reportbridge/pkg/logx"
)

// Acknowledgements returned by the on-demand triggers.
const (
	SyncAck     = "Synchronised contacts with registry users"
	RemindAck   = "Sent reminders of overdue reports"
	maxBodySize = 4 << 20
)

type Syncer interface {
	Sync(ctx context.Context) (reconcile.SyncReport, error)
}

type Reminder interface {
	Run(ctx context.Context) (reminder.Report, error)
}

type Replayer interface {
	Run(ctx context.Context) (delivery.ReplayReport, error)
}

type Publisher interface {
	Publish(ctx context.Context, n notification.Notification) error
}

type Deps struct {
	Sync        Syncer
	Remind      Reminder
	Replay      Replayer
	Inbound     Publisher
	Checkpoints checkpoint.Store
	Metrics     http.Handler
	// Health returns component states; a non-nil error answers 503.
	Health func(ctx context.Context) (map[string]any, error)
	// Profiling mounts the pprof handlers under /debug.
	Profiling bool
}

type Server struct {
	deps   Deps
	log    logx.Logger
	router chi.Router
}

func New(deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{deps: deps, log: log.With(logx.String("comp", "http"))}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	s.Register(r)
	s.router = r
	return s
}

// Register mounts every endpoint on r.
func (s *Server) Register(r chi.Router) {
	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	r.Get("/tasks/sync", s.handleSync)
	r.Post("/tasks/sync", s.handleSync)
	r.Get("/tasks/reminders", s.handleRemind)
	r.Post("/tasks/reminders", s.handleRemind)
	r.Post("/tasks/replay", s.handleReplayRun)
	r.Post("/webhook", s.handleWebhook)
	r.Get("/checkpoints", s.handleListCheckpoints)
	r.Post("/checkpoints/{id}/replay", s.handleMarkReplay)
	if s.deps.Profiling {
		r.Mount("/debug", middleware.Profiler())
	}
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("http listening", logx.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type envelope struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, envelope{Status: "success", Data: data})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case delivery.IsValidation(err):
		code = http.StatusBadRequest
	case errors.Is(err, checkpoint.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, checkpoint.ErrWrongState):
		code = http.StatusConflict
	case errors.Is(err, errBadRequest):
		code = http.StatusBadRequest
	}
	if code >= 500 {
		s.log.Error("request failed", logx.String("path", r.URL.Path), logx.String("request_id", middleware.GetReqID(r.Context())), logx.Err(err))
	}
	writeJSON(w, code, envelope{Status: "error", Data: err.Error()})
}

var errBadRequest = errors.New("bad request")

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		ok(w, http.StatusOK, map[string]any{})
		return
	}
	state, err := s.deps.Health(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, envelope{Status: "error", Data: map[string]any{"error": err.Error(), "components": state}})
		return
	}
	ok(w, http.StatusOK, state)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Sync.Sync(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, SyncAck)
}

func (s *Server) handleRemind(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Remind.Run(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, RemindAck)
}

func (s *Server) handleReplayRun(w http.ResponseWriter, r *http.Request) {
	rep, err := s.deps.Replay.Run(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, rep)
}

// handleWebhook queues a notification. Routing fields come from the query
// string and the body is kept verbatim as the payload.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.fail(w, r, errors.Join(errBadRequest, err))
		return
	}
	if !json.Valid(body) {
		s.fail(w, r, errors.Join(errBadRequest, errors.New("payload is not valid JSON")))
		return
	}
	n, err := notification.FromHeaders(r.URL.Query().Get, body)
	if err != nil {
		s.fail(w, r, errors.Join(errBadRequest, err))
		return
	}
	if n.DataSetCode == "" {
		s.fail(w, r, delivery.ErrMissingDataSetCode)
		return
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if err := s.deps.Inbound.Publish(r.Context(), n); err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusAccepted, map[string]string{"id": n.ID})
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	state := checkpoint.NotDelivered
	if raw := r.URL.Query().Get("state"); raw != "" {
		st, err := checkpoint.ParseState(raw)
		if err != nil {
			s.fail(w, r, errors.Join(errBadRequest, err))
			return
		}
		state = st
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.fail(w, r, errors.Join(errBadRequest, errors.New("limit must be a non-negative integer")))
			return
		}
		limit = n
	}
	recs, err := s.deps.Checkpoints.List(r.Context(), state, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []checkpoint.Record{}
	}
	ok(w, http.StatusOK, recs)
}

// handleMarkReplay releases a failed checkpoint for replay. A non-empty body
// replaces the stored payload.
func (s *Server) handleMarkReplay(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.fail(w, r, errors.Join(errBadRequest, err))
		return
	}
	var payload json.RawMessage
	if len(body) > 0 {
		if !json.Valid(body) {
			s.fail(w, r, errors.Join(errBadRequest, errors.New("corrected payload is not valid JSON")))
			return
		}
		payload = body
	}
	rec, err := s.deps.Checkpoints.MarkForReplay(r.Context(), chi.URLParam(r, "id"), payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, rec)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
