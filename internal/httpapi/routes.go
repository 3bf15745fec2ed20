package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"botrelay/internal/dispatch"
	"botrelay/internal/domain"
	"botrelay/internal/maintenance"
	"botrelay/internal/runtime/supervisor"
	"botrelay/internal/stats"
	logx "botrelay/pkg/logx"
)

type Connections interface {
	Snapshot() []domain.ConnectionState
}

type AccountLister interface {
	ListAccounts(ctx context.Context, excludeBanned bool) ([]domain.Account, error)
}

type Batches interface {
	Submit(b dispatch.Batch) (string, error)
	Cancel(id string) bool
	Status(id string) (dispatch.JobStatus, bool)
	List() []dispatch.JobStatus
}

type Stats interface {
	Snapshot() stats.Snapshot
}

// Banner removes an account from rotation and persists the ban.
type Banner interface {
	Ban(ctx context.Context, id domain.AccountID) error
}

type Jobs interface {
	Snapshot() []maintenance.RunInfo
	RunNow(ctx context.Context, name string) error
}

type Tasks interface {
	Snapshot() []supervisor.TaskStats
}

// Deps are the read models behind the endpoints. Nil members disable their
// endpoints with 404.
type Deps struct {
	Connections Connections
	Accounts    AccountLister
	Banner      Banner
	Batches     Batches
	Stats       Stats
	Jobs        Jobs
	Tasks       Tasks
	Now         func() time.Time
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLog, middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(p chi.Router) {
		p.Use(s.requireToken)
		p.Get("/v1/accounts", s.handleAccounts)
		p.Post("/v1/accounts/{id}/ban", s.handleBan)
		p.Get("/v1/batches", s.handleListBatches)
		p.Post("/v1/batches", s.handleSubmitBatch)
		p.Get("/v1/batches/{id}", s.handleGetBatch)
		p.Post("/v1/batches/{id}/cancel", s.handleCancelBatch)
		p.Get("/v1/stats", s.handleStats)
		p.Get("/v1/maintenance", s.handleJobs)
		p.Post("/v1/maintenance/{name}/run", s.handleRunJob)
		p.Get("/v1/tasks", s.handleTasks)
		if s.config().Pprof {
			p.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (s *Server) now() time.Time {
	if s.deps.Now != nil {
		return s.deps.Now()
	}
	return time.Now()
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

// requireToken accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty configured token disables the check.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimSpace(s.config().Token)
		if tok == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.URL.Query().Get("token")
		if got == "" {
			got = bearerToken(r.Header.Get("Authorization"))
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(h string) string {
	const p = "Bearer "
	if !strings.HasPrefix(h, p) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, p))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "ok",
		"time":   s.now().UTC().Format(time.RFC3339),
	}
	if s.deps.Connections != nil {
		usable := 0
		states := s.deps.Connections.Snapshot()
		for _, st := range states {
			if st.Usable() {
				usable++
			}
		}
		body["accounts"] = len(states)
		body["usable"] = usable
	}
	writeJSON(w, http.StatusOK, body)
}

type accountView struct {
	ID           domain.AccountID     `json:"id"`
	Kind         domain.TransportKind `json:"kind"`
	Label        string               `json:"label,omitempty"`
	Banned       bool                 `json:"banned"`
	DailyCount   int                  `json:"daily_count"`
	LastActivity time.Time            `json:"last_activity,omitzero"`
	CreatedAt    time.Time            `json:"created_at"`
	// Connection is absent for accounts the pool does not hold (banned).
	Connection *domain.ConnectionState `json:"connection,omitempty"`
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Accounts == nil {
		writeError(w, http.StatusNotFound, "accounts not available")
		return
	}
	accts, err := s.deps.Accounts.ListAccounts(r.Context(), false)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrStoreUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	conns := map[domain.AccountID]domain.ConnectionState{}
	if s.deps.Connections != nil {
		for _, st := range s.deps.Connections.Snapshot() {
			conns[st.AccountID] = st
		}
	}
	out := make([]accountView, 0, len(accts))
	for _, a := range accts {
		v := accountView{
			ID:           a.ID,
			Kind:         a.Kind,
			Label:        a.Label,
			Banned:       a.Banned,
			DailyCount:   a.DailyCount,
			LastActivity: a.LastActivity,
			CreatedAt:    a.CreatedAt,
		}
		if st, ok := conns[a.ID]; ok {
			v.Connection = &st
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Banner == nil {
		writeError(w, http.StatusNotFound, "ban not available")
		return
	}
	id := domain.AccountID(chi.URLParam(r, "id"))
	if err := s.deps.Banner.Ban(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "account not found")
		case errors.Is(err, domain.ErrStoreUnavailable):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.log.Warn("account banned by operator", logx.String("account", string(id)))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	if s.deps.Batches == nil {
		writeError(w, http.StatusNotFound, "batches not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": s.deps.Batches.List()})
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Batches == nil {
		writeError(w, http.StatusNotFound, "batches not available")
		return
	}
	var b dispatch.Batch
	if err := decodeJSON(r, &b); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.deps.Batches.Submit(b)
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrEmptyContent), errors.Is(err, dispatch.ErrBadKind):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Batches == nil {
		writeError(w, http.StatusNotFound, "batches not available")
		return
	}
	st, ok := s.deps.Batches.Status(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Batches == nil {
		writeError(w, http.StatusNotFound, "batches not available")
		return
	}
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Batches.Status(id); !ok {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	if !s.deps.Batches.Cancel(id) {
		writeError(w, http.StatusConflict, "batch already finished")
		return
	}
	s.log.Info("batch cancel requested", logx.String("batch", id))
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		writeError(w, http.StatusNotFound, "stats not available")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Stats.Snapshot())
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusNotFound, "maintenance not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.deps.Jobs.Snapshot()})
}

// handleRunJob runs a maintenance job in the request and reports its error.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusNotFound, "maintenance not available")
		return
	}
	name := chi.URLParam(r, "name")
	err := s.deps.Jobs.RunNow(r.Context(), name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case errors.Is(err, maintenance.ErrUnknownJob):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeError(w, http.StatusNotFound, "tasks not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.deps.Tasks.Snapshot()})
}

func decodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 8<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
