package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"listflow/internal/domain"
	"listflow/internal/scheduler"
	"listflow/internal/store"
)

// SecretHeader carries the shared trigger secret.
const SecretHeader = "X-Trigger-Secret"

type Trigger interface {
	Tick(ctx context.Context) (domain.TickSummary, time.Duration, error)
	Retry(ctx context.Context) (domain.RetrySummary, error)
}

type Repository interface {
	CreateSchedule(ctx context.Context, s domain.Schedule, items []domain.WorkItem) (domain.Schedule, []domain.WorkItem, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context, status domain.ScheduleStatus, limit int) ([]domain.Schedule, error)
	ScheduleItems(ctx context.Context, scheduleID string) ([]domain.WorkItem, error)
	GetItem(ctx context.Context, id string) (domain.WorkItem, error)
	ItemOutcomes(ctx context.Context, itemID string) ([]domain.ItemOutcome, error)
	ListExecutionLogs(ctx context.Context, limit int) ([]domain.ExecutionLog, error)
}

type LockReader interface {
	GetActiveLock(ctx context.Context, key string) (*domain.Lock, error)
}

type Options struct {
	// Secret protects the trigger routes. Empty disables the check unless
	// Production is set, in which case every trigger is rejected.
	Secret      string
	Production  bool
	EnableDebug bool
}

type Server struct {
	r       *chi.Mux
	trigger Trigger
	repo    Repository
	locks   LockReader
	opts    Options

	ticks        atomic.Int64
	tickFailures atomic.Int64
	itemsListed  atomic.Int64
	itemsFailed  atomic.Int64
	retried      atomic.Int64
}

func NewServer(trigger Trigger, repo Repository, locks LockReader, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, trigger: trigger, repo: repo, locks: locks, opts: opts}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSecret)
		r.Post("/api/tick", s.tick)
		r.Post("/api/retry", s.retry)
	})

	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Get("/api/items/{id}/outcomes", s.itemOutcomes)
	r.Get("/api/locks/{key}", s.getLock)
	r.Get("/api/logs", s.listLogs)

	if opts.EnableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Secret == "" && !s.opts.Production {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get(SecretHeader)
		if s.opts.Secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.Secret)) != 1 {
			log.Warn().Str("remote", r.RemoteAddr).Str("path", r.URL.Path).Msg("rejected trigger")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "listflow_up 1\n")
	fmt.Fprintf(w, "listflow_ticks_total %d\n", s.ticks.Load())
	fmt.Fprintf(w, "listflow_tick_failures_total %d\n", s.tickFailures.Load())
	fmt.Fprintf(w, "listflow_items_listed_total %d\n", s.itemsListed.Load())
	fmt.Fprintf(w, "listflow_items_failed_total %d\n", s.itemsFailed.Load())
	fmt.Fprintf(w, "listflow_retries_total %d\n", s.retried.Load())
}

type tickResp struct {
	SchedulesProcessed int      `json:"schedulesProcessed"`
	TotalProducts      int      `json:"totalProducts"`
	TotalSuccess       int      `json:"totalSuccess"`
	TotalFailed        int      `json:"totalFailed"`
	DurationMs         int64    `json:"durationMs"`
	Errors             []string `json:"errors,omitempty"`
}

func (s *Server) tick(w http.ResponseWriter, r *http.Request) {
	sum, elapsed, err := s.trigger.Tick(r.Context())
	s.ticks.Add(1)
	if err != nil && !scheduler.IsPersistError(err) {
		s.tickFailures.Add(1)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.itemsListed.Add(int64(sum.TotalSuccess))
	s.itemsFailed.Add(int64(sum.TotalFailed))
	writeJSON(w, http.StatusOK, tickResp{
		SchedulesProcessed: sum.SchedulesProcessed,
		TotalProducts:      sum.TotalProducts,
		TotalSuccess:       sum.TotalSuccess,
		TotalFailed:        sum.TotalFailed,
		DurationMs:         elapsed.Milliseconds(),
		Errors:             sum.Errors,
	})
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	sum, err := s.trigger.Retry(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.retried.Add(int64(sum.Attempted))
	writeJSON(w, http.StatusOK, sum)
}

type itemReq struct {
	ItemKey    string          `json:"item_key"`
	Channel    string          `json:"channel"`
	Account    string          `json:"account"`
	Payload    json.RawMessage `json:"payload"`
	MaxRetries int             `json:"max_retries"`
}

type createScheduleReq struct {
	ScheduledTime   time.Time `json:"scheduled_time"`
	Channel         string    `json:"channel"`
	Account         string    `json:"account"`
	ItemIntervalMin int       `json:"item_interval_min"`
	ItemIntervalMax int       `json:"item_interval_max"`
	Items           []itemReq `json:"items"`
}

type scheduleResp struct {
	domain.Schedule
	Items []domain.WorkItem `json:"items"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.ScheduledTime.IsZero() {
		http.Error(w, "scheduled_time is required", 400)
		return
	}
	if req.Channel == "" {
		http.Error(w, "channel is required", 400)
		return
	}
	if req.Account == "" {
		http.Error(w, "account is required", 400)
		return
	}
	if !domain.ValidItemInterval(req.ItemIntervalMin) || !domain.ValidItemInterval(req.ItemIntervalMax) {
		http.Error(w, fmt.Sprintf("item intervals must be between 0 and %d ms", domain.MaxItemInterval.Milliseconds()), 400)
		return
	}

	items := make([]domain.WorkItem, 0, len(req.Items))
	for i, it := range req.Items {
		if it.ItemKey == "" {
			http.Error(w, "items["+strconv.Itoa(i)+"].item_key is required", 400)
			return
		}
		items = append(items, domain.WorkItem{
			ItemKey: it.ItemKey, Channel: it.Channel, Account: it.Account,
			Payload: it.Payload, MaxRetries: it.MaxRetries,
		})
	}

	sch, stored, err := s.repo.CreateSchedule(r.Context(), domain.Schedule{
		ScheduledTime:   req.ScheduledTime,
		Channel:         req.Channel,
		Account:         req.Account,
		ItemIntervalMin: req.ItemIntervalMin,
		ItemIntervalMax: req.ItemIntervalMax,
	}, items)
	if errors.Is(err, store.ErrInvalidInterval) {
		http.Error(w, err.Error(), 400)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleResp{Schedule: sch, Items: stored})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	status := domain.ScheduleStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.StatusPending, domain.StatusInProgress, domain.StatusCompleted, domain.StatusFailed:
	default:
		http.Error(w, "unknown status "+strconv.Quote(string(status)), 400)
		return
	}
	schedules, err := s.repo.ListSchedules(r.Context(), status, queryLimit(r))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sch, err := s.repo.GetSchedule(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	items, err := s.repo.ScheduleItems(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, scheduleResp{Schedule: sch, Items: items})
}

func (s *Server) itemOutcomes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.repo.GetItem(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	outcomes, err := s.repo.ItemOutcomes(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, outcomes)
}

func (s *Server) getLock(w http.ResponseWriter, r *http.Request) {
	l, err := s.locks.GetActiveLock(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if l == nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, l)
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.repo.ListExecutionLogs(r.Context(), queryLimit(r))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, logs)
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 50
	}
	if n > 500 {
		return 500
	}
	return n
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
