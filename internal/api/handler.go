// Package api is the admin HTTP surface of a node.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/djlord-it/cronfleet/internal/domain"
	"github.com/djlord-it/cronfleet/internal/logging"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Scheduler is the part of the scheduling API the handler exposes.
type Scheduler interface {
	NodeID() string
	Running() bool

	ScheduleJob(ctx context.Context, job domain.Job, tr domain.Trigger) (domain.Trigger, error)
	DeleteJob(ctx context.Context, key domain.JobKey) (bool, error)
	TriggerNow(ctx context.Context, key domain.JobKey, data map[string]string) (domain.Trigger, error)
	PauseJob(ctx context.Context, key domain.JobKey) error
	ResumeJob(ctx context.Context, key domain.JobKey) error
	PauseTrigger(ctx context.Context, key domain.TriggerKey) error
	ResumeTrigger(ctx context.Context, key domain.TriggerKey) error

	GetJob(ctx context.Context, key domain.JobKey) (domain.Job, error)
	GetTrigger(ctx context.Context, key domain.TriggerKey) (domain.Trigger, error)
	ListJobs(ctx context.Context, group string) ([]domain.Job, error)
	ListTriggersForJob(ctx context.Context, key domain.JobKey) ([]domain.Trigger, error)

	ListNodes(ctx context.Context) ([]domain.NodeHeartbeat, error)
	Members(ctx context.Context) ([]domain.NodeHeartbeat, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// Stats reads fire-outcome counters.
type Stats interface {
	Counts(ctx context.Context, job domain.JobKey, at time.Time) (map[domain.OutcomeKind]int64, error)
}

type Handler struct {
	sched  Scheduler
	db     HealthChecker // optional
	stats  Stats         // optional
	log    *zap.SugaredLogger
	clock  func() time.Time
	router chi.Router
}

func NewHandler(sched Scheduler) *Handler {
	h := &Handler{
		sched: sched,
		log:   logging.Nop(),
		clock: time.Now,
	}
	h.router = h.routes()
	return h
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

// WithStats enables GET /jobs/{group}/{name}/stats.
func (h *Handler) WithStats(s Stats) *Handler {
	h.stats = s
	return h
}

func (h *Handler) WithLogger(l *zap.SugaredLogger) *Handler {
	h.log = l
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", h.health)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", h.listJobs)
		r.Post("/", h.createJob)

		r.Route("/{group}/{name}", func(r chi.Router) {
			r.Get("/", h.getJob)
			r.Delete("/", h.deleteJob)
			r.Post("/trigger", h.triggerJob)
			r.Post("/pause", h.pauseJob)
			r.Post("/resume", h.resumeJob)
			r.Get("/stats", h.jobStats)
		})
	})

	r.Route("/triggers/{group}/{name}", func(r chi.Router) {
		r.Get("/", h.getTrigger)
		r.Post("/pause", h.pauseTrigger)
		r.Post("/resume", h.resumeTrigger)
	})

	r.Get("/cluster/nodes", h.listNodes)
	return r
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Node       string            `json:"node"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	resp := HealthResponse{Status: "ok", Node: h.sched.NodeID()}

	if !verbose {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Components = make(map[string]string)
	if h.sched.Running() {
		resp.Components["scheduler"] = "running"
	} else {
		resp.Status = "degraded"
		resp.Components["scheduler"] = "stopped"
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if err := h.db.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components["database"] = "unhealthy: " + err.Error()
		} else {
			resp.Components["database"] = "healthy"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	if err := validateCreateJob(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, tr := toDomain(req)
	stored, err := h.sched.ScheduleJob(r.Context(), job, tr)
	if err != nil {
		h.writeDomainError(w, "create job", err)
		return
	}

	created, err := h.sched.GetJob(r.Context(), job.Key)
	if err != nil {
		// removed by a concurrent request; report what was submitted
		created = job
	}
	writeJSON(w, http.StatusCreated, toJobResponse(created, []domain.Trigger{stored}))
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := h.sched.ListJobs(r.Context(), r.URL.Query().Get("group"))
	if err != nil {
		h.writeDomainError(w, "list jobs", err)
		return
	}

	if offset > len(jobs) {
		offset = len(jobs)
	}
	end := offset + limit
	if end > len(jobs) {
		end = len(jobs)
	}

	resp := ListJobsResponse{Jobs: make([]JobResponse, 0, end-offset)}
	for _, job := range jobs[offset:end] {
		resp.Jobs = append(resp.Jobs, toJobResponse(job, nil))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	key := jobKey(r)
	job, err := h.sched.GetJob(r.Context(), key)
	if err != nil {
		h.writeDomainError(w, "get job", err)
		return
	}
	triggers, err := h.sched.ListTriggersForJob(r.Context(), key)
	if err != nil {
		h.writeDomainError(w, "list triggers", err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job, triggers))
}

func (h *Handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	removed, err := h.sched.DeleteJob(r.Context(), jobKey(r))
	if err != nil {
		h.writeDomainError(w, "delete job", err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) triggerJob(w http.ResponseWriter, r *http.Request) {
	var req TriggerNowRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	tr, err := h.sched.TriggerNow(r.Context(), jobKey(r), req.Data)
	if err != nil {
		h.writeDomainError(w, "trigger job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toTriggerResponse(tr))
}

func (h *Handler) pauseJob(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.PauseJob(r.Context(), jobKey(r)); err != nil {
		h.writeDomainError(w, "pause job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resumeJob(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.ResumeJob(r.Context(), jobKey(r)); err != nil {
		h.writeDomainError(w, "resume job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) jobStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeError(w, http.StatusNotFound, "analytics disabled")
		return
	}

	at := h.clock()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be RFC3339")
			return
		}
		at = parsed
	}

	key := jobKey(r)
	counts, err := h.stats.Counts(r.Context(), key, at)
	if err != nil {
		h.log.Warnw("api: read stats failed", "job", key.String(), "err", err)
		writeError(w, http.StatusServiceUnavailable, "analytics unavailable")
		return
	}

	resp := StatsResponse{
		JobGroup: key.Group,
		JobName:  key.Name,
		At:       formatTime(at),
		Counts:   make(map[string]int64, len(counts)),
	}
	for outcome, n := range counts {
		resp.Counts[string(outcome)] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getTrigger(w http.ResponseWriter, r *http.Request) {
	tr, err := h.sched.GetTrigger(r.Context(), triggerKey(r))
	if err != nil {
		h.writeDomainError(w, "get trigger", err)
		return
	}
	writeJSON(w, http.StatusOK, toTriggerResponse(tr))
}

func (h *Handler) pauseTrigger(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.PauseTrigger(r.Context(), triggerKey(r)); err != nil {
		h.writeDomainError(w, "pause trigger", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resumeTrigger(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.ResumeTrigger(r.Context(), triggerKey(r)); err != nil {
		h.writeDomainError(w, "resume trigger", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.sched.ListNodes(r.Context())
	if err != nil {
		h.writeDomainError(w, "list nodes", err)
		return
	}
	live, err := h.sched.Members(r.Context())
	if err != nil {
		h.writeDomainError(w, "list members", err)
		return
	}
	alive := make(map[string]bool, len(live))
	for _, n := range live {
		alive[n.NodeID] = true
	}

	self := h.sched.NodeID()
	resp := ListNodesResponse{Nodes: make([]NodeResponse, 0, len(nodes))}
	for _, n := range nodes {
		resp.Nodes = append(resp.Nodes, NodeResponse{
			NodeID:    n.NodeID,
			Running:   n.Running,
			Alive:     alive[n.NodeID],
			Self:      n.NodeID == self,
			LastSeen:  formatTime(n.LastSeen),
			StartedAt: formatTime(n.StartedAt),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// decode reads a JSON body. An empty body is accepted when optional.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case err == nil:
		return true
	case optional && errors.Is(err, io.EOF):
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid json")
	return false
}

func (h *Handler) writeDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case domain.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case domain.IsAlreadyExists(err):
		writeError(w, http.StatusConflict, err.Error())
	case domain.IsConfiguration(err):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Hint:  errors.FlattenHints(err),
		})
	default:
		h.log.Errorw("api: "+op+" failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func jobKey(r *http.Request) domain.JobKey {
	return domain.NewJobKey(chi.URLParam(r, "group"), chi.URLParam(r, "name"))
}

func triggerKey(r *http.Request) domain.TriggerKey {
	return domain.NewTriggerKey(chi.URLParam(r, "group"), chi.URLParam(r, "name"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
