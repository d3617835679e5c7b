// Package executorserver implements the Executor HTTP Server: the
// authenticated per-child HTTP surface that the Session Manager proxies job
// requests to, and the agent-subprocess lifecycle each job runs through.
package executorserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/workspace/agentctl/internal/apierr"
	"github.com/workspace/agentctl/internal/console"
	"github.com/workspace/agentctl/internal/httputil"
	"github.com/workspace/agentctl/internal/jobstore"
)

const defaultEventPageSize = 500

// Config configures one Server instance.
type Config struct {
	ExecID       string
	Version      string
	AuthToken    string
	WorkspaceDir string
}

// Server is the executor's HTTP surface. One Server instance serves exactly
// one session for the lifetime of the child process, per spec.md §4.5.
type Server struct {
	cfg    Config
	store  *jobstore.Store
	runner JobRunner
	mux    *http.ServeMux

	mu        sync.Mutex
	sessionID string

	cancelsMu sync.Mutex
	cancels   map[string]func()
}

// New builds a Server. runner must be non-nil: every newly created job is
// run through it. cmd/agentctl-executor supplies a concrete *AgentRunner.
func New(cfg Config, store *jobstore.Store, runner JobRunner) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		runner:  runner,
		cancels: make(map[string]func()),
	}
	s.mux = http.NewServeMux()
	s.setupRoutes()
	return s
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// setupRoutes wires Go 1.22 method-pattern routes, grounded on
// internal/server/server.go's setupRoutes.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health/live", s.handleHealthLive)
	s.mux.HandleFunc("GET /health/ready", s.requireAuth(s.handleHealthReady))
	s.mux.HandleFunc("POST /v1/sessions", s.requireAuth(s.handleCreateSession))
	s.mux.HandleFunc("POST /v1/jobs", s.requireAuth(s.handleCreateJob))
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.requireAuth(s.handleGetJob))
	s.mux.HandleFunc("GET /v1/jobs/{id}/events", s.requireAuth(s.handleGetJobEvents))
	s.mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.requireAuth(s.handleCancelJob))
	s.mux.HandleFunc("POST /v1/issues/{n}/fix", s.requireAuth(s.handleIssueFix))
}

// requireAuth checks the Bearer token in constant time, then negotiates the
// optional Brokk-CTL-Version header before invoking next.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			httputil.WriteError(w, httputil.StatusForCode(apierr.Unauthorized), apierr.Unauthorized, "missing or invalid bearer token")
			return
		}

		if mismatch := negotiateProtocol(r.Header.Get("Brokk-CTL-Version")); mismatch != nil {
			w.Header().Set("Brokk-CTL-Version", ProtocolVersion)
			code := apierr.Code(mismatch.code)
			httputil.WriteJSON(w, httputil.StatusForCode(code), map[string]any{
				"error":                 code,
				"message":               mismatch.message,
				"supportedCapabilities": SupportedCapabilities,
			})
			return
		}

		w.Header().Set("Brokk-CTL-Version", ProtocolVersion)
		next(w, r)
	}
}

func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"execId":          s.cfg.ExecID,
		"version":         s.cfg.Version,
		"protocolVersion": ProtocolVersion,
	})
}

func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ready := s.sessionID != ""
	s.mu.Unlock()

	if !ready {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready":  false,
			"reason": "session not yet created",
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
}

type createSessionRequest struct {
	Name string `json:"name"`
}

// handleCreateSession creates the single session this child serves. It is
// idempotent: a second call simply confirms the already-created session,
// since there is no second session for this child to ever create.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, httputil.StatusForCode(apierr.Validation), apierr.Validation, "invalid JSON body")
		return
	}

	s.mu.Lock()
	if s.sessionID == "" {
		s.sessionID = uuid.NewString()
	}
	sessionID := s.sessionID
	s.mu.Unlock()

	httputil.WriteJSON(w, http.StatusCreated, map[string]any{
		"sessionId": sessionID,
		"name":      req.Name,
	})
}

type createJobRequest struct {
	TaskInput    string `json:"taskInput"`
	PlannerModel string `json:"plannerModel"`
	Model        string `json:"model,omitempty"`
	AgentType    string `json:"agentType,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, httputil.StatusForCode(apierr.Validation), apierr.Validation, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.TaskInput) == "" {
		httputil.WriteError(w, httputil.StatusForCode(apierr.Validation), apierr.Validation, "taskInput is required")
		return
	}

	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	if sessionID == "" {
		httputil.WriteError(w, httputil.StatusForCode(apierr.SessionNotFound), apierr.SessionNotFound, "no session created yet")
		return
	}

	candidateID := uuid.NewString()
	idempotencyKey := r.Header.Get("Idempotency-Key")

	jobID, err := s.store.CreateJob(candidateID, sessionID, idempotencyKey)
	if err != nil {
		httputil.WriteError(w, httputil.StatusForCode(apierr.Internal), apierr.Internal, err.Error())
		return
	}

	// Read the status before the job starts running, so a newly created job
	// is reported as PENDING.
	status, statusErr := s.store.GetStatus(jobID)

	if jobID == candidateID {
		go s.runJob(jobID, req.TaskInput)
	}

	if statusErr != nil {
		httputil.WriteError(w, httputil.StatusForCode(apierr.Internal), apierr.Internal, statusErr.Error())
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, map[string]any{
		"jobId": status.JobID,
		"state": string(status.State),
	})
}

// runJob drives one job's agent subprocess from PENDING through to a
// terminal state. It runs on its own goroutine, registered in s.cancels so
// a cooperative cancel request can stop the in-flight Prompt() call.
func (s *Server) runJob(jobID, taskInput string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelsMu.Lock()
	s.cancels[jobID] = cancel
	s.cancelsMu.Unlock()
	defer func() {
		s.cancelsMu.Lock()
		delete(s.cancels, jobID)
		s.cancelsMu.Unlock()
	}()

	if err := s.store.Transition(jobID, jobstore.StateRunning); err != nil {
		return
	}

	c := console.New(s.store, jobID, s.cfg.WorkspaceDir)

	stopReason, err := s.runner.Run(ctx, s.cfg.WorkspaceDir, c, taskInput)

	if ctx.Err() != nil {
		c.EmitNotification("info", "job cancelled", "")
		_ = s.store.Transition(jobID, jobstore.StateCancelled)
		return
	}
	if err != nil {
		c.EmitError("agent run failed", err.Error())
		_ = s.store.Transition(jobID, jobstore.StateFailed)
		return
	}

	c.EmitNotification("info", fmt.Sprintf("agent finished: %s", stopReason), "")
	_ = s.store.Transition(jobID, jobstore.StateSucceeded)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	status, err := s.store.GetStatus(jobID)
	if err != nil {
		httputil.WriteError(w, httputil.StatusForCode(apierr.NotFound), apierr.NotFound, fmt.Sprintf("job %s not found", jobID))
		return
	}

	updatedAt := status.CreatedAt
	if status.StartedAt != nil {
		updatedAt = *status.StartedAt
	}
	if status.CompletedAt != nil {
		updatedAt = *status.CompletedAt
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"jobId":     status.JobID,
		"state":     string(status.State),
		"createdAt": status.CreatedAt.UnixMilli(),
		"updatedAt": updatedAt.UnixMilli(),
		"lastSeq":   status.LastSeq,
	})
}

func (s *Server) handleGetJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	after := int64(-1)
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httputil.WriteError(w, httputil.StatusForCode(apierr.Validation), apierr.Validation, "after must be an integer")
			return
		}
		after = parsed
	}

	events, err := s.store.ReadEvents(jobID, after, defaultEventPageSize)
	if err != nil {
		httputil.WriteError(w, httputil.StatusForCode(apierr.NotFound), apierr.NotFound, fmt.Sprintf("job %s not found", jobID))
		return
	}

	nextAfter := after
	if len(events) > 0 {
		nextAfter = events[len(events)-1].Seq
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"events":    events,
		"nextAfter": nextAfter,
	})
}

// handleCancelJob records a cancellation intent, per spec.md §7: pending
// jobs transition to CANCELLED immediately, running jobs are stopped
// cooperatively by cancelling the job's context (grounded on
// internal/acp/session_host.go's CancelPrompt, which never issues an ACP
// wire-level cancel — it only cancels the Go context around Prompt()).
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	status, err := s.store.GetStatus(jobID)
	if err != nil {
		httputil.WriteError(w, httputil.StatusForCode(apierr.NotFound), apierr.NotFound, fmt.Sprintf("job %s not found", jobID))
		return
	}

	switch status.State {
	case jobstore.StatePending:
		_ = s.store.Transition(jobID, jobstore.StateCancelled)
	case jobstore.StateRunning:
		s.cancelsMu.Lock()
		cancel := s.cancels[jobID]
		s.cancelsMu.Unlock()
		if cancel != nil {
			cancel()
		}
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{"jobId": jobID})
}

func (s *Server) handleIssueFix(w http.ResponseWriter, r *http.Request) {
	issueNumber := r.PathValue("n")

	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	if sessionID == "" {
		httputil.WriteError(w, httputil.StatusForCode(apierr.SessionNotFound), apierr.SessionNotFound, "no session created yet")
		return
	}

	candidateID := uuid.NewString()
	taskInput := fmt.Sprintf("fix issue #%s", issueNumber)

	jobID, err := s.store.CreateJob(candidateID, sessionID, r.Header.Get("Idempotency-Key"))
	if err != nil {
		httputil.WriteError(w, httputil.StatusForCode(apierr.Internal), apierr.Internal, err.Error())
		return
	}
	if jobID == candidateID {
		go s.runJob(jobID, taskInput)
	}

	status, err := s.store.GetStatus(jobID)
	if err != nil {
		httputil.WriteError(w, httputil.StatusForCode(apierr.Internal), apierr.Internal, err.Error())
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, map[string]any{
		"jobId":       status.JobID,
		"state":       string(status.State),
		"issueNumber": issueNumber,
	})
}
