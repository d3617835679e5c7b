// Package managerserver implements the Session Manager HTTP Server: the
// public ingress that mints sessions, proxies job requests to the owning
// executor child, and tears sessions down.
package managerserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/workspace/agentctl/internal/apierr"
	"github.com/workspace/agentctl/internal/httputil"
	"github.com/workspace/agentctl/internal/pool"
	"github.com/workspace/agentctl/internal/token"
	"github.com/workspace/agentctl/internal/worktree"
)

const (
	// sessionTokenRateLimit bounds how often a single session token may hit
	// the job-proxy path, grounded on spec.md's concurrency notes about a
	// single client hammering one session.
	sessionTokenRateLimit = 10 // requests/sec
	sessionTokenBurst     = 20
)

// Config configures a Server.
type Config struct {
	ManagerID      string
	Version        string
	AuthToken      string
	PoolSize       int
	AllowedOrigins []string
}

// Server is the manager's public HTTP surface.
type Server struct {
	cfg   Config
	pool  *pool.Pool
	prov  *worktree.Provisioner
	toks  *token.Service
	mux   *http.ServeMux
	httpc *http.Client

	jobOwnerMu sync.RWMutex
	jobOwner   map[string]string // jobID -> owning sessionID

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter // sessionID -> limiter
}

// New builds a Server.
func New(cfg Config, p *pool.Pool, prov *worktree.Provisioner, toks *token.Service) *Server {
	s := &Server{
		cfg:      cfg,
		pool:     p,
		prov:     prov,
		toks:     toks,
		httpc:    &http.Client{Timeout: 120 * time.Second},
		jobOwner: make(map[string]string),
		limiters: make(map[string]*rate.Limiter),
	}
	s.mux = http.NewServeMux()
	s.setupRoutes()
	return s
}

// Handler returns the top-level http.Handler, CORS middleware included.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health/live", s.handleHealthLive)
	s.mux.HandleFunc("GET /health/ready", s.requireMaster(s.handleHealthReady))
	s.mux.HandleFunc("POST /v1/sessions", s.requireMaster(s.handleCreateSession))
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", s.requireMaster(s.handleDeleteSession))
	s.mux.HandleFunc("/v1/jobs/", s.requireSession(s.handleProxyJobs))
}

// corsMiddleware mirrors the teacher's wildcard-subdomain origin check,
// grounded on internal/server/server.go's corsMiddleware.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, s.cfg.AllowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Idempotency-Key, Brokk-CTL-Version")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
		if strings.HasPrefix(a, "*.") && strings.HasSuffix(origin, a[1:]) {
			return true
		}
	}
	return false
}

func (s *Server) requireMaster(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if tok == "" || subtle.ConstantTimeCompare([]byte(tok), []byte(s.cfg.AuthToken)) != 1 {
			httputil.WriteError(w, httputil.StatusForCode(apierr.Unauthorized), apierr.Unauthorized, "missing or invalid master token")
			return
		}
		next(w, r)
	}
}

func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if tok == "" {
			httputil.WriteError(w, httputil.StatusForCode(apierr.Unauthorized), apierr.Unauthorized, "missing bearer token")
			return
		}
		sess, err := s.toks.Validate(tok)
		if err != nil {
			httputil.WriteError(w, httputil.StatusForCode(apierr.Unauthorized), apierr.Unauthorized, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), sessionIDContextKey{}, sess.SessionID)
		next(w, r.WithContext(ctx))
	}
}

type sessionIDContextKey struct{}

func sessionIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDContextKey{}).(string)
	return v
}

func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"managerId":       s.cfg.ManagerID,
		"version":         s.cfg.Version,
		"protocolVersion": protocolVersion,
		"poolSize":        s.cfg.PoolSize,
	})
}

func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if !s.prov.Healthcheck() {
		w.Header().Set("Retry-After", "30")
		httputil.WriteError(w, httputil.StatusForCode(apierr.ProvisionerUnhealthy), apierr.ProvisionerUnhealthy, "worktree provisioner is unhealthy")
		return
	}
	if s.pool.Size() >= s.cfg.PoolSize {
		w.Header().Set("Retry-After", "30")
		httputil.WriteError(w, httputil.StatusForCode(apierr.NoCapacity), apierr.NoCapacity, "pool is at capacity")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
}

type createSessionRequest struct {
	Name     string `json:"name"`
	RepoPath string `json:"repoPath"`
	Ref      string `json:"ref,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, httputil.StatusForCode(apierr.Validation), apierr.Validation, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.RepoPath) == "" {
		httputil.WriteError(w, httputil.StatusForCode(apierr.Validation), apierr.Validation, "repoPath is required")
		return
	}

	if s.pool.Size() >= s.cfg.PoolSize {
		w.Header().Set("Retry-After", "30")
		httputil.WriteError(w, httputil.StatusForCode(apierr.CapacityExceeded), apierr.CapacityExceeded, "no executor capacity available")
		return
	}

	provisionID := uuid.NewString()
	handle, err := s.pool.Spawn(r.Context(), pool.SpawnSpec{
		ProvisionID: provisionID,
		RepoPath:    req.RepoPath,
		Ref:         req.Ref,
	})
	if err != nil {
		httputil.WriteError(w, httputil.StatusForCode(apierr.SpawnFailed), apierr.SpawnFailed, err.Error())
		return
	}

	childSessionID, err := s.createChildSession(r.Context(), handle, req.Name)
	if err != nil {
		_ = s.pool.Shutdown(r.Context(), handle.SessionID)
		httputil.WriteError(w, httputil.StatusForCode(apierr.SpawnFailed), apierr.SpawnFailed, err.Error())
		return
	}

	if err := s.pool.UpdateSessionID(provisionID, childSessionID); err != nil {
		httputil.WriteError(w, httputil.StatusForCode(apierr.Internal), apierr.Internal, err.Error())
		return
	}

	tok, err := s.toks.Mint(childSessionID, token.DefaultValidity)
	if err != nil {
		httputil.WriteError(w, httputil.StatusForCode(apierr.Internal), apierr.Internal, err.Error())
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, map[string]any{
		"sessionId": childSessionID,
		"state":     "ready",
		"token":     tok,
	})
}

func (s *Server) createChildSession(ctx context.Context, h *pool.ExecutorHandle, name string) (string, error) {
	body, _ := json.Marshal(map[string]string{"name": name})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL()+"/v1/sessions", strings.NewReader(string(body)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.AuthToken)

	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("create child session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("child session creation returned %d", resp.StatusCode)
	}

	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode child session response: %w", err)
	}
	return out.SessionID, nil
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.pool.Shutdown(r.Context(), id); err != nil {
		httputil.WriteError(w, httputil.StatusForCode(apierr.Internal), apierr.Internal, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleProxyJobs forwards any /v1/jobs/... request to the session's
// owning executor, swapping the inbound session token for the child's own
// auth token. Grounded on the teacher's manual request-building pattern in
// internal/server/worktrees.go, generalized from container-exec plumbing to
// HTTP-to-HTTP proxying since spec.md §4.7 forbids using
// httputil.ReverseProxy verbatim (the auth header must be rewritten, not
// passed through).
func (s *Server) handleProxyJobs(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionIDFromContext(r.Context())

	if jobID := extractJobID(r.URL.Path); jobID != "" {
		s.jobOwnerMu.RLock()
		owner, known := s.jobOwner[jobID]
		s.jobOwnerMu.RUnlock()
		if known && owner != sessionID {
			httputil.WriteError(w, httputil.StatusForCode(apierr.Forbidden), apierr.Forbidden, "token does not own this job")
			return
		}
	}

	if !s.allowRequest(sessionID) {
		httputil.WriteError(w, httputil.StatusForCode(apierr.CapacityExceeded), apierr.CapacityExceeded, "too many requests for this session")
		return
	}

	handle := s.pool.Get(sessionID)
	if handle == nil {
		httputil.WriteError(w, httputil.StatusForCode(apierr.SessionNotFound), apierr.SessionNotFound, "session not found")
		return
	}
	s.pool.Touch(sessionID)

	upstreamURL := handle.BaseURL() + r.URL.Path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteError(w, httputil.StatusForCode(apierr.Internal), apierr.Internal, "failed to read request body")
		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, strings.NewReader(string(body)))
	if err != nil {
		httputil.WriteError(w, httputil.StatusForCode(apierr.Internal), apierr.Internal, "failed to build upstream request")
		return
	}
	upstreamReq.Header.Set("Authorization", "Bearer "+handle.AuthToken)
	if ct := r.Header.Get("Content-Type"); ct != "" {
		upstreamReq.Header.Set("Content-Type", ct)
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		upstreamReq.Header.Set("Idempotency-Key", key)
	}
	if v := r.Header.Get("Brokk-CTL-Version"); v != "" {
		upstreamReq.Header.Set("Brokk-CTL-Version", v)
	}

	resp, err := s.httpc.Do(upstreamReq)
	if err != nil {
		httputil.WriteError(w, httputil.StatusForCode(apierr.Internal), apierr.Internal, fmt.Sprintf("proxy to executor failed: %v", err))
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		httputil.WriteError(w, httputil.StatusForCode(apierr.Internal), apierr.Internal, "failed to read upstream response")
		return
	}

	if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/v1/jobs") && resp.StatusCode == http.StatusCreated {
		var created struct {
			JobID string `json:"jobId"`
		}
		if json.Unmarshal(respBody, &created) == nil && created.JobID != "" {
			s.jobOwnerMu.Lock()
			s.jobOwner[created.JobID] = sessionID
			s.jobOwnerMu.Unlock()
		}
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
}

// extractJobID pulls the {id} segment out of "/v1/jobs/{id}" or
// "/v1/jobs/{id}/...", returning "" for bare "/v1/jobs" (job creation, which
// has no owner yet).
func extractJobID(path string) string {
	const prefix = "/v1/jobs/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" {
		return ""
	}
	if idx := strings.Index(rest, "/"); idx >= 0 {
		return rest[:idx]
	}
	return rest
}

func (s *Server) allowRequest(sessionID string) bool {
	s.limitersMu.Lock()
	lim, ok := s.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(sessionTokenRateLimit), sessionTokenBurst)
		s.limiters[sessionID] = lim
	}
	s.limitersMu.Unlock()
	return lim.Allow()
}

// protocolVersion mirrors executorserver.ProtocolVersion; duplicated rather
// than imported to avoid a manager->executor package dependency for a
// single string constant.
const protocolVersion = "1.0"
