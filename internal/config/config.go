// Package config loads agentctl's manager and executor configuration from
// CLI flags and environment variables.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ManagerConfig configures the Session Manager HTTP Server and Executor Pool.
type ManagerConfig struct {
	ManagerID          string
	ListenAddr         string
	AuthToken          string
	PoolSize           int
	WorktreeBaseDir    string
	ExecutorBinaryPath string
	IdleTimeout        time.Duration
	EvictionInterval   time.Duration
	AllowedOrigins     []string
	InstancesDir       string
	HeartbeatInterval  time.Duration
}

// LoadManager reads ManagerConfig from environment variables, applying
// defaults and validating required fields.
func LoadManager() (*ManagerConfig, error) {
	cfg := &ManagerConfig{
		ManagerID:          getEnv("MANAGER_ID", defaultManagerID()),
		ListenAddr:         getEnv("LISTEN_ADDR", "0.0.0.0:7400"),
		AuthToken:          getEnv("AUTH_TOKEN", ""),
		PoolSize:           getEnvInt("POOL_SIZE", 0),
		WorktreeBaseDir:    getEnv("WORKTREE_BASE_DIR", ""),
		ExecutorBinaryPath: getEnv("EXECUTOR_BINARY_PATH", "agentctl-executor"),
		IdleTimeout:        getEnvDuration("IDLE_TIMEOUT", 30*time.Minute),
		EvictionInterval:   getEnvDuration("EVICTION_INTERVAL", 1*time.Minute),
		AllowedOrigins:     getEnvStringSlice("ALLOWED_ORIGINS", nil),
		InstancesDir:       getEnv("INSTANCES_DIR", ""),
		HeartbeatInterval:  getEnvDuration("HEARTBEAT_INTERVAL", 5*time.Second),
	}

	if strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, fmt.Errorf("AUTH_TOKEN is required")
	}
	if cfg.PoolSize < 1 {
		return nil, fmt.Errorf("POOL_SIZE must be >= 1")
	}
	if strings.TrimSpace(cfg.WorktreeBaseDir) == "" {
		return nil, fmt.Errorf("WORKTREE_BASE_DIR is required")
	}

	return cfg, nil
}

// ExecutorConfig configures a single child Executor HTTP Server. Fields are
// populated first from CLI flags, falling back to environment variables.
type ExecutorConfig struct {
	ExecID       string
	ListenAddr   string
	AuthToken    string
	WorkspaceDir string
	AgentCommand string
	AgentArgs    []string
	JobDBPath    string
}

// LoadExecutor parses CLI flags (args, excluding argv[0]) with environment
// variables as fallback defaults.
func LoadExecutor(args []string) (*ExecutorConfig, error) {
	fs := flag.NewFlagSet("agentctl-executor", flag.ContinueOnError)

	execID := fs.String("exec-id", getEnv("EXEC_ID", ""), "unique id for this executor incarnation")
	listenAddr := fs.String("listen-addr", getEnv("LISTEN_ADDR", "127.0.0.1:0"), "address to listen on")
	authToken := fs.String("auth-token", getEnv("AUTH_TOKEN", ""), "shared secret required on all authenticated requests")
	workspaceDir := fs.String("workspace-dir", getEnv("WORKSPACE_DIR", ""), "absolute path to the provisioned worktree")
	agentCommand := fs.String("agent-command", getEnv("AGENT_COMMAND", "claude-code-acp"), "ACP-speaking agent binary to run per job")
	agentArgs := fs.String("agent-args", getEnv("AGENT_ARGS", ""), "comma-separated extra args passed to the agent binary")
	jobDBPath := fs.String("job-db-path", getEnv("JOB_DB_PATH", ""), "path to this executor's job event store (defaults under workspace-dir)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &ExecutorConfig{
		ExecID:       *execID,
		ListenAddr:   *listenAddr,
		AuthToken:    *authToken,
		WorkspaceDir: *workspaceDir,
		AgentCommand: *agentCommand,
		JobDBPath:    *jobDBPath,
	}
	if *agentArgs != "" {
		cfg.AgentArgs = strings.Split(*agentArgs, ",")
	}

	if strings.TrimSpace(cfg.ExecID) == "" {
		return nil, fmt.Errorf("exec-id is required")
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, fmt.Errorf("auth-token is required")
	}
	if strings.TrimSpace(cfg.WorkspaceDir) == "" {
		return nil, fmt.Errorf("workspace-dir is required")
	}

	return cfg, nil
}

func defaultManagerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "manager"
	}
	return "manager-" + host
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvStringSlice(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
