package executorserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"

	acpsdk "github.com/coder/acp-go-sdk"
)

// JobRunner drives one job's agent subprocess to completion. It is an
// interface so executorserver's HTTP handlers can be tested without
// spawning a real ACP-speaking binary.
type JobRunner interface {
	Run(ctx context.Context, workspaceDir string, client acpsdk.Client, taskInput string) (stopReason string, err error)
}

// AgentRunner spawns the configured agent binary per job, speaks ACP to it
// over its stdin/stdout pipes, and runs exactly one prompt turn.
//
// Grounded on internal/acp/process.go's StartProcess/Stop lifecycle (here
// adapted from "docker exec" to a plain child process, since the executor
// owns its worktree directly rather than through a container boundary) and
// internal/acp/session_host.go's startAgent/HandlePrompt call sequence.
type AgentRunner struct {
	Command string
	Args    []string
}

func (r *AgentRunner) Run(ctx context.Context, workspaceDir string, client acpsdk.Client, taskInput string) (string, error) {
	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Dir = workspaceDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("agent stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("agent stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("agent stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start agent: %w", err)
	}
	go streamAgentStderr(stderr)

	acpConn := acpsdk.NewClientSideConnection(client, stdin, stdout)

	initResp, err := acpConn.Initialize(ctx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{
			Fs: acpsdk.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	})
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return "", fmt.Errorf("ACP initialize failed: %w", err)
	}
	slog.Info("ACP initialize succeeded", "loadSession", initResp.AgentCapabilities.LoadSession)

	sessResp, err := acpConn.NewSession(ctx, acpsdk.NewSessionRequest{
		Cwd:        workspaceDir,
		McpServers: []acpsdk.McpServer{},
	})
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return "", fmt.Errorf("ACP new session failed: %w", err)
	}

	promptResp, err := acpConn.Prompt(ctx, acpsdk.PromptRequest{
		SessionId: sessResp.SessionId,
		Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(taskInput)},
	})

	_ = stdin.Close()
	killErr := cmd.Process.Kill()
	waitErr := cmd.Wait()
	_ = killErr
	_ = waitErr

	if err != nil {
		return "", fmt.Errorf("ACP prompt failed: %w", err)
	}

	return string(promptResp.StopReason), nil
}

func streamAgentStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		slog.Info("agent stderr", "line", scanner.Text())
	}
}
