// Package console implements the Headless Console: it adapts an agent
// subprocess's ACP I/O surface into typed JobEvents appended to the Job
// Event Store, auto-answering confirmation prompts so the agent never
// blocks on a human.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	acpsdk "github.com/coder/acp-go-sdk"
)

// Event type tags from the fixed set (spec.md §6).
const (
	EventLLMToken        = "LLM_TOKEN"
	EventNotification    = "NOTIFICATION"
	EventError           = "ERROR"
	EventContextBaseline = "CONTEXT_BASELINE"
	EventStateHint       = "STATE_HINT"
	EventConfirmRequest  = "CONFIRM_REQUEST"
)

// Appender is the subset of the Job Event Store a Console needs.
type Appender interface {
	AppendEvent(jobID, eventType string, payload json.RawMessage) (int64, error)
}

// Console translates one job's agent I/O surface into the store's event
// log. It implements acpsdk.Client so it can be handed directly to
// acpsdk.NewClientSideConnection in place of a browser-facing client.
type Console struct {
	store        Appender
	jobID        string
	workspaceDir string

	mu            sync.Mutex
	sawFirstAgent bool
	sawFirstUser  bool
}

// New constructs a Console that appends events for jobID to store. Text
// file operations (ReadTextFile/WriteTextFile) resolve relative paths
// against workspaceDir; absolute paths are used as given.
func New(store Appender, jobID, workspaceDir string) *Console {
	return &Console{store: store, jobID: jobID, workspaceDir: workspaceDir}
}

func (c *Console) append(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		// Marshalling our own payload structs never fails; surface loudly
		// if it ever does so the bug is visible instead of silently dropped.
		panic(fmt.Sprintf("console: marshal %s payload: %v", eventType, err))
	}
	if _, err := c.store.AppendEvent(c.jobID, eventType, json.RawMessage(data)); err != nil {
		// AppendEvent failing means the durable log is broken; there is no
		// safe fallback other than to surface it to the caller via panic,
		// mirroring appendEvent's documented "fails only on I/O error"
		// contract, which callers are expected to treat as fatal to the job.
		panic(fmt.Sprintf("console: append %s event: %v", eventType, err))
	}
}

// EmitContextBaseline records the initial context handed to the agent.
func (c *Console) EmitContextBaseline(count int, snippet string) {
	c.append(EventContextBaseline, map[string]any{
		"count":   count,
		"snippet": snippet,
	})
}

// EmitNotification records a NOTIFICATION event.
func (c *Console) EmitNotification(level, message, title string) {
	payload := map[string]any{"level": level, "message": message}
	if title != "" {
		payload["title"] = title
	}
	c.append(EventNotification, payload)
}

// EmitError records an ERROR event.
func (c *Console) EmitError(title, message string) {
	c.append(EventError, map[string]any{"title": title, "message": message})
}

// SessionUpdate is the acpsdk.Client notification hook: it receives every
// session/update the agent subprocess emits and appends the corresponding
// typed JobEvent(s).
func (c *Console) SessionUpdate(_ context.Context, params acpsdk.SessionNotification) error {
	u := params.Update

	if u.UserMessageChunk != nil {
		if text := contentText(u.UserMessageChunk.Content); text != "" {
			c.emitToken(text, "user", false)
		}
	}
	if u.AgentMessageChunk != nil {
		if text := contentText(u.AgentMessageChunk.Content); text != "" {
			c.emitToken(text, "agent", false)
		}
	}
	if u.AgentThoughtChunk != nil {
		if text := contentText(u.AgentThoughtChunk.Content); text != "" {
			c.emitToken(text, "agent", true)
		}
	}
	if u.ToolCall != nil {
		c.append(EventStateHint, map[string]any{
			"name":    "tool_call",
			"value":   string(u.ToolCall.Kind),
			"details": toolCallText(u.ToolCall.Content),
		})
	}
	if u.ToolCallUpdate != nil {
		hint := map[string]any{"name": "tool_call_update"}
		if u.ToolCallUpdate.Status != nil {
			hint["value"] = string(*u.ToolCallUpdate.Status)
		}
		if text := toolCallText(u.ToolCallUpdate.Content); text != "" {
			hint["details"] = text
		}
		c.append(EventStateHint, hint)
	}
	if u.Plan != nil {
		c.append(EventStateHint, map[string]any{
			"name":  "plan",
			"count": len(u.Plan.Entries),
		})
	}

	return nil
}

func (c *Console) emitToken(text, messageType string, isReasoning bool) {
	c.mu.Lock()
	isNew := false
	if messageType == "agent" {
		isNew = !c.sawFirstAgent
		c.sawFirstAgent = true
	} else {
		isNew = !c.sawFirstUser
		c.sawFirstUser = true
	}
	c.mu.Unlock()

	c.append(EventLLMToken, map[string]any{
		"token":        text,
		"messageType":  messageType,
		"isNewMessage": isNew,
		"isReasoning":  isReasoning,
	})
}

// RequestPermission implements acpsdk.Client. A headless confirmation
// cannot block on a human: it appends a CONFIRM_REQUEST event carrying a
// deterministic default decision and returns that decision immediately.
func (c *Console) RequestPermission(_ context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	optionType, decision := classifyOptions(params.Options)

	c.append(EventConfirmRequest, map[string]any{
		"message":         "agent is requesting permission to proceed",
		"title":           "Confirmation required",
		"optionType":      optionType,
		"messageType":     "confirm",
		"defaultDecision": decision,
	})

	for _, opt := range params.Options {
		if matchesDecision(opt, decision) {
			return acpsdk.RequestPermissionResponse{
				Outcome: acpsdk.NewRequestPermissionOutcomeSelected(opt.OptionId),
			}, nil
		}
	}
	if len(params.Options) > 0 {
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeSelected(params.Options[0].OptionId),
		}, nil
	}
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
	}, nil
}

// classifyOptions decides whether this is a yes/no or an OK/cancel prompt
// and what the deterministic default decision is: YES for yes/no, OK for
// OK/cancel, per spec.md §4.4. Agent subprocesses identify options by an
// opaque OptionId string; this module recognizes the conventional
// "allow"/"ok"/"yes" family as the affirmative choice.
func classifyOptions(options []acpsdk.PermissionOption) (optionType, decision string) {
	for _, opt := range options {
		if strings.Contains(strings.ToLower(string(opt.OptionId)), "ok") {
			return "ok_cancel", "OK"
		}
	}
	return "yes_no", "YES"
}

func matchesDecision(opt acpsdk.PermissionOption, decision string) bool {
	id := strings.ToLower(string(opt.OptionId))
	switch decision {
	case "OK":
		return strings.Contains(id, "ok") || strings.Contains(id, "allow")
	default:
		return strings.Contains(id, "yes") || strings.Contains(id, "allow")
	}
}

func contentText(block acpsdk.ContentBlock) string {
	if block.Text != nil {
		return block.Text.Text
	}
	return ""
}

func toolCallText(contents []acpsdk.ToolCallContent) string {
	var b strings.Builder
	for _, c := range contents {
		if c.Content != nil && c.Content.Content.Text != nil {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(c.Content.Content.Text.Text)
		}
		if c.Diff != nil {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("diff: " + c.Diff.Path)
		}
	}
	return b.String()
}

// --- File-system capability surface ---
//
// The teacher execs "cat"/shell redirection inside a devcontainer via
// docker exec; this module has no container boundary (the worktree is a
// plain host directory owned by the Worktree Provisioner), so file access
// goes directly through os.ReadFile/os.WriteFile, with relative paths
// resolved against workspaceDir.

func (c *Console) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(path) {
		return path, nil
	}
	return filepath.Join(c.workspaceDir, path), nil
}

// ReadTextFile implements acpsdk.Client.
func (c *Console) ReadTextFile(_ context.Context, params acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	full, err := c.resolve(params.Path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("read %q: %w", params.Path, err)
	}
	return acpsdk.ReadTextFileResponse{Content: string(data)}, nil
}

// WriteTextFile implements acpsdk.Client.
func (c *Console) WriteTextFile(_ context.Context, params acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	full, err := c.resolve(params.Path)
	if err != nil {
		return acpsdk.WriteTextFileResponse{}, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("write %q: %w", params.Path, err)
	}
	if err := os.WriteFile(full, []byte(params.Content), 0o644); err != nil {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("write %q: %w", params.Path, err)
	}
	return acpsdk.WriteTextFileResponse{}, nil
}

// Terminal operations are not supported: the spec treats child-process
// sandboxing and interactive terminals as a separate out-of-scope concern
// (spec.md §1 Non-goals). Each returns an error rather than panicking so a
// misbehaving agent that probes for terminal support degrades gracefully.

var errTerminalsUnsupported = fmt.Errorf("console: terminal operations are not supported")

func (c *Console) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, errTerminalsUnsupported
}

func (c *Console) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, errTerminalsUnsupported
}

func (c *Console) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, errTerminalsUnsupported
}

func (c *Console) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, errTerminalsUnsupported
}

func (c *Console) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, errTerminalsUnsupported
}
