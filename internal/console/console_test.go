package console

import (
	"context"
	"encoding/json"
	"testing"

	acpsdk "github.com/coder/acp-go-sdk"
)

type fakeAppender struct {
	events []appended
}

type appended struct {
	jobID     string
	eventType string
	payload   json.RawMessage
}

func (f *fakeAppender) AppendEvent(jobID, eventType string, payload json.RawMessage) (int64, error) {
	f.events = append(f.events, appended{jobID, eventType, payload})
	return int64(len(f.events) - 1), nil
}

func TestConsole_SessionUpdate_AgentMessageChunkEmitsLLMToken(t *testing.T) {
	store := &fakeAppender{}
	c := New(store, "job-1", t.TempDir())

	notif := acpsdk.SessionNotification{
		SessionId: "sess-1",
		Update: acpsdk.SessionUpdate{
			AgentMessageChunk: &acpsdk.SessionUpdateAgentMessageChunk{
				Content: acpsdk.ContentBlock{Text: &acpsdk.ContentBlockText{Text: "hello"}},
			},
		},
	}

	if err := c.SessionUpdate(context.Background(), notif); err != nil {
		t.Fatalf("SessionUpdate: %v", err)
	}

	if len(store.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(store.events))
	}
	if store.events[0].eventType != EventLLMToken {
		t.Fatalf("expected %s, got %s", EventLLMToken, store.events[0].eventType)
	}

	var payload struct {
		Token        string `json:"token"`
		MessageType  string `json:"messageType"`
		IsNewMessage bool   `json:"isNewMessage"`
		IsReasoning  bool   `json:"isReasoning"`
	}
	if err := json.Unmarshal(store.events[0].payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Token != "hello" || payload.MessageType != "agent" || !payload.IsNewMessage || payload.IsReasoning {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestConsole_SessionUpdate_SecondAgentChunkIsNotNewMessage(t *testing.T) {
	store := &fakeAppender{}
	c := New(store, "job-1", t.TempDir())

	chunk := func(text string) acpsdk.SessionNotification {
		return acpsdk.SessionNotification{
			Update: acpsdk.SessionUpdate{
				AgentMessageChunk: &acpsdk.SessionUpdateAgentMessageChunk{
					Content: acpsdk.ContentBlock{Text: &acpsdk.ContentBlockText{Text: text}},
				},
			},
		}
	}

	_ = c.SessionUpdate(context.Background(), chunk("one"))
	_ = c.SessionUpdate(context.Background(), chunk("two"))

	var second struct {
		IsNewMessage bool `json:"isNewMessage"`
	}
	if err := json.Unmarshal(store.events[1].payload, &second); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if second.IsNewMessage {
		t.Fatal("expected second chunk to not be a new message")
	}
}

func TestConsole_SessionUpdate_ToolCallEmitsStateHint(t *testing.T) {
	store := &fakeAppender{}
	c := New(store, "job-1", t.TempDir())

	notif := acpsdk.SessionNotification{
		Update: acpsdk.SessionUpdate{
			ToolCall: &acpsdk.SessionUpdateToolCall{},
		},
	}

	if err := c.SessionUpdate(context.Background(), notif); err != nil {
		t.Fatalf("SessionUpdate: %v", err)
	}
	if store.events[0].eventType != EventStateHint {
		t.Fatalf("expected %s, got %s", EventStateHint, store.events[0].eventType)
	}
}

func TestConsole_RequestPermission_YesNoDefaultsToYes(t *testing.T) {
	store := &fakeAppender{}
	c := New(store, "job-1", t.TempDir())

	req := acpsdk.RequestPermissionRequest{
		Options: []acpsdk.PermissionOption{
			{OptionId: "opt-yes"},
			{OptionId: "opt-no"},
		},
	}

	resp, err := c.RequestPermission(context.Background(), req)
	if err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	selected, ok := resp.Outcome.(acpsdk.RequestPermissionOutcomeSelected)
	if !ok {
		t.Fatalf("expected a selected outcome, got %#v", resp.Outcome)
	}
	if selected.OptionId != "opt-yes" {
		t.Fatalf("expected default YES decision to select opt-yes, got %q", selected.OptionId)
	}

	if len(store.events) != 1 || store.events[0].eventType != EventConfirmRequest {
		t.Fatalf("expected a CONFIRM_REQUEST event, got %+v", store.events)
	}
	var payload struct {
		DefaultDecision string `json:"defaultDecision"`
	}
	if err := json.Unmarshal(store.events[0].payload, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.DefaultDecision != "YES" {
		t.Fatalf("expected defaultDecision=YES, got %q", payload.DefaultDecision)
	}
}

func TestConsole_RequestPermission_OkCancelDefaultsToOK(t *testing.T) {
	store := &fakeAppender{}
	c := New(store, "job-1", t.TempDir())

	req := acpsdk.RequestPermissionRequest{
		Options: []acpsdk.PermissionOption{
			{OptionId: "opt-ok"},
			{OptionId: "opt-cancel"},
		},
	}

	resp, err := c.RequestPermission(context.Background(), req)
	if err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	selected, ok := resp.Outcome.(acpsdk.RequestPermissionOutcomeSelected)
	if !ok {
		t.Fatalf("expected a selected outcome, got %#v", resp.Outcome)
	}
	if selected.OptionId != "opt-ok" {
		t.Fatalf("expected default OK decision to select opt-ok, got %q", selected.OptionId)
	}
}

func TestConsole_ReadWriteTextFile_RootedAtWorkspaceDir(t *testing.T) {
	dir := t.TempDir()
	store := &fakeAppender{}
	c := New(store, "job-1", dir)

	_, err := c.WriteTextFile(context.Background(), acpsdk.WriteTextFileRequest{
		Path:    "notes/todo.txt",
		Content: "remember the milk",
	})
	if err != nil {
		t.Fatalf("WriteTextFile: %v", err)
	}

	resp, err := c.ReadTextFile(context.Background(), acpsdk.ReadTextFileRequest{Path: "notes/todo.txt"})
	if err != nil {
		t.Fatalf("ReadTextFile: %v", err)
	}
	if resp.Content != "remember the milk" {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
}

func TestConsole_CreateTerminal_Unsupported(t *testing.T) {
	store := &fakeAppender{}
	c := New(store, "job-1", t.TempDir())

	if _, err := c.CreateTerminal(context.Background(), acpsdk.CreateTerminalRequest{}); err == nil {
		t.Fatal("expected terminal creation to be unsupported")
	}
}
