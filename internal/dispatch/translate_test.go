package dispatch

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestTranslateUpdate(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{
			name: "message chunk passes content through",
			raw:  `{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hi"}}`,
			want: map[string]any{
				"kind":    "agent_message_chunk",
				"content": map[string]any{"type": "text", "text": "hi"},
			},
		},
		{
			name: "thought chunk rewraps text as thought",
			raw:  `{"sessionUpdate":"agent_thought_chunk","content":{"type":"text","text":"thinking..."}}`,
			want: map[string]any{
				"kind":    "thought_chunk",
				"content": map[string]any{"thought": "thinking..."},
			},
		},
		{
			name: "thought chunk wire alias",
			raw:  `{"sessionUpdate":"thought_chunk","content":{"type":"text","text":"hmm"}}`,
			want: map[string]any{
				"kind":    "thought_chunk",
				"content": map[string]any{"thought": "hmm"},
			},
		},
		{
			name: "tool call defaults to pending",
			raw:  `{"sessionUpdate":"tool_call","toolCallId":"t1","toolName":"read_file","arguments":{"path":"a.go"}}`,
			want: map[string]any{
				"kind": "tool_call",
				"toolCall": map[string]any{
					"toolCallId": "t1",
					"toolName":   "read_file",
					"arguments":  map[string]any{"path": "a.go"},
					"status":     "pending",
				},
			},
		},
		{
			name: "tool call keeps explicit status and falls back to title",
			raw:  `{"sessionUpdate":"tool_call","toolCallId":"t1","title":"read file","status":"in_progress"}`,
			want: map[string]any{
				"kind": "tool_call",
				"toolCall": map[string]any{
					"toolCallId": "t1",
					"toolName":   "read file",
					"arguments":  nil,
					"status":     "in_progress",
				},
			},
		},
		{
			name: "tool call update with error status",
			raw:  `{"sessionUpdate":"tool_call_update","toolCallId":"t1","status":"error","error":"denied","content":[{"type":"text","text":"ignored"}]}`,
			want: map[string]any{
				"kind": "tool_call_update",
				"toolCall": map[string]any{
					"toolCallId": "t1", "status": "error", "error": "denied",
				},
			},
		},
		{
			name: "tool call update with output",
			raw:  `{"sessionUpdate":"tool_call_update","toolCallId":"t1","status":"completed","content":[{"type":"text","text":"ok"}]}`,
			want: map[string]any{
				"kind": "tool_call_update",
				"toolCall": map[string]any{
					"toolCallId": "t1", "status": "completed",
					"output": []any{map[string]any{"type": "text", "text": "ok"}},
				},
			},
		},
		{
			name: "plan entries become steps",
			raw:  `{"sessionUpdate":"plan","entries":[{"content":"step one","status":"pending"}]}`,
			want: map[string]any{
				"kind": "plan",
				"plan": map[string]any{"steps": []any{map[string]any{"content": "step one", "status": "pending"}}},
			},
		},
		{
			name: "mode update passes through",
			raw:  `{"sessionUpdate":"current_mode_update","currentModeId":"ask"}`,
			want: map[string]any{"kind": "current_mode_update", "currentModeId": "ask"},
		},
		{
			name: "available commands pass through",
			raw:  `{"sessionUpdate":"available_commands","availableCommands":[{"name":"init"}]}`,
			want: map[string]any{
				"kind":              "available_commands",
				"availableCommands": []any{map[string]any{"name": "init"}},
			},
		},
		{
			name: "config options pass through",
			raw:  `{"sessionUpdate":"config_options","options":{"verbosity":"high"}}`,
			want: map[string]any{
				"kind":    "config_options",
				"options": map[string]any{"verbosity": "high"},
			},
		},
		{
			name: "unknown kind passes through",
			raw:  `{"sessionUpdate":"usage_update","tokens":12}`,
			want: map[string]any{"kind": "usage_update", "tokens": float64(12)},
		},
		{
			name: "missing discriminator",
			raw:  `{"something":"else"}`,
			want: map[string]any{"kind": "unknown"},
		},
		{
			name: "invalid json",
			raw:  `{{`,
			want: map[string]any{"kind": "unknown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TranslateUpdate(json.RawMessage(tt.raw))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("TranslateUpdate() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestPendingPromptsFIFO(t *testing.T) {
	p := newPendingPrompts()
	p.push("s", "a")
	p.push("s", "b")

	if id, ok := p.peek("s"); !ok || id != "a" {
		t.Errorf("peek = %q, %v", id, ok)
	}
	ref, _ := p.pop("s")
	if ref.RequestID != "a" {
		t.Errorf("pop = %q, want a", ref.RequestID)
	}
	if ref.CreatedAt.IsZero() {
		t.Error("popped prompt has no creation time")
	}
	p.remove("s", "b")
	if _, ok := p.pop("s"); ok {
		t.Error("queue should be empty")
	}
}

func TestPendingPromptsMigrate(t *testing.T) {
	p := newPendingPrompts()
	p.push("old", "r1")
	p.migrate("old", "new")

	if _, ok := p.peek("old"); ok {
		t.Error("old key still present")
	}
	if id, ok := p.peek("new"); !ok || id != "r1" {
		t.Errorf("new key peek = %q, %v", id, ok)
	}
}

func TestSessionManagerMigrate(t *testing.T) {
	m := NewSessionManager()
	if err := m.Add(&Session{ID: "tmp", ConnectionID: "c1"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if err := m.Migrate("tmp", "real"); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if m.Get("tmp") != nil {
		t.Error("old id still resolves")
	}
	s := m.Get("real")
	if s == nil || s.ID != "real" {
		t.Fatalf("migrated session = %+v", s)
	}

	if err := m.Migrate("missing", "x"); err == nil {
		t.Error("expected error for unknown session")
	}
	_ = m.Add(&Session{ID: "other"})
	if err := m.Migrate("other", "real"); err == nil {
		t.Error("expected collision error")
	}
}
