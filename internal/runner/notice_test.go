package runner

import (
	"testing"
)

func TestDecodeNotice_SubagentStarted(t *testing.T) {
	n, err := DecodeNotice([]byte(`{"kind":"subagent_started","agent_id":"explorer","description":"scan repo"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	started, ok := n.(SubagentStarted)
	if !ok {
		t.Fatalf("got %T", n)
	}
	if started.AgentID != "explorer" || started.Description != "scan repo" {
		t.Fatalf("unexpected payload: %+v", started)
	}
	if Kind(n) != "subagent_started" {
		t.Fatalf("kind %q", Kind(n))
	}
}

func TestDecodeNotice_SubagentFinished(t *testing.T) {
	n, err := DecodeNotice([]byte(`{"kind":"subagent_finished","agent_id":"explorer","success":true}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	finished, ok := n.(SubagentFinished)
	if !ok {
		t.Fatalf("got %T", n)
	}
	if !finished.Success {
		t.Fatal("expected success=true")
	}
}

func TestDecodeNotice_TodoUpdated(t *testing.T) {
	n, err := DecodeNotice([]byte(`{"kind":"todo_updated","items":[{"text":"write tests","done":false},{"text":"wire merge","done":true}]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	todo, ok := n.(TodoUpdated)
	if !ok {
		t.Fatalf("got %T", n)
	}
	if len(todo.Items) != 2 || !todo.Items[1].Done {
		t.Fatalf("unexpected items: %+v", todo.Items)
	}
}

func TestDecodeNotice_RejectsUnknownKind(t *testing.T) {
	if _, err := DecodeNotice([]byte(`{"kind":"mystery"}`)); err == nil {
		t.Fatal("expected rejection of unknown kind")
	}
}

func TestDecodeNotice_RejectsMissingRequiredField(t *testing.T) {
	if _, err := DecodeNotice([]byte(`{"kind":"subagent_finished","agent_id":"x"}`)); err == nil {
		t.Fatal("expected rejection: success is required")
	}
}

func TestDecodeNotice_RejectsNonJSON(t *testing.T) {
	if _, err := DecodeNotice([]byte(`not json`)); err == nil {
		t.Fatal("expected rejection of invalid JSON")
	}
}
