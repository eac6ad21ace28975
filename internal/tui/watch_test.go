package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/taskweave/internal/bus"
)

func TestWatchModel_AppendsAndCapsLines(t *testing.T) {
	m := watchModel{}
	for i := 0; i < maxLines+50; i++ {
		next, _ := m.Update(busEventMsg{event: bus.Event{
			Topic:   bus.TopicRunLog,
			Payload: bus.RunLogEvent{RunID: "run-123456789", Line: "working"},
		}})
		m = next.(watchModel)
	}
	if len(m.lines) != maxLines {
		t.Fatalf("kept %d lines, want cap %d", len(m.lines), maxLines)
	}
}

func TestWatchModel_QuitKeys(t *testing.T) {
	m := watchModel{}
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("q should quit")
	}
}

func TestRenderPayload(t *testing.T) {
	got := renderPayload(bus.Event{
		Topic: bus.TopicRunFailed,
		Payload: bus.RunEvent{
			RunID:  "abcdef0123456789",
			TaskID: "t1",
			Status: "failed",
			Reason: "boom",
		},
	})
	if !strings.Contains(got, "abcdef01") || !strings.Contains(got, "reason=boom") {
		t.Fatalf("rendered %q", got)
	}

	got = renderPayload(bus.Event{
		Topic:   bus.TopicQueuePhaseStarted,
		Payload: bus.QueueEvent{PlanID: "p", Phase: 2, Detail: "3 tasks"},
	})
	if !strings.Contains(got, "phase=2") || !strings.Contains(got, "3 tasks") {
		t.Fatalf("rendered %q", got)
	}
}
