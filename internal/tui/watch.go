// Package tui implements `taskweave watch`: a live, scrolling tail of run
// and queue events from the bus.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/taskweave/internal/bus"
)

const maxLines = 500

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	topicStyles = map[string]lipgloss.Style{
		bus.TopicRunFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		bus.TopicQueueFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		bus.TopicRunCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		bus.TopicQueueAborted: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	}
	defaultTopicStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

type busEventMsg struct {
	event bus.Event
}

type ctxDoneMsg struct{}

type watchLine struct {
	at    time.Time
	topic string
	text  string
}

type watchModel struct {
	ctx    context.Context
	sub    *bus.Subscription
	lines  []watchLine
	width  int
	height int
}

// Run starts the watch TUI, tailing all bus events until the user quits or
// ctx is cancelled.
func Run(ctx context.Context, eventBus *bus.Bus) error {
	sub := eventBus.Subscribe("")
	defer eventBus.Unsubscribe(sub)

	m := watchModel{ctx: ctx, sub: sub}
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(waitForBusEvent(m.sub), waitCtxDone(m.ctx))
}

func waitForBusEvent(sub *bus.Subscription) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub.Ch()
		if !ok {
			return ctxDoneMsg{}
		}
		return busEventMsg{event: event}
	}
}

func waitCtxDone(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return ctxDoneMsg{}
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case ctxDoneMsg:
		return m, tea.Quit
	case busEventMsg:
		m.lines = append(m.lines, watchLine{
			at:    time.Now(),
			topic: msg.event.Topic,
			text:  renderPayload(msg.event),
		})
		if len(m.lines) > maxLines {
			m.lines = m.lines[len(m.lines)-maxLines:]
		}
		return m, waitForBusEvent(m.sub)
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("taskweave watch"))
	b.WriteString(timeStyle.Render("  (q to quit)"))
	b.WriteString("\n\n")

	visible := m.lines
	if m.height > 4 && len(visible) > m.height-4 {
		visible = visible[len(visible)-(m.height-4):]
	}
	for _, line := range visible {
		style, ok := topicStyles[line.topic]
		if !ok {
			style = defaultTopicStyle
		}
		b.WriteString(timeStyle.Render(line.at.Format("15:04:05")))
		b.WriteString(" ")
		b.WriteString(style.Render(line.topic))
		b.WriteString(" ")
		b.WriteString(line.text)
		b.WriteString("\n")
	}
	return b.String()
}

func renderPayload(event bus.Event) string {
	switch p := event.Payload.(type) {
	case bus.RunEvent:
		s := fmt.Sprintf("run=%s task=%s status=%s", short(p.RunID), short(p.TaskID), p.Status)
		if p.Reason != "" {
			s += " reason=" + p.Reason
		}
		return s
	case bus.RunLogEvent:
		return fmt.Sprintf("run=%s %s", short(p.RunID), p.Line)
	case bus.QueueEvent:
		s := fmt.Sprintf("plan=%s", short(p.PlanID))
		if p.Phase > 0 {
			s += fmt.Sprintf(" phase=%d", p.Phase)
		}
		if p.TaskID != "" {
			s += " task=" + short(p.TaskID)
		}
		if p.Detail != "" {
			s += " " + p.Detail
		}
		return s
	default:
		return fmt.Sprintf("%v", event.Payload)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
