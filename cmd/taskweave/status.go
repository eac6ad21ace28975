package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/taskweave/internal/persistence"
)

var statusColors = map[string]lipgloss.Style{
	"pending":     lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	"in_progress": lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	"completed":   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	"failed":      lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	"cancelled":   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	"skipped":     lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
}

func paintStatus(s string, color bool) string {
	if !color {
		return s
	}
	style, ok := statusColors[s]
	if !ok {
		return s
	}
	return style.Render(s)
}

// cmdStatus prints all plans, or one plan's tasks and runs when planID is
// given.
func cmdStatus(ctx context.Context, a *app, planID string) error {
	color := isatty.IsTerminal(os.Stdout.Fd())
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	if planID == "" {
		plans, err := a.store.ListPlans(ctx)
		if err != nil {
			return err
		}
		if len(plans) == 0 {
			fmt.Println("no plans")
			return nil
		}
		fmt.Fprintln(w, "PLAN\tNAME\tSTATUS\tCREATED")
		for _, p := range plans {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				shortID(p.ID), p.Name, paintStatus(string(p.Status), color),
				p.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	}

	p, err := a.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("plan %s not found", planID)
	}

	fmt.Fprintf(w, "plan %s\t%s\t%s\n\n", p.ID, p.Name, paintStatus(string(p.Status), color))
	fmt.Fprintln(w, "TASK\tTITLE\tSTATUS\tDEPENDS ON\tRUNS")

	tasks, err := a.store.ListTasks(ctx, planID)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		runs, err := a.store.ListRunsForTask(ctx, task.ID)
		if err != nil {
			return err
		}
		deps := make([]string, len(task.DependsOn))
		for i, dep := range task.DependsOn {
			deps[i] = shortID(dep)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			shortID(task.ID), task.Title, paintStatus(string(task.Status), color),
			strings.Join(deps, ","), summarizeRuns(runs, color))
	}
	return nil
}

func summarizeRuns(runs []persistence.Run, color bool) string {
	if len(runs) == 0 {
		return "-"
	}
	parts := make([]string, len(runs))
	for i, r := range runs {
		parts[i] = fmt.Sprintf("%s:%s", shortID(r.ID), paintStatus(string(r.Status), color))
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
