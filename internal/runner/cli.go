package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// CLIRunner delegates task execution to an external agent command. The
// command is invoked once per attempt with the rendered task prompt as its
// final argument, inside the task's worktree. It is the default Service
// implementation wired by the binary; tests use in-package fakes instead.
type CLIRunner struct {
	// Command is the argv prefix of the agent binary, e.g. ["agent", "-p"].
	Command []string
	Logger  *slog.Logger
}

// NewCLIRunner builds a CLIRunner around the given argv prefix.
func NewCLIRunner(command []string, logger *slog.Logger) (*CLIRunner, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("runner command is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIRunner{Command: command, Logger: logger}, nil
}

// RunTask executes the agent command and streams its stdout line by line to
// the OnLog callback. The interrupt capability (SIGINT to the process group)
// is registered once the process has started.
func (r *CLIRunner) RunTask(ctx context.Context, req Request) (*Result, error) {
	prompt := renderPrompt(req)

	args := append(append([]string{}, r.Command[1:]...), prompt)
	cmd := exec.CommandContext(ctx, r.Command[0], args...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent command: %w", err)
	}

	if req.Callbacks.RegisterInterrupt != nil {
		pid := cmd.Process.Pid
		req.Callbacks.RegisterInterrupt(InterruptFunc(func(context.Context) error {
			// Negative pid signals the whole process group.
			if err := syscall.Kill(-pid, syscall.SIGINT); err != nil {
				return fmt.Errorf("interrupt agent process: %w", err)
			}
			return nil
		}))
	}

	var tail []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		// Structured notice lines are JSON objects with a kind field; the
		// agent interleaves them with plain progress output.
		if req.Callbacks.OnNotice != nil && strings.HasPrefix(line, "{") {
			if n, err := DecodeNotice([]byte(line)); err == nil {
				req.Callbacks.OnNotice(n)
				continue
			}
		}
		if req.Callbacks.OnLog != nil {
			req.Callbacks.OnLog(line)
		}
		tail = append(tail, line)
		if len(tail) > 50 {
			tail = tail[1:]
		}
	}

	waitErr := cmd.Wait()
	duration := time.Since(start)

	if waitErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = waitErr.Error()
		}
		return nil, fmt.Errorf("agent command failed: %s", detail)
	}

	sessionID := uuid.NewString()
	if req.Callbacks.OnSessionID != nil {
		req.Callbacks.OnSessionID(sessionID)
	}
	return &Result{
		SessionID:  sessionID,
		ResultText: strings.Join(tail, "\n"),
		StopReason: "completed",
		DurationMs: duration.Milliseconds(),
	}, nil
}

func renderPrompt(req Request) string {
	var sb strings.Builder
	sb.WriteString(req.Task.Title)
	if req.Task.Description != "" {
		sb.WriteString("\n\n")
		sb.WriteString(req.Task.Description)
	}
	if req.Task.Acceptance != "" {
		sb.WriteString("\n\nAcceptance criteria:\n")
		sb.WriteString(req.Task.Acceptance)
	}
	if req.Branch != "" {
		sb.WriteString("\n\nWork on branch ")
		sb.WriteString(req.Branch)
		sb.WriteString(" and commit your changes with conventional commit messages.")
	}
	if req.RetryContext != "" {
		sb.WriteString("\n\nYour previous attempt at this task failed with:\n")
		sb.WriteString(req.RetryContext)
		sb.WriteString("\n\nAnalyze the error, adjust your approach, and try again.")
	}
	return sb.String()
}
