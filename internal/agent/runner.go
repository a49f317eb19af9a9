// Package agent runs the coding agent CLI headless and parses its
// stream-json output into a final text plus run metrics.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golithk/kiln/internal/kilnerr"
	"github.com/golithk/kiln/internal/log"
)

// maxLineSize is the scanner buffer for stdout lines. Tool results can
// be large.
const maxLineSize = 1024 * 1024

// Request describes one agent invocation.
type Request struct {
	Prompt  string
	Model   string
	WorkDir string
	// SessionID, when set, resumes an existing session.
	SessionID string
	// MCPConfigPath, when set, is passed as --mcp-config.
	MCPConfigPath string
}

// Metrics is the cost and token accounting of a finished run.
type Metrics struct {
	TotalCostUSD        float64
	DurationMs          int64
	DurationAPIMs       int64
	NumTurns            int
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
}

// Result is a successful agent run.
type Result struct {
	// Text is the agent's final response.
	Text      string
	SessionID string
	Metrics   Metrics
}

// Runner executes the agent CLI.
type Runner struct {
	// Command is the CLI binary, normally "claude".
	Command string
	// TotalTimeout bounds the whole run.
	TotalTimeout time.Duration
	// InactivityTimeout bounds the gap between output lines.
	InactivityTimeout time.Duration
}

// NewRunner builds a Runner.
func NewRunner(command string, totalTimeout, inactivityTimeout time.Duration) *Runner {
	return &Runner{
		Command:           command,
		TotalTimeout:      totalTimeout,
		InactivityTimeout: inactivityTimeout,
	}
}

func (r *Runner) buildArgs(req Request) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if req.MCPConfigPath != "" {
		args = append(args, "--mcp-config", req.MCPConfigPath)
	}
	return args
}

// Run executes the agent and blocks until it completes or times out.
// The prompt is written to stdin. On failure the returned error carries
// captured stderr and any non-JSON stdout, which is where the CLI puts
// its own diagnostics.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.TotalTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.Command, r.buildArgs(req)...)
	cmd.Dir = req.WorkDir
	cmd.Stdin = strings.NewReader(req.Prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", r.Command, err)
	}
	log.Debug(log.CatAgent, "Agent started",
		"command", r.Command, "model", req.Model, "resume", req.SessionID != "", "workDir", req.WorkDir)

	// Inactivity watchdog: any stdout line pushes the deadline out.
	var inactivityFired atomic.Bool
	watchdog := time.AfterFunc(r.InactivityTimeout, func() {
		inactivityFired.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	var stderrBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stderrBuf, stderr)
	}()

	var (
		result        Result
		resultSeen    bool
		agentErr      string
		nonJSON       []string
		assistantText strings.Builder
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		watchdog.Reset(r.InactivityTimeout)
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event OutputEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			nonJSON = append(nonJSON, line)
			continue
		}
		switch {
		case event.IsInit():
			result.SessionID = event.SessionID
			log.Debug(log.CatAgent, "Session started", "sessionID", event.SessionID)
		case event.Type == EventAssistant:
			assistantText.WriteString(event.Message.GetText())
		case event.IsResult():
			resultSeen = true
			// The response is every assistant chunk followed by the
			// result payload, in stream order.
			result.Text = assistantText.String() + event.Result
			if event.SessionID != "" {
				result.SessionID = event.SessionID
			}
			result.Metrics = metricsFrom(&event)
			if event.IsError() {
				agentErr = event.ErrorMessage()
			}
		case event.IsError():
			agentErr = event.ErrorMessage()
		}
	}
	scanErr := scanner.Err()
	wg.Wait()
	waitErr := cmd.Wait()

	switch {
	case inactivityFired.Load():
		return nil, kilnerr.Newf(kilnerr.KindAgentTimeoutInactivity,
			"no output for %s%s", r.InactivityTimeout, diagnostics(stderrBuf.String(), nonJSON))
	case runCtx.Err() == context.DeadlineExceeded:
		return nil, kilnerr.Newf(kilnerr.KindAgentTimeoutTotal,
			"run exceeded %s%s", r.TotalTimeout, diagnostics(stderrBuf.String(), nonJSON))
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case agentErr != "":
		return nil, kilnerr.Newf(kilnerr.KindAgentFailure,
			"%s%s", agentErr, diagnostics(stderrBuf.String(), nonJSON))
	case waitErr != nil:
		return nil, kilnerr.Newf(kilnerr.KindAgentFailure,
			"%s exited: %v%s", r.Command, waitErr, diagnostics(stderrBuf.String(), nonJSON))
	case scanErr != nil:
		return nil, fmt.Errorf("reading agent output: %w", scanErr)
	case !resultSeen:
		return nil, kilnerr.Newf(kilnerr.KindAgentFailure,
			"agent produced no result event%s", diagnostics(stderrBuf.String(), nonJSON))
	}

	log.Info(log.CatAgent, "Agent run complete",
		"sessionID", result.SessionID, "turns", result.Metrics.NumTurns,
		"costUSD", result.Metrics.TotalCostUSD, "durationMs", result.Metrics.DurationMs)
	return &result, nil
}

func metricsFrom(e *OutputEvent) Metrics {
	m := Metrics{
		TotalCostUSD:  e.TotalCostUSD,
		DurationMs:    e.DurationMs,
		DurationAPIMs: e.DurationAPIMs,
		NumTurns:      e.NumTurns,
	}
	if e.Usage != nil {
		m.InputTokens = e.Usage.InputTokens
		m.OutputTokens = e.Usage.OutputTokens
		m.CacheReadTokens = e.Usage.CacheReadInputTokens
		m.CacheCreationTokens = e.Usage.CacheCreationInputTokens
	}
	return m
}

// diagnostics formats stderr and stray stdout for error messages.
func diagnostics(stderr string, nonJSON []string) string {
	var sb strings.Builder
	if s := strings.TrimSpace(stderr); s != "" {
		sb.WriteString("; stderr: ")
		sb.WriteString(truncate(s, 2000))
	}
	if len(nonJSON) > 0 {
		sb.WriteString("; stdout: ")
		sb.WriteString(truncate(strings.Join(nonJSON, "\n"), 2000))
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// SessionFileExists reports whether the CLI still has the session on
// disk. Sessions live under ~/.claude/projects/<encoded workdir>/, one
// jsonl file per session, where the encoding replaces path separators
// and dots with dashes.
func SessionFileExists(homeDir, workDir, sessionID string) bool {
	if sessionID == "" {
		return false
	}
	encoded := encodeProjectDir(workDir)
	path := filepath.Join(homeDir, ".claude", "projects", encoded, sessionID+".jsonl")
	_, err := os.Stat(path)
	return err == nil
}

func encodeProjectDir(workDir string) string {
	s := strings.ReplaceAll(workDir, string(filepath.Separator), "-")
	return strings.ReplaceAll(s, ".", "-")
}
