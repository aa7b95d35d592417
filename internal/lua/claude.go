package lua

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

const DefaultAgentTimeout = 10 * time.Minute

// Agent runs one prompt against a coding agent in a working directory.
type Agent interface {
	Run(ctx context.Context, dir, prompt string, opts AgentOptions) (*AgentResult, error)
}

type AgentOptions struct {
	Model        string
	SystemPrompt string
	AllowedTools []string
}

type AgentResult struct {
	Text         string  `json:"result"`
	SessionID    string  `json:"session_id"`
	CostUSD      float64 `json:"cost_usd"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	DurationMS   float64 `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	IsError      bool    `json:"is_error"`
	Usage        struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// Cost reports the cost field the CLI populated.
func (r *AgentResult) Cost() float64 {
	if r.CostUSD > 0 {
		return r.CostUSD
	}
	return r.TotalCostUSD
}

func (r *AgentResult) Tokens() (in, out int64) {
	in, out = r.InputTokens, r.OutputTokens
	if in == 0 && out == 0 {
		in, out = r.Usage.InputTokens, r.Usage.OutputTokens
	}
	return in, out
}

// Claude runs the claude CLI in print mode with JSON output. The prompt is
// written to stdin.
type Claude struct {
	Executable string
	Model      string
	Timeout    time.Duration
	logger     *zap.Logger
}

func NewClaude(executable, model string, logger *zap.Logger) *Claude {
	if executable == "" {
		executable = "claude"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Claude{
		Executable: executable,
		Model:      model,
		Timeout:    DefaultAgentTimeout,
		logger:     logger,
	}
}

var ErrAgentNotFound = errors.New("agent executable not found")

func (c *Claude) Run(ctx context.Context, dir, prompt string, opts AgentOptions) (*AgentResult, error) {
	path, err := exec.LookPath(c.Executable)
	if err != nil {
		return nil, fmt.Errorf("%w: %q (set llm.claude_executable or LEVELUP_LLM__CLAUDE_EXECUTABLE)", ErrAgentNotFound, c.Executable)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("working directory does not exist: %s", dir)
	}

	args := []string{"-p", "--output-format", "json"}
	model := opts.Model
	if model == "" {
		model = c.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("running agent", zap.String("executable", path), zap.String("dir", dir), zap.String("model", model))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("agent interrupted: %w", ctx.Err())
		}
		return nil, fmt.Errorf("agent failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, errors.New("agent returned empty output")
	}

	var result AgentResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("failed to parse agent output: %w", err)
	}
	if result.IsError {
		return &result, fmt.Errorf("agent reported error: %s", result.Text)
	}
	return &result, nil
}
