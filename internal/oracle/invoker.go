package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// DefaultSystemPrompt enforces JSON-only output for structured requests.
// Prose, markdown and fences still slip through often enough that the
// layered extractor in extract.go remains necessary.
const DefaultSystemPrompt = "You are a research assistant. When a JSON schema is provided, your ONLY output must be valid JSON matching it. No markdown, no code fences, no prose."

// Logger receives diagnostic messages from the client. Nil disables
// logging.
type Logger interface {
	LogDebug(message string)
	LogWarn(message string)
}

// Client is a reusable reasoning-oracle client backed by an external CLI
// binary. It follows the http.Client pattern: create once, use many times.
// Thread-safe for concurrent use.
type Client struct {
	// Command is the oracle CLI binary, found in PATH if not absolute.
	Command string

	// Timeout is the default per-invocation timeout. Zero disables it;
	// the caller's context still applies.
	Timeout time.Duration

	// MaxRetries bounds retries of transient failures per invocation.
	MaxRetries int

	// Breaker short-circuits operations that keep failing. Required.
	Breaker *Breaker

	// SystemPrompt overrides DefaultSystemPrompt when non-empty.
	SystemPrompt string

	// Logger receives diagnostics. May be nil.
	Logger Logger
}

// Request holds per-invocation parameters.
type Request struct {
	// Label names the operation for circuit-breaker accounting
	// ("plan.propose", "finding.score", ...). Required.
	Label string

	// Prompt is the user prompt. Required.
	Prompt string

	// Schema is a JSON Schema enforced on the output. Optional; when set
	// the response is expected to be structured.
	Schema string
}

// Response holds the oracle's output.
type Response struct {
	// Content is the oracle's text output with the CLI envelope removed.
	Content string

	// Raw is the unprocessed CLI stdout, kept for audit.
	Raw []byte
}

// NewClient creates a Client with the given binary and a breaker sized for
// interactive use.
func NewClient(command string, timeout time.Duration, breaker *Breaker) *Client {
	return &Client{
		Command:    command,
		Timeout:    timeout,
		MaxRetries: 2,
		Breaker:    breaker,
	}
}

// Invoke runs one oracle call, retrying transient failures with bounded
// backoff. Structural failures are returned immediately. A tripped circuit
// fails fast with ErrCircuitOpen.
func (c *Client) Invoke(ctx context.Context, req Request) (*Response, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if req.Label == "" {
		return nil, fmt.Errorf("operation label is required")
	}
	if c.Breaker != nil && !c.Breaker.Allow(req.Label) {
		return nil, fmt.Errorf("operation %s: %w", req.Label, ErrCircuitOpen)
	}

	var lastErr error
	backoff := 2 * time.Second
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			c.debugf("retrying %s after transient failure (attempt %d/%d)", req.Label, attempt, c.MaxRetries)
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
		}

		resp, err := c.invoke(ctx, req)
		if err == nil {
			if c.Breaker != nil {
				c.Breaker.RecordSuccess(req.Label)
			}
			return resp, nil
		}
		lastErr = err

		if c.Breaker != nil {
			if opened := c.Breaker.RecordFailure(req.Label); opened {
				c.warnf("circuit opened for %s after repeated failures", req.Label)
			}
		}
		if !Retryable(err) {
			return nil, err
		}

		// Rate limit messages may carry an explicit reset time; honor it
		// instead of the generic backoff when it is near-term.
		if info := ParseRateLimit(err.Error()); info != nil {
			if wait := info.TimeUntilReset(); wait > backoff && wait < 10*time.Minute {
				backoff = wait
			}
		}
	}

	return nil, lastErr
}

// InvokeStructured performs an Invoke and parses the content into v via the
// layered extractor. Unparseable output is a structural failure: it counts
// toward the circuit breaker but is never retried.
func (c *Client) InvokeStructured(ctx context.Context, req Request, v interface{}) error {
	resp, err := c.Invoke(ctx, req)
	if err != nil {
		return err
	}

	if err := ExtractStructured(resp.Content, v); err != nil {
		if c.Breaker != nil {
			if opened := c.Breaker.RecordFailure(req.Label); opened {
				c.warnf("circuit opened for %s after repeated unparseable output", req.Label)
			}
		}
		return fmt.Errorf("operation %s: %w", req.Label, err)
	}
	if c.Breaker != nil {
		c.Breaker.RecordSuccess(req.Label)
	}
	return nil
}

// invoke performs the actual CLI call.
func (c *Client) invoke(ctx context.Context, req Request) (*Response, error) {
	ctxToUse := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctxToUse, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	systemPrompt := c.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	args := []string{"--system-prompt", systemPrompt, "-p", req.Prompt}
	if req.Schema != "" {
		args = append(args, "--json-schema", req.Schema)
	}
	args = append(args, "--output-format", "json")

	command := c.Command
	if command == "" {
		command = "claude"
	}

	cmd := exec.CommandContext(ctxToUse, command, args...)
	setCleanEnv(cmd)

	output, err := cmd.CombinedOutput()
	if err != nil {
		if info := ParseRateLimit(string(output)); info != nil {
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, firstLine(string(output)))
		}
		return nil, fmt.Errorf("%w: %v (output: %s)", ErrUnreachable, err, firstLine(string(output)))
	}

	return &Response{
		Content: unwrapEnvelope(output),
		Raw:     output,
	}, nil
}

// cliEnvelope is the JSON wrapper some oracle CLIs put around the model's
// output when --output-format json is used.
type cliEnvelope struct {
	Content string `json:"content"`
	Result  string `json:"result"`
	Error   string `json:"error"`
}

// unwrapEnvelope strips a CLI JSON envelope when present, otherwise
// returns the raw output unchanged.
func unwrapEnvelope(output []byte) string {
	var env cliEnvelope
	if err := json.Unmarshal(output, &env); err != nil {
		return string(output)
	}
	if env.Content != "" {
		return env.Content
	}
	if env.Result != "" {
		return env.Result
	}
	return string(output)
}

// saganTmpDir is a dedicated clean temp directory for oracle invocations,
// avoiding editor socket files that crash some CLI binaries.
var saganTmpDir string

func init() {
	saganTmpDir = filepath.Join(os.TempDir(), "sagan-oracle")
	os.MkdirAll(saganTmpDir, 0755)
}

// setCleanEnv gives the command the current environment with TMPDIR
// pointed at the dedicated clean directory.
func setCleanEnv(cmd *exec.Cmd) {
	cmd.Env = os.Environ()
	found := false
	for i, env := range cmd.Env {
		if len(env) > 7 && env[:7] == "TMPDIR=" {
			cmd.Env[i] = "TMPDIR=" + saganTmpDir
			found = true
			break
		}
	}
	if !found {
		cmd.Env = append(cmd.Env, "TMPDIR="+saganTmpDir)
	}
}

// sleepCtx sleeps for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// firstLine truncates output to its first line for error messages.
func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
		if i > 200 {
			return s[:i] + "..."
		}
	}
	return s
}

func (c *Client) debugf(format string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.LogDebug(fmt.Sprintf(format, args...))
	}
}

func (c *Client) warnf(format string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.LogWarn(fmt.Sprintf(format, args...))
	}
}
