// Package sandbox executes task code in pooled, resource-limited Python
// environments. Each environment owns a scratch directory and a persistent
// runner process speaking a length-prefixed JSON protocol over stdio, so
// repeated executions skip interpreter startup.
package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	_ "embed"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

//go:embed runner.py
var runnerScript string

// ExecOutput is the raw result of one code execution.
type ExecOutput struct {
	Stdout   string
	Stderr   string
	OK       bool
	TimedOut bool
	Elapsed  time.Duration
}

// Runtime is the execution surface the pool manages. Environment is the
// real implementation; tests substitute fakes.
type Runtime interface {
	ID() string
	Healthy() bool
	Exec(ctx context.Context, code string, timeout time.Duration) (*ExecOutput, error)
	Reset(ctx context.Context) error
	Install(ctx context.Context, packages []string) error
	ArtifactDir() string
	Close() error
}

// Settings carries the knobs an environment needs at creation time.
type Settings struct {
	WorkDir      string
	Interpreter  string
	CPUSeconds   int
	MemoryMB     int
	AllowNetwork bool
}

// Environment is a scratch directory plus a persistent runner process.
type Environment struct {
	id       string
	dir      string
	settings Settings

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	healthy bool
}

type runnerRequest struct {
	Code  string `json:"code"`
	Reset bool   `json:"reset,omitempty"`
}

type runnerResponse struct {
	OK     bool   `json:"ok"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Error  string `json:"error"`
}

// NewEnvironment creates the scratch directory, writes the runner script,
// and starts the runner process.
func NewEnvironment(settings Settings) (*Environment, error) {
	if settings.Interpreter == "" {
		settings.Interpreter = "python3"
	}

	id := uuid.New().String()[:8]
	dir := filepath.Join(settings.WorkDir, "env-"+id)
	for _, sub := range []string{"", "tmp", "artifacts", "site-packages"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create environment dir: %w", err)
		}
	}

	scriptPath := filepath.Join(dir, "_runner.py")
	if err := os.WriteFile(scriptPath, []byte(runnerScript), 0644); err != nil {
		return nil, fmt.Errorf("write runner script: %w", err)
	}

	env := &Environment{id: id, dir: dir, settings: settings}
	if err := env.start(); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return env, nil
}

func (e *Environment) start() error {
	name, args := e.runnerCommand()
	cmd := exec.Command(name, args...)
	cmd.Dir = filepath.Join(e.dir, "artifacts")
	cmd.Env = e.sanitizedEnv(false)
	cmd.Stderr = nil

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("runner stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("runner stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}

	e.cmd = cmd
	e.stdin = stdin
	e.stdout = bufio.NewReader(stdout)
	e.healthy = true
	return nil
}

// runnerCommand wraps the interpreter in unshare -n when the environment
// runs offline and the host supports it.
func (e *Environment) runnerCommand() (string, []string) {
	script := filepath.Join(e.dir, "_runner.py")
	if !e.settings.AllowNetwork {
		if path, err := exec.LookPath("unshare"); err == nil {
			return path, []string{"-n", e.settings.Interpreter, "-u", script}
		}
	}
	return e.settings.Interpreter, []string{"-u", script}
}

// sanitizedEnv builds a minimal environment. Proxy variables are dropped
// unless network access is required for the child, as with pip installs.
func (e *Environment) sanitizedEnv(withNetwork bool) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + e.dir,
		"TMPDIR=" + filepath.Join(e.dir, "tmp"),
		"LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"SAGAN_SITE_PACKAGES=" + filepath.Join(e.dir, "site-packages"),
		"SAGAN_CPU_SECONDS=" + strconv.Itoa(e.settings.CPUSeconds),
		"SAGAN_MEMORY_MB=" + strconv.Itoa(e.settings.MemoryMB),
	}
	if withNetwork {
		for _, key := range []string{"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY", "http_proxy", "https_proxy", "no_proxy"} {
			if v := os.Getenv(key); v != "" {
				env = append(env, key+"="+v)
			}
		}
	}
	return env
}

// ID returns the environment's short identifier.
func (e *Environment) ID() string { return e.id }

// ArtifactDir returns the directory task code writes output files to.
func (e *Environment) ArtifactDir() string { return filepath.Join(e.dir, "artifacts") }

// Healthy reports whether the runner process is still usable.
func (e *Environment) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy
}

// resetTimeout bounds the namespace-clearing round trip. It carries no
// user code, so anything slow means the runner is wedged.
const resetTimeout = 30 * time.Second

// Exec sends code to the runner and waits up to timeout for the response.
// A timeout kills the runner and marks the environment unhealthy; the
// caller gets an ExecOutput with TimedOut set rather than an error.
func (e *Environment) Exec(ctx context.Context, code string, timeout time.Duration) (*ExecOutput, error) {
	return e.roundTrip(ctx, runnerRequest{Code: code}, timeout)
}

// Reset clears the runner's session namespace. State persists between
// executions inside a task; a reset at the task boundary keeps one task's
// globals from leaking into the next when the pool reuses an environment.
func (e *Environment) Reset(ctx context.Context) error {
	_, err := e.roundTrip(ctx, runnerRequest{Reset: true}, resetTimeout)
	return err
}

func (e *Environment) roundTrip(ctx context.Context, req runnerRequest, timeout time.Duration) (*ExecOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.healthy {
		return nil, ErrEnvUnhealthy
	}

	start := time.Now()
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if _, err := fmt.Fprintf(e.stdin, "%d\n", len(payload)); err != nil {
		e.markDeadLocked()
		return nil, fmt.Errorf("%w: write request: %v", ErrEnvUnhealthy, err)
	}
	if _, err := e.stdin.Write(payload); err != nil {
		e.markDeadLocked()
		return nil, fmt.Errorf("%w: write request: %v", ErrEnvUnhealthy, err)
	}

	type readResult struct {
		resp *runnerResponse
		err  error
	}
	done := make(chan readResult, 1)
	go func() {
		resp, err := e.readResponse()
		done <- readResult{resp, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		e.markDeadLocked()
		return nil, ctx.Err()
	case <-timer.C:
		e.markDeadLocked()
		return &ExecOutput{TimedOut: true, Elapsed: time.Since(start)}, nil
	case r := <-done:
		if r.err != nil {
			e.markDeadLocked()
			return nil, fmt.Errorf("%w: read response: %v", ErrEnvUnhealthy, r.err)
		}
		return &ExecOutput{
			Stdout:  r.resp.Stdout,
			Stderr:  combineStderr(r.resp.Stderr, r.resp.Error),
			OK:      r.resp.OK,
			Elapsed: time.Since(start),
		}, nil
	}
}

func (e *Environment) readResponse() (*runnerResponse, error) {
	header, err := e.stdout.ReadString('\n')
	if err != nil {
		return nil, err
	}
	length, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil {
		return nil, fmt.Errorf("bad response header %q", strings.TrimSpace(header))
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(e.stdout, buf); err != nil {
		return nil, err
	}
	var resp runnerResponse
	if err := json.Unmarshal(buf, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Install runs pip into the environment's site-packages directory. Installs
// get network access even for offline environments; only task code is
// isolated.
func (e *Environment) Install(ctx context.Context, packages []string) error {
	if len(packages) == 0 {
		return nil
	}
	args := append([]string{"-m", "pip", "install", "--quiet", "--disable-pip-version-check",
		"--target", filepath.Join(e.dir, "site-packages")}, packages...)
	cmd := exec.CommandContext(ctx, e.settings.Interpreter, args...)
	cmd.Env = e.sanitizedEnv(true)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %v: %s", ErrDepInstall, err, firstLine(string(out)))
	}
	return nil
}

// Close stops the runner process and removes the scratch directory.
func (e *Environment) Close() error {
	e.mu.Lock()
	e.markDeadLocked()
	e.mu.Unlock()
	return os.RemoveAll(e.dir)
}

// markDeadLocked kills the runner. Caller holds e.mu.
func (e *Environment) markDeadLocked() {
	if !e.healthy && e.cmd == nil {
		return
	}
	e.healthy = false
	if e.stdin != nil {
		_ = e.stdin.Close()
	}
	if e.cmd != nil && e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
		_ = e.cmd.Wait()
	}
	e.cmd = nil
}

func combineStderr(stderr, errText string) string {
	if errText == "" {
		return stderr
	}
	if stderr == "" {
		return errText
	}
	return stderr + "\n" + errText
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
