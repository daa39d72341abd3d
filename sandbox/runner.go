package sandbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/internal/metrics"
	cptypes "github.com/codepod-dev/codepod/types"
)

const (
	// maxStreamBytes bounds each sanitized output stream.
	maxStreamBytes = 10_000

	// Request timeout overrides are clamped to this range before the
	// language limit is applied.
	minRequestTimeout = time.Second
	maxRequestTimeout = 30 * time.Second

	tmpfsTmp    = "rw,exec,nosuid,size=104857600" // 100 MiB
	tmpfsVarTmp = "rw,noexec,nosuid,size=10485760"

	// SandboxUser and SandboxPath apply to every sandboxed container.
	SandboxUser = "nobody"
	SandboxPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// Prober reports whether the container runtime is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// Result is the outcome of one sandboxed execution.
type Result struct {
	Success       bool          `json:"success"`
	Language      string        `json:"language"`
	Output        string        `json:"output"`
	Error         string        `json:"error,omitempty"`
	ExitCode      int           `json:"exitCode"`
	TimedOut      bool          `json:"timedOut"`
	ExecutionTime time.Duration `json:"executionTime"`
}

// RunnerStats aggregates executions since process start.
type RunnerStats struct {
	Total      int64            `json:"total"`
	Succeeded  int64            `json:"succeeded"`
	Failed     int64            `json:"failed"`
	TimedOut   int64            `json:"timedOut"`
	ByLanguage map[string]int64 `json:"byLanguage"`
}

// Runner executes normalized code in a fresh, locked-down container per
// request.
type Runner struct {
	rt     Runtime
	prober Prober
	logger *zap.Logger

	mu    sync.Mutex
	stats RunnerStats
}

// NewRunner creates a runner. prober may be nil to skip availability checks
// (tests).
func NewRunner(rt Runtime, prober Prober, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		rt:     rt,
		prober: prober,
		logger: logger.With(zap.String("component", "sandbox_runner")),
		stats:  RunnerStats{ByLanguage: make(map[string]int64)},
	}
}

// Execute runs code with optional stdin under lang's sandbox profile.
// timeout <= 0 uses the language default; explicit overrides are clamped to
// [1s, 30s] and never exceed the language limit. A wall-clock timeout kills
// the container and yields exit code 124.
func (r *Runner) Execute(ctx context.Context, lang Language, code string, stdin []byte, timeout time.Duration) (*Result, error) {
	if r.prober != nil {
		if err := r.prober.Probe(ctx); err != nil {
			return nil, err
		}
	}
	timeout = effectiveTimeout(lang, timeout)

	script := assembleScript(lang, code, stdin)
	name := "codepod-exec-" + uuid.NewString()[:8]

	id, err := r.rt.ContainerCreate(ctx, r.containerConfig(lang, script), HostConfigFor(lang), name)
	if err != nil {
		return nil, cptypes.NewError(cptypes.ErrRuntimeUnavailable, "container create failed").WithCause(err)
	}
	// Removal must not depend on the request context surviving.
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.rt.ContainerRemove(rmCtx, id); err != nil {
			r.logger.Warn("container remove failed", zap.String("container", name), zap.Error(err))
		}
	}()

	start := time.Now()
	if err := r.rt.ContainerStart(ctx, id); err != nil {
		return nil, cptypes.NewError(cptypes.ErrRuntimeUnavailable, "container start failed").WithCause(err)
	}

	waitCh, errCh := r.rt.ContainerWait(ctx, id)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	result := &Result{Language: lang.ID}
	select {
	case wr := <-waitCh:
		result.ExitCode = int(wr.StatusCode)
	case err := <-errCh:
		result.ExitCode = -1
		if err != nil {
			result.Error = err.Error()
		}
	case <-timer.C:
		result.TimedOut = true
		result.ExitCode = 124
		result.Error = "Execution timed out"
		killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.rt.ContainerKill(killCtx, id); err != nil {
			r.logger.Warn("container kill failed", zap.String("container", name), zap.Error(err))
		}
		cancel()
	case <-ctx.Done():
		killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = r.rt.ContainerKill(killCtx, id)
		cancel()
		return nil, ctx.Err()
	}
	result.ExecutionTime = time.Since(start)

	stdout, stderr := r.readLogs(ctx, id)
	result.Output = sanitizeOutput(stdout)
	if result.Error == "" {
		result.Error = sanitizeOutput(stderr)
	}
	result.Success = result.ExitCode == 0 && !result.TimedOut

	r.record(result)
	r.logger.Info("execution finished",
		zap.String("language", lang.ID),
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("timed_out", result.TimedOut),
		zap.Duration("duration", result.ExecutionTime),
	)
	return result, nil
}

// effectiveTimeout resolves the wall-clock budget for one execution. No
// override means the language default; an override is clamped to
// [minRequestTimeout, maxRequestTimeout] and then capped at the language
// limit so a request can never extend past it.
func effectiveTimeout(lang Language, timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return lang.Timeout
	}
	if timeout < minRequestTimeout {
		timeout = minRequestTimeout
	}
	if timeout > maxRequestTimeout {
		timeout = maxRequestTimeout
	}
	if timeout > lang.Timeout {
		timeout = lang.Timeout
	}
	return timeout
}

// Stats returns a snapshot of the execution counters.
func (r *Runner) Stats() RunnerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.stats
	out.ByLanguage = make(map[string]int64, len(r.stats.ByLanguage))
	for k, v := range r.stats.ByLanguage {
		out.ByLanguage[k] = v
	}
	return out
}

func (r *Runner) record(res *Result) {
	r.mu.Lock()
	r.stats.Total++
	r.stats.ByLanguage[res.Language]++
	switch {
	case res.TimedOut:
		r.stats.TimedOut++
	case res.Success:
		r.stats.Succeeded++
	default:
		r.stats.Failed++
	}
	r.mu.Unlock()

	outcome := "success"
	switch {
	case res.TimedOut:
		outcome = "timeout"
	case !res.Success:
		outcome = "error"
	}
	metrics.Executions.WithLabelValues(res.Language, outcome).Inc()
	metrics.ExecutionDuration.WithLabelValues(res.Language).Observe(res.ExecutionTime.Seconds())
}

func (r *Runner) readLogs(ctx context.Context, id string) (stdout, stderr []byte) {
	logCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rc, err := r.rt.ContainerLogs(logCtx, id)
	if err != nil {
		r.logger.Warn("container logs failed", zap.Error(err))
		return nil, nil
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		r.logger.Warn("container log read failed", zap.Error(err))
	}
	return demuxLogs(data)
}

// assembleScript builds the single shell invocation that decodes the source
// (and stdin, when present), compiles when needed, and runs the program.
func assembleScript(lang Language, code string, stdin []byte) string {
	sourcePath := "/tmp/" + lang.FileName

	var steps []string
	steps = append(steps, fmt.Sprintf("echo %s | base64 -d > %s",
		base64.StdEncoding.EncodeToString([]byte(code)), sourcePath))

	if lang.CompileCommand != "" {
		steps = append(steps, strings.ReplaceAll(lang.CompileCommand, "/tmp/code", sourcePath))
	}

	run := lang.RunCommand
	if len(stdin) > 0 {
		steps = append(steps, fmt.Sprintf("echo %s | base64 -d > /tmp/input.txt",
			base64.StdEncoding.EncodeToString(stdin)))
		// Commands that already reference /tmp/ handle their own input.
		if !strings.Contains(run, "/tmp/") {
			run = "cat /tmp/input.txt | " + run
		}
	}
	steps = append(steps, run)

	return strings.Join(steps, " && ")
}

func (r *Runner) containerConfig(lang Language, script string) *container.Config {
	return &container.Config{
		Image:           lang.Image,
		Cmd:             []string{"/bin/sh", "-c", script},
		WorkingDir:      "/tmp",
		User:            SandboxUser,
		Env:             []string{"HOME=/tmp", "PATH=" + SandboxPath},
		NetworkDisabled: true,
	}
}

// HostConfigFor builds the hardened host profile for lang: no network, all
// capabilities dropped, tmpfs-only writable paths, and the language's
// memory/cpu/pids/ulimit bounds. Shared by one-shot and interactive runs.
func HostConfigFor(lang Language) *container.HostConfig {
	pids := lang.PidsLimit
	return &container.HostConfig{
		NetworkMode: "none",
		AutoRemove:  false,
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges:true"},
		Tmpfs: map[string]string{
			"/tmp":     tmpfsTmp,
			"/var/tmp": tmpfsVarTmp,
		},
		Resources: container.Resources{
			Memory:    lang.MemoryLimitMB * 1024 * 1024,
			NanoCPUs:  int64(lang.CPULimit * 1e9),
			PidsLimit: &pids,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: lang.NoFile, Hard: lang.NoFile},
				{Name: "nproc", Soft: lang.NProc, Hard: lang.NProc},
			},
		},
	}
}

// sanitizeOutput strips non-printable control characters (keeping tab,
// newline, and carriage return) and truncates to maxStreamBytes.
func sanitizeOutput(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if (b <= 0x08) || b == 0x0B || b == 0x0C || (b >= 0x0E && b <= 0x1F) || b == 0x7F {
			continue
		}
		out = append(out, b)
	}
	if len(out) > maxStreamBytes {
		out = out[:maxStreamBytes]
	}
	return string(out)
}
