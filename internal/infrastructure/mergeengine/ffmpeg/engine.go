package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
)

const (
	defaultTimeout    = 10 * time.Minute
	defaultKillGrace  = 5 * time.Second
	defaultStderrTail = 4 << 10
)

type Config struct {
	Binary    string
	Timeout   time.Duration
	KillGrace time.Duration
	FontFile  string
}

// Engine runs ffmpeg as a subprocess. Every invocation gets its own process
// group so a timeout takes down any helpers ffmpeg spawned.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Engine {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Concat joins inputs without re-encoding. The demuxer list is written next
// to output and removed afterwards.
func (e *Engine) Concat(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return &domain.MergeError{Stage: "concat", Reason: "no inputs"}
	}
	list, err := concatList(inputs)
	if err != nil {
		return err
	}

	listPath := output + ".list"
	if err := os.WriteFile(listPath, []byte(list), 0o644); err != nil {
		return domain.WrapError(domain.ErrIO, "write concat list", err)
	}
	defer func() {
		_ = os.Remove(listPath)
	}()

	return e.run(ctx, "concat", concatArgs(listPath, output))
}

// Transcode normalizes input into the canonical H.264/AAC MP4, burning in
// the caption when opts.Overlay is set.
func (e *Engine) Transcode(ctx context.Context, input, output string, opts domain.TranscodeOptions) error {
	return e.run(ctx, "transcode", transcodeArgs(input, output, opts, e.cfg.FontFile))
}

func (e *Engine) run(ctx context.Context, stage string, args []string) error {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	stderr := &tailBuffer{max: defaultStderrTail}
	cmd := exec.CommandContext(runCtx, e.cfg.Binary, args...)
	cmd.Stderr = stderr
	configureProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	cmd.WaitDelay = e.cfg.KillGrace

	started := time.Now()
	err := cmd.Run()
	elapsed := time.Since(started)
	if err == nil {
		e.logger.Debug("merge_engine_ok", "stage", stage, "duration_ms", elapsed.Milliseconds())
		return nil
	}

	mergeErr := &domain.MergeError{Stage: stage, Err: err}
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		mergeErr.Reason = fmt.Sprintf("timed out after %s", e.cfg.Timeout)
		mergeErr.Err = context.DeadlineExceeded
	case ctx.Err() != nil:
		mergeErr.Reason = "canceled"
		mergeErr.Err = ctx.Err()
	default:
		mergeErr.Reason = lastLines(stderr.String(), 5)
		if mergeErr.Reason == "" {
			mergeErr.Reason = err.Error()
		}
	}
	e.logger.Warn("merge_engine_failed",
		"stage", stage,
		"duration_ms", elapsed.Milliseconds(),
		"reason", mergeErr.Reason,
		"error", err,
	)
	return mergeErr
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	kept := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		kept = append(kept, line)
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return strings.Join(kept, "\n")
}
