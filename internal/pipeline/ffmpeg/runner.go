// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/vodforge/internal/log"
	"github.com/ManuGH/vodforge/internal/metrics"
	"github.com/ManuGH/vodforge/internal/procgroup"
)

// CommandRunner abstracts subprocess execution so the pipeline is testable
// without media tools installed.
type CommandRunner interface {
	// Run executes bin with args, enforcing the timeout. onProgress, when
	// non-nil, receives seconds of media time processed as the tool reports
	// them. Returns captured stdout.
	Run(ctx context.Context, bin string, args []string, timeout time.Duration, onProgress func(seconds float64)) ([]byte, error)
}

// ExecError carries the exit context of a failed subprocess.
type ExecError struct {
	Bin      string
	ExitCode int
	Stderr   []string
	Timeout  bool
}

func (e *ExecError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s timed out; last output: %s", e.Bin, strings.Join(e.Stderr, " | "))
	}
	return fmt.Sprintf("%s exited %d: %s", e.Bin, e.ExitCode, strings.Join(e.Stderr, " | "))
}

// Runner executes media tools one at a time with a kill grace period.
type Runner struct {
	killGrace time.Duration
	logger    zerolog.Logger
}

// NewRunner creates a Runner. killGrace bounds SIGTERM to SIGKILL.
func NewRunner(killGrace time.Duration) *Runner {
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	return &Runner{
		killGrace: killGrace,
		logger:    log.WithComponent("ffmpeg"),
	}
}

// Run starts the process in its own group, captures stdout and the stderr
// tail, and parses -progress key=value output when a callback is given.
// On timeout the group gets SIGTERM, then SIGKILL after the grace period.
func (r *Runner) Run(ctx context.Context, bin string, args []string, timeout time.Duration, onProgress func(float64)) ([]byte, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.Command(bin, args...) // #nosec G204 -- argv built internally, no shell
	procgroup.Set(cmd)

	ring := NewLineRing(64)
	cmd.Stderr = ring

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		metrics.FFmpegStarts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("ffmpeg: start %s: %w", bin, err)
	}
	metrics.FFmpegStarts.WithLabelValues("ok").Inc()

	var out bytes.Buffer
	var ioWg sync.WaitGroup
	ioWg.Add(1)
	go func() {
		defer ioWg.Done()
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			if onProgress != nil {
				if secs, ok := parseProgressLine(line); ok {
					onProgress(secs)
					continue
				}
			}
			out.WriteString(line)
			out.WriteString("\n")
		}
	}()

	// Supervise the deadline ourselves so the whole process group dies,
	// not just the direct child.
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	var timedOut bool
	select {
	case waitErr = <-waitCh:
	case <-runCtx.Done():
		timedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
		r.logger.Warn().
			Str("bin", bin).
			Dur("uptime", time.Since(start)).
			Bool("timeout", timedOut).
			Msg("terminating subprocess")
		_ = procgroup.Kill(cmd, syscall.SIGTERM)
		select {
		case waitErr = <-waitCh:
		case <-time.After(r.killGrace):
			_ = procgroup.Kill(cmd, syscall.SIGKILL)
			waitErr = <-waitCh
		}
		if waitErr == nil {
			waitErr = runCtx.Err()
		}
	}
	ioWg.Wait()

	if waitErr != nil {
		reason := "error"
		if timedOut {
			reason = "timeout"
		} else if runCtx.Err() != nil {
			reason = "ctx_cancel"
		}
		metrics.FFmpegExits.WithLabelValues(reason).Inc()

		code := 1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		return out.Bytes(), &ExecError{
			Bin:      bin,
			ExitCode: code,
			Stderr:   ring.LastN(10),
			Timeout:  timedOut,
		}
	}

	metrics.FFmpegExits.WithLabelValues("clean").Inc()
	return out.Bytes(), nil
}

// parseProgressLine handles the -progress pipe:1 key=value stream. Media
// time arrives as out_time_us (microseconds) or out_time_ms on older
// builds.
func parseProgressLine(line string) (float64, bool) {
	for _, key := range []string{"out_time_us=", "out_time_ms="} {
		if v, ok := strings.CutPrefix(line, key); ok {
			us, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil || us < 0 {
				return 0, false
			}
			return float64(us) / 1e6, true
		}
	}
	return 0, false
}
