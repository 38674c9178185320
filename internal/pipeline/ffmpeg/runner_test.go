// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build unix

package ffmpeg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerCapturesStdout(t *testing.T) {
	r := NewRunner(time.Second)
	out, err := r.Run(context.Background(), "sh",
		[]string{"-c", "echo hello; echo world"}, 5*time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", string(out))
}

func TestRunnerParsesProgressStream(t *testing.T) {
	r := NewRunner(time.Second)

	script := `
printf 'out_time_us=1500000\n'
printf 'out_time_us=3000000\n'
printf 'progress=end\n'
`
	var seen []float64
	out, err := r.Run(context.Background(), "sh", []string{"-c", script},
		5*time.Second, func(s float64) { seen = append(seen, s) })
	require.NoError(t, err)

	assert.Equal(t, []float64{1.5, 3.0}, seen)
	// Progress lines are consumed, the rest passes through.
	assert.Equal(t, "progress=end\n", string(out))
}

func TestRunnerReportsExitError(t *testing.T) {
	r := NewRunner(time.Second)
	_, err := r.Run(context.Background(), "sh",
		[]string{"-c", "echo boom >&2; exit 3"}, 5*time.Second, nil)
	require.Error(t, err)

	var execErr *ExecError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 3, execErr.ExitCode)
	assert.Contains(t, execErr.Stderr, "boom")
	assert.False(t, execErr.Timeout)
}

func TestRunnerEnforcesTimeout(t *testing.T) {
	r := NewRunner(200 * time.Millisecond)
	start := time.Now()
	_, err := r.Run(context.Background(), "sh",
		[]string{"-c", "sleep 30"}, 200*time.Millisecond, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	var execErr *ExecError
	require.True(t, errors.As(err, &execErr))
	assert.True(t, execErr.Timeout)
}

func TestRunnerHonorsContextCancel(t *testing.T) {
	r := NewRunner(200 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := r.Run(ctx, "sh", []string{"-c", "sleep 30"}, time.Minute, nil)
	require.Error(t, err)
}

func TestParseProgressLine(t *testing.T) {
	cases := []struct {
		line string
		want float64
		ok   bool
	}{
		{"out_time_us=2500000", 2.5, true},
		{"out_time_ms=2500000", 2.5, true}, // same unit despite the name
		{"out_time_us=0", 0, true},
		{"out_time_us=-1", 0, false},
		{"out_time_us=abc", 0, false},
		{"frame=42", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseProgressLine(tc.line)
		assert.Equal(t, tc.ok, ok, tc.line)
		if ok {
			assert.InDelta(t, tc.want, got, 1e-9, tc.line)
		}
	}
}
