// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build unix

package procgroup

import (
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKillNilAndUnstarted(t *testing.T) {
	require.NoError(t, Kill(nil, syscall.SIGTERM))
	require.NoError(t, Kill(exec.Command("true"), syscall.SIGTERM))
}

func TestKillTerminatesGroup(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 30")
	Set(cmd)
	require.NoError(t, cmd.Start())

	require.NoError(t, Kill(cmd, syscall.SIGKILL))
	err := cmd.Wait()
	require.Error(t, err)

	// Signaling an exited group is a no-op.
	require.NoError(t, Kill(cmd, syscall.SIGTERM))
}

func TestTerminateEscalatesToKill(t *testing.T) {
	cmd := exec.Command("sh", "-c", "trap '' TERM; while true; do sleep 1; done")
	Set(cmd)
	require.NoError(t, cmd.Start())

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	start := time.Now()
	err := Terminate(cmd, waitCh, 500*time.Millisecond)
	require.Error(t, err) // killed, non-zero exit
	assert.Less(t, time.Since(start), 5*time.Second)
}
