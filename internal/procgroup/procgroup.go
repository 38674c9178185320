// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package procgroup places subprocesses in their own process group so a
// media tool and everything it forks can be terminated together.
package procgroup

import (
	"os/exec"
	"syscall"
	"time"
)

// Set configures cmd to start as a process group leader. Must be called
// before cmd.Start for Kill to reach the whole group.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Kill signals the process group of cmd. A nil command, an unstarted
// process or an already-exited group all return nil.
func Kill(cmd *exec.Cmd, sig syscall.Signal) error {
	return kill(cmd, sig)
}

// Terminate sends SIGTERM, waits up to grace for waitCh, then escalates to
// SIGKILL. waitCh must deliver the cmd.Wait result exactly once.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if err := Kill(cmd, syscall.SIGTERM); err != nil {
		return err
	}
	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}
	if err := Kill(cmd, syscall.SIGKILL); err != nil {
		return err
	}
	return <-waitCh
}
