// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package hardware detects GPU encoding capability.
//
// Detection is two-tier and fail-closed:
//
//  1. HasNVIDIA/HasVAAPI — cheap device checks. They only prove a device
//     node or driver tool exists, not that encoding works.
//
//  2. Preflight — the worker runs a short real encode per encoder at
//     startup and records the result. Encoder selection consults only the
//     recorded results, so a broken driver never produces hardware encode
//     commands.
package hardware

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const vaapiDevice = "/dev/dri/renderD128"

var (
	mu       sync.RWMutex
	checked  bool
	verified map[string]bool
)

// HasNVIDIA reports whether an NVIDIA GPU is reachable: device node or a
// responding nvidia-smi.
func HasNVIDIA() bool {
	if _, err := os.Stat("/dev/nvidia0"); err == nil {
		return true
	}
	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return exec.CommandContext(ctx, "nvidia-smi", "-L").Run() == nil
	}
	return false
}

// HasVAAPI reports whether the VAAPI render node exists.
func HasVAAPI() bool {
	_, err := os.Stat(vaapiDevice)
	return err == nil
}

// GPUName returns the first GPU name nvidia-smi reports, or "".
func GPUName() string {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=name", "--format=csv,noheader").Output()
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[0])
}

// SetPreflightResults records which encoders passed the startup encode
// test, e.g. {"h264_nvenc": true}. Called once by the worker.
func SetPreflightResults(results map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	checked = true
	verified = make(map[string]bool, len(results))
	for enc, ok := range results {
		if ok {
			verified[enc] = true
		}
	}
}

// EncoderReady reports whether the given encoder passed preflight.
// Fail-closed: false until preflight has run.
func EncoderReady(encoder string) bool {
	mu.RLock()
	defer mu.RUnlock()
	return checked && verified[encoder]
}

// PreflightChecked reports whether preflight results were recorded.
func PreflightChecked() bool {
	mu.RLock()
	defer mu.RUnlock()
	return checked
}
