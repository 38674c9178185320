// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package pipeline drives one transcoding job from probe to finalize.
package pipeline

import (
	"time"
)

// Preset is one rung of the quality ladder.
type Preset struct {
	Name        string
	Width       int
	Height      int
	VideoKbps   int
	AudioKbps   int
	TimeoutMult float64 // scales the encode timeout with output resolution
}

// OriginalQuality is the remux pseudo-quality added to every job.
const OriginalQuality = "original"

// Ladder is the fixed preset table, highest first.
var Ladder = []Preset{
	{Name: "2160p", Width: 3840, Height: 2160, VideoKbps: 14000, AudioKbps: 192, TimeoutMult: 4.0},
	{Name: "1440p", Width: 2560, Height: 1440, VideoKbps: 8000, AudioKbps: 192, TimeoutMult: 2.5},
	{Name: "1080p", Width: 1920, Height: 1080, VideoKbps: 5000, AudioKbps: 160, TimeoutMult: 1.5},
	{Name: "720p", Width: 1280, Height: 720, VideoKbps: 2800, AudioKbps: 128, TimeoutMult: 1.0},
	{Name: "480p", Width: 854, Height: 480, VideoKbps: 1400, AudioKbps: 128, TimeoutMult: 0.75},
	{Name: "360p", Width: 640, Height: 360, VideoKbps: 800, AudioKbps: 96, TimeoutMult: 0.5},
}

// PresetByName looks a ladder rung up by its quality name.
func PresetByName(name string) (Preset, bool) {
	for _, p := range Ladder {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

// ApplicableQualities returns the ladder rungs to encode for a source of the
// given height, skipping names in existing. Every rung at or below the
// source height applies; a source below the whole ladder still gets the
// lowest rung. The original remux is appended unless already present.
func ApplicableQualities(sourceHeight int, existing []string) []string {
	skip := make(map[string]bool, len(existing))
	for _, q := range existing {
		skip[q] = true
	}

	var out []string
	for _, p := range Ladder {
		if p.Height <= sourceHeight && !skip[p.Name] {
			out = append(out, p.Name)
		}
	}
	if len(out) == 0 && !anyLadderName(existing) {
		lowest := Ladder[len(Ladder)-1]
		if !skip[lowest.Name] {
			out = append(out, lowest.Name)
		}
	}
	if !skip[OriginalQuality] {
		out = append(out, OriginalQuality)
	}
	return out
}

func anyLadderName(names []string) bool {
	for _, n := range names {
		if _, ok := PresetByName(n); ok {
			return true
		}
	}
	return false
}

// EncodeTimeout bounds one quality encode:
// max(min, min(max, duration × baseMult × resolutionMult)).
func EncodeTimeout(duration time.Duration, baseMult, resolutionMult float64, lo, hi time.Duration) time.Duration {
	t := time.Duration(float64(duration) * baseMult * resolutionMult)
	if t > hi {
		t = hi
	}
	if t < lo {
		t = lo
	}
	return t
}
