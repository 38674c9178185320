// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApplicableQualities(t *testing.T) {
	cases := []struct {
		name     string
		height   int
		existing []string
		want     []string
	}{
		{
			name:   "1080p source",
			height: 1080,
			want:   []string{"1080p", "720p", "480p", "360p", "original"},
		},
		{
			name:   "4k source gets full ladder",
			height: 2160,
			want:   []string{"2160p", "1440p", "1080p", "720p", "480p", "360p", "original"},
		},
		{
			name:   "below ladder still gets lowest rung",
			height: 240,
			want:   []string{"360p", "original"},
		},
		{
			name:     "existing qualities skipped",
			height:   1080,
			existing: []string{"720p", "original"},
			want:     []string{"1080p", "480p", "360p"},
		},
		{
			name:     "tiny source with lowest rung done encodes nothing but original",
			height:   240,
			existing: []string{"360p"},
			want:     []string{"original"},
		},
		{
			name:     "everything done",
			height:   480,
			existing: []string{"480p", "360p", "original"},
			want:     nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ApplicableQualities(tc.height, tc.existing))
		})
	}
}

func TestPresetByName(t *testing.T) {
	p, ok := PresetByName("720p")
	assert.True(t, ok)
	assert.Equal(t, 1280, p.Width)
	assert.Equal(t, 2800, p.VideoKbps)

	_, ok = PresetByName("999p")
	assert.False(t, ok)
}

func TestEncodeTimeout(t *testing.T) {
	lo := 5 * time.Minute
	hi := time.Hour

	// 10min × 2.0 × 1.5 = 30min, inside the clamp.
	assert.Equal(t, 30*time.Minute, EncodeTimeout(10*time.Minute, 2.0, 1.5, lo, hi))
	// Short input clamps up to the minimum.
	assert.Equal(t, lo, EncodeTimeout(10*time.Second, 2.0, 1.0, lo, hi))
	// Long input clamps down to the maximum.
	assert.Equal(t, hi, EncodeTimeout(10*time.Hour, 2.0, 4.0, lo, hi))
}
