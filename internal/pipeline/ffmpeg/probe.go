// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ProbeResult is the source metadata the pipeline needs.
type ProbeResult struct {
	Duration   float64 // seconds
	Width      int
	Height     int
	VideoCodec string
}

// probeOutput mirrors the ffprobe -print_format json shape, reduced to the
// fields we read.
type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// ParseProbe decodes ffprobe JSON and validates the result: a finite,
// positive duration no longer than maxDuration, and one video stream with
// positive dimensions.
func ParseProbe(data []byte, maxDuration time.Duration) (*ProbeResult, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("ffmpeg: probe output: %w", err)
	}

	dur, err := strconv.ParseFloat(out.Format.Duration, 64)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: probe duration %q: %w", out.Format.Duration, err)
	}
	if math.IsNaN(dur) || math.IsInf(dur, 0) || dur <= 0 {
		return nil, fmt.Errorf("ffmpeg: probe duration %v is not a positive finite number", dur)
	}
	if maxDuration > 0 && dur > maxDuration.Seconds() {
		return nil, fmt.Errorf("ffmpeg: duration %.0fs exceeds limit %.0fs", dur, maxDuration.Seconds())
	}

	res := &ProbeResult{Duration: dur}
	for _, s := range out.Streams {
		if s.CodecType == "video" && s.Width > 0 && s.Height > 0 {
			res.Width = s.Width
			res.Height = s.Height
			res.VideoCodec = s.CodecName
			break
		}
	}
	if res.Width == 0 {
		return nil, fmt.Errorf("ffmpeg: no usable video stream in probe output")
	}
	return res, nil
}

// Probe runs ffprobe on input and parses the result.
func Probe(ctx context.Context, r CommandRunner, ffprobeBin, input string, timeout, maxDuration time.Duration) (*ProbeResult, error) {
	out, err := r.Run(ctx, ffprobeBin, ProbeArgs(input), timeout, nil)
	if err != nil {
		return nil, err
	}
	return ParseProbe(out, maxDuration)
}
