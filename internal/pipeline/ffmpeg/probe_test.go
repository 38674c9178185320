// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ffmpeg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const probeJSON = `{
  "format": {"duration": "125.480000"},
  "streams": [
    {"codec_type": "audio", "codec_name": "aac"},
    {"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080}
  ]
}`

func TestParseProbe(t *testing.T) {
	res, err := ParseProbe([]byte(probeJSON), time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, 125.48, res.Duration, 0.001)
	assert.Equal(t, 1920, res.Width)
	assert.Equal(t, 1080, res.Height)
	assert.Equal(t, "h264", res.VideoCodec)
}

func TestParseProbeRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"not json":        `garbage`,
		"no duration":     `{"format":{},"streams":[{"codec_type":"video","width":1,"height":1}]}`,
		"zero duration":   `{"format":{"duration":"0"},"streams":[{"codec_type":"video","width":1,"height":1}]}`,
		"nan duration":    `{"format":{"duration":"NaN"},"streams":[{"codec_type":"video","width":1,"height":1}]}`,
		"no video stream": `{"format":{"duration":"10"},"streams":[{"codec_type":"audio"}]}`,
		"zero dimensions": `{"format":{"duration":"10"},"streams":[{"codec_type":"video","width":0,"height":0}]}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseProbe([]byte(data), time.Hour)
			assert.Error(t, err)
		})
	}
}

func TestParseProbeEnforcesMaxDuration(t *testing.T) {
	_, err := ParseProbe([]byte(probeJSON), time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")

	_, err = ParseProbe([]byte(probeJSON), 0) // 0 = unlimited
	assert.NoError(t, err)
}
