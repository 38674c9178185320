// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ffmpeg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func argAfter(t *testing.T, args []string, flag string) string {
	t.Helper()
	for i, a := range args {
		if a == flag {
			require.Less(t, i+1, len(args), "flag %s has no value", flag)
			return args[i+1]
		}
	}
	t.Fatalf("flag %s not found in %v", flag, args)
	return ""
}

func TestProbeArgs(t *testing.T) {
	args := ProbeArgs("/src/in.mp4")
	assert.Contains(t, args, "-show_streams")
	assert.Contains(t, args, "-show_format")
	assert.Equal(t, "json", argAfter(t, args, "-print_format"))
	assert.Equal(t, "/src/in.mp4", args[len(args)-1])
}

func TestThumbnailArgs(t *testing.T) {
	args := ThumbnailArgs("/src/in.mp4", 5, "/work/thumb.jpg")
	assert.Equal(t, "5.000", argAfter(t, args, "-ss"))
	assert.Equal(t, "1", argAfter(t, args, "-frames:v"))
	assert.Equal(t, "scale=640:-2", argAfter(t, args, "-vf"))
	assert.Equal(t, "/work/thumb.jpg", args[len(args)-1])
}

func TestEncodeArgsSoftware(t *testing.T) {
	args, err := EncodeArgs(EncodeSpec{
		Input:           "/src/in.mp4",
		OutDir:          "/work/720p",
		Quality:         "720p",
		Height:          720,
		VideoKbps:       2800,
		AudioKbps:       128,
		Codec:           "h264",
		Encoder:         EncoderSoftware,
		SegmentDuration: 6,
	})
	require.NoError(t, err)

	assert.Equal(t, "libx264", argAfter(t, args, "-c:v"))
	assert.Equal(t, "scale=-2:720", argAfter(t, args, "-vf"))
	assert.Equal(t, "2800k", argAfter(t, args, "-b:v"))
	assert.Equal(t, "3080k", argAfter(t, args, "-maxrate"))
	assert.Equal(t, "5600k", argAfter(t, args, "-bufsize"))
	assert.Equal(t, "128k", argAfter(t, args, "-b:a"))
	assert.Equal(t, "pipe:1", argAfter(t, args, "-progress"))
	assert.Equal(t, "6", argAfter(t, args, "-hls_time"))
	assert.Equal(t, "/work/720p/720p_%04d.ts", argAfter(t, args, "-hls_segment_filename"))
	assert.Equal(t, "/work/720p/720p.m3u8", args[len(args)-1])
	assert.NotContains(t, args, "-tag:v")
}

func TestEncodeArgsNVENC(t *testing.T) {
	args, err := EncodeArgs(EncodeSpec{
		Input:           "/src/in.mp4",
		OutDir:          "/work/1080p",
		Quality:         "1080p",
		Height:          1080,
		VideoKbps:       5000,
		AudioKbps:       160,
		Codec:           "hevc",
		Encoder:         EncoderNVENC,
		SegmentDuration: 6,
	})
	require.NoError(t, err)

	assert.Equal(t, "cuda", argAfter(t, args, "-hwaccel"))
	assert.Equal(t, "hevc_nvenc", argAfter(t, args, "-c:v"))
	assert.Equal(t, "p4", argAfter(t, args, "-preset"))
	assert.Equal(t, "hvc1", argAfter(t, args, "-tag:v"))

	// Device setup must precede the input.
	hw := -1
	in := -1
	for i, a := range args {
		switch a {
		case "-hwaccel":
			hw = i
		case "-i":
			in = i
		}
	}
	assert.Less(t, hw, in)
}

func TestEncodeArgsVAAPI(t *testing.T) {
	args, err := EncodeArgs(EncodeSpec{
		Input:           "/src/in.mp4",
		OutDir:          "/work/480p",
		Quality:         "480p",
		Height:          480,
		VideoKbps:       1400,
		AudioKbps:       128,
		Codec:           "h264",
		Encoder:         EncoderVAAPI,
		SegmentDuration: 4,
	})
	require.NoError(t, err)

	assert.Equal(t, "h264_vaapi", argAfter(t, args, "-c:v"))
	assert.Equal(t, "scale_vaapi=-2:480", argAfter(t, args, "-vf"))
	assert.Contains(t, strings.Join(args, " "), "-init_hw_device vaapi=gpu:/dev/dri/renderD128")
}

func TestEncodeArgsCMAFLayout(t *testing.T) {
	args, err := EncodeArgs(EncodeSpec{
		Input:           "/src/in.mp4",
		OutDir:          "/work/720p",
		Quality:         "720p",
		Height:          720,
		VideoKbps:       2800,
		AudioKbps:       128,
		Codec:           "h264",
		Encoder:         EncoderSoftware,
		SegmentDuration: 6,
		CMAF:            true,
	})
	require.NoError(t, err)

	assert.Equal(t, "fmp4", argAfter(t, args, "-hls_segment_type"))
	assert.Equal(t, "init.mp4", argAfter(t, args, "-hls_fmp4_init_filename"))
	assert.Equal(t, "/work/720p/seg_%04d.m4s", argAfter(t, args, "-hls_segment_filename"))
	assert.Equal(t, "/work/720p/stream.m3u8", args[len(args)-1])
}

func TestEncodeArgsRejectsUnknownCodec(t *testing.T) {
	_, err := EncodeArgs(EncodeSpec{
		Input: "/src/in.mp4", OutDir: "/work", Quality: "720p",
		Height: 720, VideoKbps: 2800, AudioKbps: 128,
		Codec: "vp8", Encoder: EncoderNVENC,
	})
	assert.Error(t, err)
}

func TestRemuxArgs(t *testing.T) {
	args := RemuxArgs("/src/in.mp4", "/work/original", 6, false)
	assert.Equal(t, "copy", argAfter(t, args, "-c"))
	assert.Equal(t, "/work/original/original_%04d.ts", argAfter(t, args, "-hls_segment_filename"))
	assert.Equal(t, "/work/original/original.m3u8", args[len(args)-1])
	assert.NotContains(t, args, "-c:v")
}
