// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package ffmpeg builds and supervises the media tool invocations of the
// transcoding pipeline. Arguments are assembled as argv slices, never via a
// shell.
package ffmpeg

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Encoder identifies the video encoder backend an encode runs on.
type Encoder string

const (
	EncoderSoftware Encoder = "software"
	EncoderNVENC    Encoder = "nvenc"
	EncoderVAAPI    Encoder = "vaapi"
)

// vaapiDevice is the render node used for VAAPI sessions.
const vaapiDevice = "/dev/dri/renderD128"

// EncodeSpec describes one variant encode.
type EncodeSpec struct {
	Input           string
	OutDir          string
	Quality         string // playlist and segment base name
	Width           int
	Height          int
	VideoKbps       int
	AudioKbps       int
	Codec           string // h264, hevc, av1
	Encoder         Encoder
	SegmentDuration int
	CMAF            bool
}

// ProbeArgs builds the ffprobe invocation: stream metadata as JSON on
// stdout.
func ProbeArgs(input string) []string {
	return []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		input,
	}
}

// ThumbnailArgs extracts a single frame at offset seconds, scaled to ~640px
// width with the aspect ratio preserved.
func ThumbnailArgs(input string, offset float64, outPath string) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-ss", fmt.Sprintf("%.3f", offset),
		"-i", input,
		"-frames:v", "1",
		"-vf", "scale=640:-2",
		"-q:v", "3",
		"-y", outPath,
	}
}

// EncodeArgs builds one variant encode. The output playlist and segments
// land flat in spec.OutDir.
func EncodeArgs(spec EncodeSpec) ([]string, error) {
	if spec.Input == "" || spec.OutDir == "" {
		return nil, fmt.Errorf("ffmpeg: encode spec needs input and output dir")
	}
	if spec.SegmentDuration <= 0 {
		spec.SegmentDuration = 6
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
	}

	// Hardware device setup precedes the input.
	switch spec.Encoder {
	case EncoderNVENC:
		args = append(args, "-hwaccel", "cuda")
	case EncoderVAAPI:
		args = append(args,
			"-init_hw_device", "vaapi=gpu:"+vaapiDevice,
			"-filter_hw_device", "gpu",
			"-hwaccel", "vaapi",
			"-hwaccel_output_format", "vaapi",
		)
	}

	args = append(args,
		"-i", spec.Input,
		"-progress", "pipe:1",
	)

	codecArgs, err := videoCodecArgs(spec)
	if err != nil {
		return nil, err
	}
	args = append(args, codecArgs...)

	args = append(args,
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", spec.AudioKbps),
		"-ac", "2",
	)

	args = append(args, hlsMuxerArgs(spec)...)
	return args, nil
}

func videoCodecArgs(spec EncodeSpec) ([]string, error) {
	scale := fmt.Sprintf("scale=-2:%d", spec.Height)
	bitrate := fmt.Sprintf("%dk", spec.VideoKbps)
	maxrate := fmt.Sprintf("%dk", spec.VideoKbps*110/100)
	bufsize := fmt.Sprintf("%dk", spec.VideoKbps*2)

	rate := []string{"-b:v", bitrate, "-maxrate", maxrate, "-bufsize", bufsize}

	switch spec.Encoder {
	case EncoderNVENC:
		enc, ok := map[string]string{
			"h264": "h264_nvenc",
			"hevc": "hevc_nvenc",
			"av1":  "av1_nvenc",
		}[spec.Codec]
		if !ok {
			return nil, fmt.Errorf("ffmpeg: no nvenc encoder for codec %q", spec.Codec)
		}
		args := append([]string{"-vf", scale, "-c:v", enc, "-preset", "p4", "-rc", "vbr"}, rate...)
		return appleTag(args, spec.Codec), nil

	case EncoderVAAPI:
		enc, ok := map[string]string{
			"h264": "h264_vaapi",
			"hevc": "hevc_vaapi",
			"av1":  "av1_vaapi",
		}[spec.Codec]
		if !ok {
			return nil, fmt.Errorf("ffmpeg: no vaapi encoder for codec %q", spec.Codec)
		}
		vf := fmt.Sprintf("scale_vaapi=-2:%d", spec.Height)
		args := append([]string{"-vf", vf, "-c:v", enc}, rate...)
		return appleTag(args, spec.Codec), nil

	case EncoderSoftware, "":
		enc, ok := map[string]string{
			"h264": "libx264",
			"hevc": "libx265",
			"av1":  "libsvtav1",
		}[spec.Codec]
		if !ok {
			return nil, fmt.Errorf("ffmpeg: unknown codec %q", spec.Codec)
		}
		args := []string{"-vf", scale, "-c:v", enc, "-preset", "medium"}
		args = append(args, rate...)
		return appleTag(args, spec.Codec), nil
	}
	return nil, fmt.Errorf("ffmpeg: unknown encoder %q", spec.Encoder)
}

// appleTag forces the hvc1 sample entry on HEVC so Apple players accept it.
func appleTag(args []string, codec string) []string {
	if codec == "hevc" {
		return append(args, "-tag:v", "hvc1")
	}
	return args
}

// PreflightArgs builds a one-second synthetic encode to the null muxer,
// used at worker startup to verify a hardware encoder actually works.
// The encoder name is the ffmpeg encoder, e.g. "h264_nvenc".
func PreflightArgs(encoder string) []string {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
	}
	vaapi := strings.HasSuffix(encoder, "_vaapi")
	if vaapi {
		args = append(args,
			"-init_hw_device", "vaapi=gpu:"+vaapiDevice,
			"-filter_hw_device", "gpu",
		)
	}
	args = append(args,
		"-f", "lavfi",
		"-i", "testsrc2=duration=1:size=320x240:rate=30",
	)
	if vaapi {
		args = append(args, "-vf", "format=nv12,hwupload")
	}
	return append(args,
		"-c:v", encoder,
		"-f", "null", "-",
	)
}

// RemuxArgs repackages the source into HLS without re-encoding: the
// "original" pseudo-quality.
func RemuxArgs(input, outDir string, segmentDuration int, cmaf bool) []string {
	spec := EncodeSpec{
		Input:           input,
		OutDir:          outDir,
		Quality:         "original",
		SegmentDuration: segmentDuration,
		CMAF:            cmaf,
	}
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-i", input,
		"-progress", "pipe:1",
		"-c", "copy",
	}
	return append(args, hlsMuxerArgs(spec)...)
}

func hlsMuxerArgs(spec EncodeSpec) []string {
	args := []string{
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", spec.SegmentDuration),
		"-hls_playlist_type", "vod",
		"-hls_list_size", "0",
	}
	if spec.CMAF {
		args = append(args,
			"-hls_segment_type", "fmp4",
			"-hls_fmp4_init_filename", "init.mp4",
			"-hls_segment_filename", filepath.Join(spec.OutDir, "seg_%04d.m4s"),
			filepath.Join(spec.OutDir, "stream.m3u8"),
		)
		return args
	}
	return append(args,
		"-hls_segment_filename", filepath.Join(spec.OutDir, spec.Quality+"_%04d.ts"),
		filepath.Join(spec.OutDir, spec.Quality+".m3u8"),
	)
}
