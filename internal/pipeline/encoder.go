// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pipeline

import (
	"github.com/ManuGH/vodforge/internal/config"
	"github.com/ManuGH/vodforge/internal/pipeline/ffmpeg"
	"github.com/ManuGH/vodforge/internal/pipeline/hardware"
)

// Selection is the encoder choice for one variant encode.
type Selection struct {
	Encoder ffmpeg.Encoder
	Codec   string
}

// hwEncoderName maps (backend, codec) to the ffmpeg encoder preflight key.
func hwEncoderName(enc ffmpeg.Encoder, codec string) string {
	suffix := map[ffmpeg.Encoder]string{
		ffmpeg.EncoderNVENC: "_nvenc",
		ffmpeg.EncoderVAAPI: "_vaapi",
	}[enc]
	if suffix == "" {
		return ""
	}
	return codec + suffix
}

// SelectEncoder picks the encoder backend for the preferred codec:
// verified hardware for the codec, then verified hardware H.264, then
// software. Hardware is only eligible when its preflight passed.
func SelectEncoder(hw config.Hardware) Selection {
	codec := hw.PreferredCodec
	if codec == "" {
		codec = "h264"
	}

	var backends []ffmpeg.Encoder
	switch hw.Accel {
	case config.HWAccelNvidia:
		backends = []ffmpeg.Encoder{ffmpeg.EncoderNVENC}
	case config.HWAccelIntel:
		backends = []ffmpeg.Encoder{ffmpeg.EncoderVAAPI}
	case config.HWAccelAuto:
		backends = []ffmpeg.Encoder{ffmpeg.EncoderNVENC, ffmpeg.EncoderVAAPI}
	case config.HWAccelNone:
		return Selection{Encoder: ffmpeg.EncoderSoftware, Codec: codec}
	}

	for _, b := range backends {
		if hardware.EncoderReady(hwEncoderName(b, codec)) {
			return Selection{Encoder: b, Codec: codec}
		}
	}
	// Next best: H.264 on the same hardware.
	if codec != "h264" {
		for _, b := range backends {
			if hardware.EncoderReady(hwEncoderName(b, "h264")) {
				return Selection{Encoder: b, Codec: "h264"}
			}
		}
	}
	return Selection{Encoder: ffmpeg.EncoderSoftware, Codec: codec}
}
