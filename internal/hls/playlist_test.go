// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hls

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/vodforge/internal/config"
)

func sampleVariants() []Variant {
	return []Variant{
		{Quality: "360p", Width: 640, Height: 360, BitrateKbps: 800},
		{Quality: "1080p", Width: 1920, Height: 1080, BitrateKbps: 5000},
		{Quality: "720p", Width: 1280, Height: 720, BitrateKbps: 2800},
	}
}

func TestBuildMasterOrdersByBandwidthDescending(t *testing.T) {
	content, err := BuildMaster(sampleVariants(), config.FormatHLSTS)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(content, "#EXTM3U\n"))

	bws, err := ParseMasterBandwidths(strings.NewReader(content))
	require.NoError(t, err)
	require.Len(t, bws, 3)
	assert.True(t, sort.SliceIsSorted(bws, func(i, j int) bool { return bws[i] > bws[j] }),
		"bandwidths must be non-increasing: %v", bws)

	// Variant references are relative plain paths.
	lines := strings.Split(strings.TrimSpace(content), "\n")
	assert.Equal(t, "1080p.m3u8", lines[3])
	assert.Contains(t, lines[2], "RESOLUTION=1920x1080")
}

func TestBuildMasterCMAFPaths(t *testing.T) {
	content, err := BuildMaster(sampleVariants(), config.FormatCMAF)
	require.NoError(t, err)
	assert.Contains(t, content, "1080p/stream.m3u8\n")
	assert.NotContains(t, content, "1080p.m3u8\n")
}

func TestBuildMasterEmpty(t *testing.T) {
	_, err := BuildMaster(nil, config.FormatHLSTS)
	require.Error(t, err)
}

func TestWriteMaster(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteMaster(dir, sampleVariants(), config.FormatHLSTS))

	data, err := os.ReadFile(filepath.Join(dir, "master.m3u8"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "#EXT-X-STREAM-INF:")
}

const validVariant = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:6.000000,
seg_0000.ts
#EXTINF:4.200000,
seg_0001.ts
#EXT-X-ENDLIST
`

func TestValidateVariantStructure(t *testing.T) {
	require.NoError(t, ValidateVariant(strings.NewReader(validVariant), "", StructureOnly))

	cases := map[string]string{
		"no header":   strings.Replace(validVariant, "#EXTM3U\n", "", 1),
		"no endlist":  strings.Replace(validVariant, "#EXT-X-ENDLIST\n", "", 1),
		"no target":   strings.Replace(validVariant, "#EXT-X-TARGETDURATION:6\n", "", 1),
		"no segments": "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXT-X-ENDLIST\n",
		"empty":       "",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, ValidateVariant(strings.NewReader(content), "", StructureOnly))
		})
	}
}

func TestValidateVariantWithSegments(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seg_0000.ts"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seg_0001.ts"), []byte("x"), 0o644))

	require.NoError(t, ValidateVariant(strings.NewReader(validVariant), dir, WithSegments))

	// A missing segment fails closed.
	require.NoError(t, os.Remove(filepath.Join(dir, "seg_0001.ts")))
	err := ValidateVariant(strings.NewReader(validVariant), dir, WithSegments)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seg_0001.ts")
}

func TestValidateVariantRejectsEscapingSegment(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXTINF:6.0,
../../etc/passwd
#EXT-X-ENDLIST
`
	err := ValidateVariant(strings.NewReader(playlist), t.TempDir(), WithSegments)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plain name")
}
