// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package library

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/vodforge/internal/config"
)

func newTestLibrary(t *testing.T, format config.StreamFormat) *Library {
	t.Helper()
	paths := config.Paths{
		DataDir:       t.TempDir(),
		VideosSubdir:  "videos",
		UploadsSubdir: "uploads",
		ArchiveSubdir: "archive",
	}
	lib := New(paths, format, config.Default().Limits)
	require.NoError(t, lib.EnsureDirs())
	return lib
}

func bundle(t *testing.T, files map[string]string) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return bytes.NewReader(buf.Bytes())
}

func TestInstallQualityFlattensTSVariant(t *testing.T) {
	lib := newTestLibrary(t, config.FormatHLSTS)
	ctx := context.Background()

	err := lib.InstallQuality(ctx, "demo", "720p", bundle(t, map[string]string{
		"720p.m3u8":    "#EXTM3U\n",
		"720p_0000.ts": "seg0",
		"720p_0001.ts": "seg1",
	}))
	require.NoError(t, err)

	videoDir := filepath.Join(lib.paths.VideosDir(), "demo")
	for _, name := range []string{"720p.m3u8", "720p_0000.ts", "720p_0001.ts"} {
		assert.FileExists(t, filepath.Join(videoDir, name))
	}

	// Re-upload replaces the variant's files wholesale.
	err = lib.InstallQuality(ctx, "demo", "720p", bundle(t, map[string]string{
		"720p.m3u8":    "#EXTM3U\nv2\n",
		"720p_0000.ts": "newseg",
	}))
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(videoDir, "720p_0001.ts"))

	data, err := os.ReadFile(filepath.Join(videoDir, "720p.m3u8"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "v2")

	// No staging leftovers.
	entries, err := os.ReadDir(lib.paths.VideosDir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".install-"), e.Name())
	}
}

func TestInstallQualityTSLeavesOtherVariantsAlone(t *testing.T) {
	lib := newTestLibrary(t, config.FormatHLSTS)
	ctx := context.Background()

	require.NoError(t, lib.InstallQuality(ctx, "demo", "1080p", bundle(t, map[string]string{
		"1080p.m3u8": "#EXTM3U\n", "1080p_0000.ts": "x",
	})))
	require.NoError(t, lib.InstallQuality(ctx, "demo", "720p", bundle(t, map[string]string{
		"720p.m3u8": "#EXTM3U\n", "720p_0000.ts": "y",
	})))

	videoDir := filepath.Join(lib.paths.VideosDir(), "demo")
	assert.FileExists(t, filepath.Join(videoDir, "1080p.m3u8"))
	assert.FileExists(t, filepath.Join(videoDir, "720p.m3u8"))
}

func TestInstallQualityCMAFUsesVariantDir(t *testing.T) {
	lib := newTestLibrary(t, config.FormatCMAF)

	err := lib.InstallQuality(context.Background(), "demo", "720p", bundle(t, map[string]string{
		"stream.m3u8":  "#EXTM3U\n",
		"init.mp4":     "init",
		"seg_0000.m4s": "seg",
	}))
	require.NoError(t, err)

	qdir := filepath.Join(lib.paths.VideosDir(), "demo", "720p")
	assert.FileExists(t, filepath.Join(qdir, "stream.m3u8"))
	assert.FileExists(t, filepath.Join(qdir, "init.mp4"))
}

func TestInstallQualityRejectsUnsafeNames(t *testing.T) {
	lib := newTestLibrary(t, config.FormatHLSTS)
	b := bundle(t, map[string]string{"720p.m3u8": "#EXTM3U\n"})

	err := lib.InstallQuality(context.Background(), "demo", "..", b)
	assert.ErrorIs(t, err, ErrBadName)

	err = lib.InstallQuality(context.Background(), "../etc", "720p", b)
	assert.ErrorIs(t, err, ErrBadName)
}

func TestInstallFinalizePreservesVariants(t *testing.T) {
	lib := newTestLibrary(t, config.FormatHLSTS)
	ctx := context.Background()

	require.NoError(t, lib.InstallQuality(ctx, "demo", "720p", bundle(t, map[string]string{
		"720p.m3u8": "#EXTM3U\n", "720p_0000.ts": "x",
	})))

	err := lib.InstallFinalize(ctx, "demo", bundle(t, map[string]string{
		"master.m3u8":   "#EXTM3U\nmaster\n",
		"thumbnail.jpg": "jpg",
	}))
	require.NoError(t, err)

	videoDir := filepath.Join(lib.paths.VideosDir(), "demo")
	assert.FileExists(t, filepath.Join(videoDir, "master.m3u8"))
	assert.FileExists(t, filepath.Join(videoDir, "thumbnail.jpg"))
	assert.FileExists(t, filepath.Join(videoDir, "720p.m3u8"), "finalize must not clobber variants")
}

func TestInstallFinalizeRejectsSegmentMembers(t *testing.T) {
	lib := newTestLibrary(t, config.FormatHLSTS)

	err := lib.InstallFinalize(context.Background(), "demo", bundle(t, map[string]string{
		"master.m3u8":  "#EXTM3U\n",
		"sneaky_00.ts": "payload",
	}))
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(lib.paths.VideosDir(), "demo", "master.m3u8"))
}

func TestArchiveRestorePurgeRoundTrip(t *testing.T) {
	lib := newTestLibrary(t, config.FormatHLSTS)

	require.NoError(t, lib.InstallMaster("demo", []byte("#EXTM3U\n")))
	videoDir := filepath.Join(lib.paths.VideosDir(), "demo")
	archDir := filepath.Join(lib.paths.ArchiveDir(), "demo")

	require.NoError(t, lib.Archive("demo"))
	assert.NoDirExists(t, videoDir)
	assert.FileExists(t, filepath.Join(archDir, "master.m3u8"))

	require.NoError(t, lib.Restore("demo"))
	assert.FileExists(t, filepath.Join(videoDir, "master.m3u8"))
	assert.NoDirExists(t, archDir)

	require.NoError(t, lib.Archive("demo"))
	require.NoError(t, lib.Purge("demo"))
	assert.NoDirExists(t, archDir)
}

func TestArchiveMissingTreeIsNoop(t *testing.T) {
	lib := newTestLibrary(t, config.FormatHLSTS)
	assert.NoError(t, lib.Archive("never-published"))
	assert.NoError(t, lib.Restore("never-archived"))
}

func TestSaveSourceRoundTrip(t *testing.T) {
	lib := newTestLibrary(t, config.FormatHLSTS)

	n, err := lib.SaveSource(42, "mp4", strings.NewReader("raw video bytes"))
	require.NoError(t, err)
	assert.EqualValues(t, 15, n)

	f, size, err := lib.OpenSource(42, "mp4")
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	assert.EqualValues(t, 15, size)

	require.NoError(t, lib.RemoveSource(42, "mp4"))
	require.NoError(t, lib.RemoveSource(42, "mp4")) // idempotent
}

func TestSaveSourceEnforcesLimit(t *testing.T) {
	lib := newTestLibrary(t, config.FormatHLSTS)
	lib.limits.MaxUploadSize = 8

	_, err := lib.SaveSource(43, "mp4", strings.NewReader("well over eight bytes"))
	require.ErrorIs(t, err, ErrUploadTooLarge)
	assert.NoFileExists(t, lib.SourcePath(43, "mp4"))
}

func TestInstalledQualities(t *testing.T) {
	lib := newTestLibrary(t, config.FormatHLSTS)
	ctx := context.Background()

	require.NoError(t, lib.InstallQuality(ctx, "demo", "720p", bundle(t, map[string]string{
		"720p.m3u8": "#EXTM3U\n", "720p_0000.ts": "x",
	})))
	require.NoError(t, lib.InstallMaster("demo", []byte("#EXTM3U\n")))

	entries, err := lib.InstalledQualities()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "demo", entries[0].Slug)
	assert.Equal(t, "720p", entries[0].Quality)
}

func TestRemoveQuality(t *testing.T) {
	lib := newTestLibrary(t, config.FormatHLSTS)
	ctx := context.Background()

	require.NoError(t, lib.InstallQuality(ctx, "demo", "480p", bundle(t, map[string]string{
		"480p.m3u8": "#EXTM3U\n", "480p_0000.ts": "x",
	})))
	require.NoError(t, lib.RemoveQuality("demo", "480p"))

	entries, err := lib.InstalledQualities()
	require.NoError(t, err)
	assert.Empty(t, entries)
}
