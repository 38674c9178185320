// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package library owns the on-disk media tree: source uploads, published
// HLS variants, and the archive of soft-deleted videos.
//
// Layout under the data directory:
//
//	uploads/{videoID}.{ext}             raw sources, deleted after publish
//	videos/{slug}/master.m3u8           published tree, served directly
//	videos/{slug}/thumbnail.jpg
//	videos/{slug}/{quality}.m3u8        hls-ts: flat variant files
//	videos/{slug}/{quality}_0000.ts
//	videos/{slug}/{quality}/stream.m3u8 cmaf: one directory per variant
//	archive/{slug}/                     soft-deleted trees awaiting purge
package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/vodforge/internal/archive"
	"github.com/ManuGH/vodforge/internal/config"
	"github.com/ManuGH/vodforge/internal/fsutil"
	"github.com/ManuGH/vodforge/internal/log"
	"github.com/ManuGH/vodforge/internal/store"
)

var (
	// ErrBadName marks a slug or quality that fails the path-safety check.
	ErrBadName = errors.New("library: unsafe path component")

	// ErrUploadTooLarge marks a source upload over the configured cap.
	ErrUploadTooLarge = errors.New("library: upload exceeds size limit")
)

// Library resolves and mutates the media tree.
type Library struct {
	paths  config.Paths
	format config.StreamFormat
	limits config.Limits
	logger zerolog.Logger
}

// New creates a Library over the configured tree.
func New(paths config.Paths, format config.StreamFormat, limits config.Limits) *Library {
	return &Library{
		paths:  paths,
		format: format,
		limits: limits,
		logger: log.WithComponent("library"),
	}
}

// EnsureDirs creates the three top-level directories.
func (l *Library) EnsureDirs() error {
	for _, dir := range []string{l.paths.UploadsDir(), l.paths.VideosDir(), l.paths.ArchiveDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("library: create %s: %w", dir, err)
		}
	}
	return nil
}

// SourcePath is the on-disk location of a raw upload.
func (l *Library) SourcePath(videoID int64, ext string) string {
	return filepath.Join(l.paths.UploadsDir(), fmt.Sprintf("%d.%s", videoID, ext))
}

// VideoDir is the published tree of one video.
func (l *Library) VideoDir(slug string) (string, error) {
	if !fsutil.PlainName(slug) {
		return "", fmt.Errorf("%w: %q", ErrBadName, slug)
	}
	return filepath.Join(l.paths.VideosDir(), slug), nil
}

func (l *Library) archiveDir(slug string) (string, error) {
	if !fsutil.PlainName(slug) {
		return "", fmt.Errorf("%w: %q", ErrBadName, slug)
	}
	return filepath.Join(l.paths.ArchiveDir(), slug), nil
}

// SaveSource streams a raw upload to the uploads directory, enforcing the
// configured size cap. The partial file is removed on any failure.
func (l *Library) SaveSource(videoID int64, ext string, r io.Reader) (retSize int64, retErr error) {
	if err := os.MkdirAll(l.paths.UploadsDir(), 0o755); err != nil {
		return 0, fmt.Errorf("library: uploads dir: %w", err)
	}
	path := l.SourcePath(videoID, ext)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644) // #nosec G304 -- path built from numeric id
	if err != nil {
		return 0, fmt.Errorf("library: create source: %w", err)
	}
	defer func() {
		_ = f.Close()
		if retErr != nil {
			_ = os.Remove(path)
		}
	}()

	limit := l.limits.MaxUploadSize
	if limit <= 0 {
		limit = 1<<62 - 1
	}
	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	if err != nil {
		return 0, fmt.Errorf("library: write source: %w", err)
	}
	if n > limit {
		return 0, ErrUploadTooLarge
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("library: sync source: %w", err)
	}
	return n, nil
}

// OpenSource opens a raw upload for streaming to a worker.
func (l *Library) OpenSource(videoID int64, ext string) (*os.File, int64, error) {
	path := l.SourcePath(videoID, ext)
	f, err := os.Open(path) // #nosec G304 -- path built from numeric id
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// RemoveSource deletes a raw upload. Missing files are not an error; the
// janitor and the publish path race benignly here.
func (l *Library) RemoveSource(videoID int64, ext string) error {
	err := os.Remove(l.SourcePath(videoID, ext))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// InstallQuality unpacks an uploaded variant bundle into the published tree.
// CMAF variants land in their own directory; hls-ts variants are flattened
// into the video root, replacing any previous files of the same quality.
func (l *Library) InstallQuality(ctx context.Context, slug, quality string, bundle io.Reader) error {
	if !store.QualityNames[quality] {
		return fmt.Errorf("%w: quality %q", ErrBadName, quality)
	}
	videoDir, err := l.VideoDir(slug)
	if err != nil {
		return err
	}

	lim := archive.Limits{
		MaxFileBytes:  l.limits.MaxFileSize,
		MaxTotalBytes: l.limits.MaxArchiveSize,
		Timeout:       l.limits.ExtractTimeout,
	}

	if l.format == config.FormatCMAF {
		return archive.Extract(ctx, bundle, filepath.Join(videoDir, quality), lim)
	}

	// hls-ts: extract to a sibling staging dir, then swap the quality's
	// files in the flat video root.
	staging := filepath.Join(l.paths.VideosDir(), ".install-"+slug+"-"+quality)
	if err := archive.Extract(ctx, bundle, staging, lim); err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(staging) }()

	if err := os.MkdirAll(videoDir, 0o755); err != nil {
		return fmt.Errorf("library: video dir: %w", err)
	}
	if err := l.removeTSVariant(videoDir, quality); err != nil {
		return err
	}
	entries, err := os.ReadDir(staging)
	if err != nil {
		return fmt.Errorf("library: read staging: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := fsutil.MoveFile(filepath.Join(staging, e.Name()), filepath.Join(videoDir, e.Name())); err != nil {
			return fmt.Errorf("library: install %s: %w", e.Name(), err)
		}
	}

	l.logger.Debug().
		Str("event", "library.quality_installed").
		Str(log.FieldSlug, slug).
		Str(log.FieldQuality, quality).
		Msg("variant installed")
	return nil
}

// removeTSVariant deletes the playlist and segments of one hls-ts quality
// from the flat video root.
func (l *Library) removeTSVariant(videoDir, quality string) error {
	entries, err := os.ReadDir(videoDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if name == quality+".m3u8" || (strings.HasPrefix(name, quality+"_") && strings.HasSuffix(name, ".ts")) {
			if err := os.Remove(filepath.Join(videoDir, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveQuality deletes one installed variant. The janitor uses this for
// orphaned qualities no database row references.
func (l *Library) RemoveQuality(slug, quality string) error {
	videoDir, err := l.VideoDir(slug)
	if err != nil {
		return err
	}
	if l.format == config.FormatCMAF {
		return os.RemoveAll(filepath.Join(videoDir, quality))
	}
	return l.removeTSVariant(videoDir, quality)
}

// InstallFinalize unpacks the finalize bundle (master.m3u8 and thumbnail)
// into the video root without touching installed variants. Either member may
// be absent; a selective re-transcode finalizes with the thumbnail alone or
// an empty bundle.
func (l *Library) InstallFinalize(ctx context.Context, slug string, bundle io.Reader) error {
	videoDir, err := l.VideoDir(slug)
	if err != nil {
		return err
	}

	staging := filepath.Join(l.paths.VideosDir(), ".finalize-"+slug)
	err = archive.Extract(ctx, bundle, staging, archive.Limits{
		MaxFileBytes:  l.limits.MaxFileSize,
		MaxTotalBytes: l.limits.MaxArchiveSize,
		Timeout:       l.limits.ExtractTimeout,
		Exts:          archive.FinalizeExts,
	})
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(staging) }()

	if err := os.MkdirAll(videoDir, 0o755); err != nil {
		return fmt.Errorf("library: video dir: %w", err)
	}
	for _, name := range []string{"master.m3u8", "thumbnail.jpg"} {
		src := filepath.Join(staging, name)
		if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := fsutil.MoveFile(src, filepath.Join(videoDir, name)); err != nil {
			return fmt.Errorf("library: install %s: %w", name, err)
		}
	}
	return nil
}

// InstallMaster atomically writes the master playlist.
func (l *Library) InstallMaster(slug string, content []byte) error {
	videoDir, err := l.VideoDir(slug)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(videoDir, 0o755); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(videoDir, "master.m3u8"), content, 0o644)
}

// InstallThumbnail atomically writes the poster frame.
func (l *Library) InstallThumbnail(slug string, content []byte) error {
	videoDir, err := l.VideoDir(slug)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(videoDir, 0o755); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(videoDir, "thumbnail.jpg"), content, 0o644)
}

// Archive moves a video's published tree into the archive. A video that
// never published has no tree; that is not an error.
func (l *Library) Archive(slug string) error {
	videoDir, err := l.VideoDir(slug)
	if err != nil {
		return err
	}
	archDir, err := l.archiveDir(slug)
	if err != nil {
		return err
	}
	if _, err := os.Stat(videoDir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := os.MkdirAll(l.paths.ArchiveDir(), 0o755); err != nil {
		return err
	}
	// A stale archived tree from an earlier delete cycle gives way.
	if err := os.RemoveAll(archDir); err != nil {
		return err
	}
	if err := fsutil.MoveDir(videoDir, archDir); err != nil {
		return fmt.Errorf("library: archive %s: %w", slug, err)
	}
	l.logger.Info().
		Str("event", "library.archived").
		Str(log.FieldSlug, slug).
		Msg("video tree moved to archive")
	return nil
}

// Restore moves an archived tree back into the published layout.
func (l *Library) Restore(slug string) error {
	videoDir, err := l.VideoDir(slug)
	if err != nil {
		return err
	}
	archDir, err := l.archiveDir(slug)
	if err != nil {
		return err
	}
	if _, err := os.Stat(archDir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := fsutil.MoveDir(archDir, videoDir); err != nil {
		return fmt.Errorf("library: restore %s: %w", slug, err)
	}
	l.logger.Info().
		Str("event", "library.restored").
		Str(log.FieldSlug, slug).
		Msg("video tree restored from archive")
	return nil
}

// Purge permanently removes an archived tree.
func (l *Library) Purge(slug string) error {
	archDir, err := l.archiveDir(slug)
	if err != nil {
		return err
	}
	return os.RemoveAll(archDir)
}

// RemoveVideoDir permanently removes a published tree. Used when a video is
// deleted without the archive round-trip.
func (l *Library) RemoveVideoDir(slug string) error {
	videoDir, err := l.VideoDir(slug)
	if err != nil {
		return err
	}
	return os.RemoveAll(videoDir)
}

// QualityEntry is one on-disk variant found by InstalledQualities.
type QualityEntry struct {
	Slug    string
	Quality string
	ModTime time.Time
}

// InstalledQualities enumerates the variants present on disk across all
// published videos. The janitor diffs this against the database.
func (l *Library) InstalledQualities() ([]QualityEntry, error) {
	videosDir := l.paths.VideosDir()
	slugs, err := os.ReadDir(videosDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var out []QualityEntry
	for _, se := range slugs {
		if !se.IsDir() || strings.HasPrefix(se.Name(), ".") {
			continue
		}
		slugName := se.Name()
		entries, err := os.ReadDir(filepath.Join(videosDir, slugName))
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			var quality string
			switch {
			case e.IsDir() && store.QualityNames[name]:
				quality = name // cmaf layout
			case !e.IsDir() && strings.HasSuffix(name, ".m3u8") && name != "master.m3u8":
				quality = strings.TrimSuffix(name, ".m3u8") // hls-ts layout
			default:
				continue
			}
			if !store.QualityNames[quality] {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, QualityEntry{Slug: slugName, Quality: quality, ModTime: info.ModTime()})
		}
	}
	return out, nil
}
