// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package archive packs and safely unpacks the tar.gz bundles workers use
// to deliver encoded quality variants.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/vodforge/internal/fsutil"
	"github.com/ManuGH/vodforge/internal/log"
)

// QualityExts are the member suffixes a variant bundle may contain.
// Everything an HLS variant needs, nothing else.
var QualityExts = map[string]bool{
	".m3u8": true,
	".ts":   true,
	".m4s":  true,
	".mp4":  true, // CMAF init segment
}

// FinalizeExts are the member suffixes a finalize bundle may contain:
// the master playlist and the poster frame.
var FinalizeExts = map[string]bool{
	".m3u8": true,
	".jpg":  true,
}

// Limits bound a single extraction.
type Limits struct {
	MaxFileBytes  int64
	MaxTotalBytes int64
	Timeout       time.Duration
	Exts          map[string]bool // nil means QualityExts
}

var (
	// ErrUnsafeEntry marks a member that violates the naming or type rules.
	ErrUnsafeEntry = errors.New("archive: unsafe entry")

	// ErrTooLarge marks a bundle that exceeds its size budget.
	ErrTooLarge = errors.New("archive: size limit exceeded")

	// ErrTimeout marks an extraction that outlived its wall-clock budget.
	ErrTimeout = errors.New("archive: extraction timed out")
)

// Extract unpacks src into a fresh temp directory next to destDir, verifies
// every member, then atomically promotes the staging directory to destDir.
// A failed extraction leaves no partial state behind.
func Extract(ctx context.Context, src io.Reader, destDir string, lim Limits) (retErr error) {
	if lim.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, lim.Timeout)
		defer cancel()
	}

	parent := filepath.Dir(destDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("archive: prepare destination: %w", err)
	}
	staging, err := os.MkdirTemp(parent, ".extract-*")
	if err != nil {
		return fmt.Errorf("archive: staging dir: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = os.RemoveAll(staging)
		}
	}()

	if err := unpack(ctx, src, staging, lim); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrTimeout, lim.Timeout)
		}
		return err
	}

	// A re-upload replaces the previous variant wholesale.
	if err := os.RemoveAll(destDir); err != nil {
		return fmt.Errorf("archive: clear destination: %w", err)
	}
	if err := fsutil.MoveDir(staging, destDir); err != nil {
		return fmt.Errorf("archive: promote: %w", err)
	}

	logger := log.WithComponent("archive")
	logger.Debug().
		Str("event", "archive.extracted").
		Str(log.FieldPath, destDir).
		Msg("bundle extracted")
	return nil
}

func unpack(ctx context.Context, src io.Reader, staging string, lim Limits) error {
	gz, err := gzip.NewReader(src)
	if err != nil {
		return fmt.Errorf("archive: gzip: %w", err)
	}
	defer func() { _ = gz.Close() }()

	exts := lim.Exts
	if exts == nil {
		exts = QualityExts
	}

	tr := tar.NewReader(gz)
	var total int64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: tar: %w", err)
		}

		switch hdr.Typeflag {
		case tar.TypeReg:
		case tar.TypeDir, tar.TypeXGlobalHeader:
			// Directory entries and pax headers carry no payload; skip.
			continue
		default:
			return fmt.Errorf("%w: %s is not a regular file", ErrUnsafeEntry, hdr.Name)
		}

		// Members must be bare filenames; "./" is the only tolerated prefix.
		name := strings.TrimPrefix(hdr.Name, "./")
		if !fsutil.PlainName(name) {
			return fmt.Errorf("%w: %s", ErrUnsafeEntry, hdr.Name)
		}
		if !exts[strings.ToLower(filepath.Ext(name))] {
			return fmt.Errorf("%w: %s has a disallowed extension", ErrUnsafeEntry, hdr.Name)
		}
		if lim.MaxFileBytes > 0 && hdr.Size > lim.MaxFileBytes {
			return fmt.Errorf("%w: %s declares %d bytes", ErrTooLarge, name, hdr.Size)
		}

		n, err := writeMember(ctx, tr, filepath.Join(staging, name), lim.MaxFileBytes)
		if err != nil {
			return err
		}
		total += n
		if lim.MaxTotalBytes > 0 && total > lim.MaxTotalBytes {
			return fmt.Errorf("%w: bundle exceeds %d bytes", ErrTooLarge, lim.MaxTotalBytes)
		}
	}
}

func writeMember(ctx context.Context, r io.Reader, path string, maxBytes int64) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return 0, fmt.Errorf("archive: create member: %w", err)
	}
	defer func() { _ = f.Close() }()

	// Copy in slices so a huge member cannot ride out the deadline, and cap
	// one past the limit so an underdeclared header is still caught.
	limit := int64(1<<62 - 1)
	if maxBytes > 0 {
		limit = maxBytes + 1
	}
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := io.CopyN(f, io.LimitReader(r, limit-total), 4<<20)
		total += n
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, fmt.Errorf("archive: write member: %w", err)
		}
		if maxBytes > 0 && total > maxBytes {
			return total, fmt.Errorf("%w: member larger than declared", ErrTooLarge)
		}
	}
	return total, nil
}

// Pack writes the regular files of dir (non-recursive) as a tar.gz stream.
// The worker uses this to bundle one finished quality variant.
func Pack(dir string, w io.Writer) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("archive: read dir: %w", err)
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return fmt.Errorf("archive: stat %s: %w", e.Name(), err)
		}
		hdr := &tar.Header{
			Name:    e.Name(),
			Mode:    0o644,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("archive: header %s: %w", e.Name(), err)
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("archive: open %s: %w", e.Name(), err)
		}
		_, err = io.Copy(tw, f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("archive: copy %s: %w", e.Name(), err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("archive: finish tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("archive: finish gzip: %w", err)
	}
	return nil
}

// PackFiles writes the given files as a tar.gz stream under their member
// names. Entries with an empty path are skipped, so callers can pass
// optional artifacts unconditionally.
func PackFiles(files map[string]string, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for name, path := range files {
		if path == "" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("archive: stat %s: %w", path, err)
		}
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("archive: header %s: %w", name, err)
		}
		f, err := os.Open(path) // #nosec G304 -- paths come from the worker's own scratch dir
		if err != nil {
			return fmt.Errorf("archive: open %s: %w", path, err)
		}
		_, err = io.Copy(tw, f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("archive: copy %s: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("archive: finish tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("archive: finish gzip: %w", err)
	}
	return nil
}
