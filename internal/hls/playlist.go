// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package hls builds and validates the playlists of the publishing layout:
// one master playlist per video referencing one variant playlist per
// produced quality.
package hls

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ManuGH/vodforge/internal/config"
	"github.com/ManuGH/vodforge/internal/fsutil"
)

// Variant is one quality track entering the master playlist.
type Variant struct {
	Quality     string
	Width       int
	Height      int
	BitrateKbps int
}

// bandwidth is the peak bits per second advertised for the variant: the
// video bitrate plus a fixed mux overhead allowance.
func (v Variant) bandwidth() int {
	return v.BitrateKbps*1000 + v.BitrateKbps*100 // 10% container overhead
}

// playlistPath is the variant reference written into the master playlist.
func (v Variant) playlistPath(format config.StreamFormat) string {
	if format == config.FormatCMAF {
		return v.Quality + "/stream.m3u8"
	}
	return v.Quality + ".m3u8"
}

// BuildMaster renders master.m3u8 for the given variants, ordered by
// descending bandwidth. Variants with equal bandwidth keep their input
// order.
func BuildMaster(variants []Variant, format config.StreamFormat) (string, error) {
	if len(variants) == 0 {
		return "", errors.New("hls: master playlist needs at least one variant")
	}

	sorted := make([]Variant, len(variants))
	copy(sorted, variants)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].bandwidth() > sorted[j].bandwidth()
	})

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, v := range sorted {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n",
			v.bandwidth(), v.Width, v.Height)
		b.WriteString(v.playlistPath(format))
		b.WriteString("\n")
	}
	return b.String(), nil
}

// WriteMaster renders and atomically writes master.m3u8 under dir.
func WriteMaster(dir string, variants []Variant, format config.StreamFormat) error {
	content, err := BuildMaster(variants, format)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, "master.m3u8"), []byte(content), 0o644)
}

// ValidationMode controls how deep ValidateVariant inspects the playlist.
type ValidationMode int

const (
	// StructureOnly checks the playlist text without touching the disk.
	StructureOnly ValidationMode = iota
	// WithSegments additionally verifies every referenced segment exists.
	WithSegments
)

// ValidateVariant checks a variant playlist: header, end marker, and in
// WithSegments mode the presence of every referenced media file relative
// to dir.
func ValidateVariant(r io.Reader, dir string, mode ValidationMode) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		first     = true
		gotEnd    bool
		gotTarget bool
		segments  []string
	)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if first {
			if line != "#EXTM3U" {
				return errors.New("hls: playlist does not start with #EXTM3U")
			}
			first = false
			continue
		}
		switch {
		case line == "":
		case strings.HasPrefix(line, "#EXT-X-ENDLIST"):
			gotEnd = true
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION"):
			gotTarget = true
		case strings.HasPrefix(line, "#"):
		default:
			segments = append(segments, line)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("hls: read playlist: %w", err)
	}
	if first {
		return errors.New("hls: empty playlist")
	}
	if !gotTarget {
		return errors.New("hls: playlist missing #EXT-X-TARGETDURATION")
	}
	if !gotEnd {
		return errors.New("hls: playlist missing #EXT-X-ENDLIST")
	}
	if len(segments) == 0 {
		return errors.New("hls: playlist references no segments")
	}

	if mode == StructureOnly {
		return nil
	}
	for _, seg := range segments {
		if !fsutil.PlainName(seg) {
			return fmt.Errorf("hls: segment reference %q is not a plain name", seg)
		}
		if err := fsutil.IsRegularFile(filepath.Join(dir, seg)); err != nil {
			return fmt.Errorf("hls: referenced segment missing: %s", seg)
		}
	}
	return nil
}

// ValidateVariantFile opens and validates a variant playlist on disk.
func ValidateVariantFile(path string, mode ValidationMode) error {
	f, err := os.Open(path) // #nosec G304 -- internal output tree
	if err != nil {
		return fmt.Errorf("hls: open playlist: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ValidateVariant(f, filepath.Dir(path), mode)
}

// ParseMasterBandwidths extracts the BANDWIDTH attributes of a master
// playlist in file order. Used to verify ordering.
func ParseMasterBandwidths(r io.Reader) ([]int, error) {
	sc := bufio.NewScanner(r)
	var out []int
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "#EXT-X-STREAM-INF:") {
			continue
		}
		for _, attr := range strings.Split(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"), ",") {
			if v, ok := strings.CutPrefix(attr, "BANDWIDTH="); ok {
				var bw int
				if _, err := fmt.Sscanf(v, "%d", &bw); err != nil {
					return nil, fmt.Errorf("hls: bad BANDWIDTH attribute %q", attr)
				}
				out = append(out, bw)
			}
		}
	}
	return out, sc.Err()
}
