// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package slug converts titles into URL-safe identifiers.
package slug

import (
	"crypto/sha1" // #nosec G505 -- used for non-cryptographic disambiguation only
	"encoding/hex"
	"strings"
	"unicode"
)

// Make converts a video title into a URL-safe, human-readable slug.
// Example: "Städtetour München" → "staedtetour-muenchen"
func Make(title string) string {
	if title == "" {
		return "video"
	}

	s := strings.ToLower(title)

	replacer := strings.NewReplacer(
		"ä", "ae",
		"ö", "oe",
		"ü", "ue",
		"ß", "ss",
		"à", "a",
		"á", "a",
		"â", "a",
		"è", "e",
		"é", "e",
		"ê", "e",
		"ì", "i",
		"í", "i",
		"î", "i",
		"ò", "o",
		"ó", "o",
		"ô", "o",
		"ù", "u",
		"ú", "u",
		"û", "u",
		"ç", "c",
		"ñ", "n",
	)
	s = replacer.Replace(s)

	var result strings.Builder
	lastWasDash := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || unicode.IsDigit(r) {
			result.WriteRune(r)
			lastWasDash = false
		} else if !lastWasDash {
			result.WriteRune('-')
			lastWasDash = true
		}
	}

	out := strings.Trim(result.String(), "-")
	if out == "" {
		return "video"
	}
	const maxLen = 80
	if len(out) > maxLen {
		out = strings.Trim(out[:maxLen], "-")
	}
	return out
}

// WithSuffix appends a short deterministic suffix derived from seed, used to
// disambiguate slug collisions without a second round-trip.
func WithSuffix(base, seed string) string {
	sum := sha1.Sum([]byte(seed)) // #nosec G401 -- disambiguation, not security
	return base + "-" + hex.EncodeToString(sum[:])[:6]
}
