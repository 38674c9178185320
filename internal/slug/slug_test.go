// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package slug

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMake(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Hello World", "hello-world"},
		{"  Grüße aus Köln!  ", "gruesse-aus-koeln"},
		{"Already-Slugged", "already-slugged"},
		{"multiple   spaces -- and dashes", "multiple-spaces-and-dashes"},
		{"episode.01 [FINAL] (v2)", "episode-01-final-v2"},
		{"日本語のみ", "video"},
		{"", "video"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Make(tc.in), "input %q", tc.in)
	}
}

func TestMakeCapsLength(t *testing.T) {
	s := Make(strings.Repeat("very long title ", 20))
	assert.LessOrEqual(t, len(s), 80)
	assert.False(t, strings.HasSuffix(s, "-"), "no trailing dash after truncation")
}

func TestWithSuffixIsDeterministic(t *testing.T) {
	a := WithSuffix("my-video", "seed-one")
	b := WithSuffix("my-video", "seed-one")
	c := WithSuffix("my-video", "seed-two")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "my-video-"))
	assert.Len(t, strings.TrimPrefix(a, "my-video-"), 6)
}
