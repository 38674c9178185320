// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ffmpeg

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineRingKeepsTail(t *testing.T) {
	r := NewLineRing(3)
	for i := 1; i <= 5; i++ {
		_, _ = fmt.Fprintf(r, "line%d\n", i)
	}
	assert.Equal(t, []string{"line3", "line4", "line5"}, r.LastN(10))
	assert.Equal(t, []string{"line4", "line5"}, r.LastN(2))
}

func TestLineRingSplitsMultilineWrites(t *testing.T) {
	r := NewLineRing(10)
	_, _ = r.Write([]byte("a\nb\nc\n"))
	assert.Equal(t, []string{"a", "b", "c"}, r.LastN(10))
}

func TestLineRingEmpty(t *testing.T) {
	r := NewLineRing(4)
	assert.Empty(t, r.LastN(4))
}
