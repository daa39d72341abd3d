package terminal

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func processAll(p *StreamProcessor, chunks ...[]byte) []byte {
	var out []byte
	for _, c := range chunks {
		for _, piece := range p.Process(c) {
			out = append(out, piece...)
		}
	}
	out = append(out, p.Flush()...)
	return out
}

func TestProcess_CRLFCollapses(t *testing.T) {
	p := NewStreamProcessor(nil)
	out := processAll(p, []byte("hello\r\nworld\r\n"))
	assert.Equal(t, "hello\nworld\n", string(out))
}

func TestProcess_LoneCRDroppedByDefault(t *testing.T) {
	p := NewStreamProcessor(nil)
	out := processAll(p, []byte("progress\rdone\n"))
	assert.Equal(t, "progressdone\n", string(out))
}

func TestProcess_LoneCRToNewline(t *testing.T) {
	cfg := DefaultProcessorConfig()
	cfg.CRToNewline = true
	p := NewStreamProcessor(cfg)
	out := processAll(p, []byte("progress\rdone\r"))
	assert.Equal(t, "progress\ndone\n", string(out))
}

func TestProcess_CRLFAcrossChunkBoundary(t *testing.T) {
	p := NewStreamProcessor(nil)
	out := processAll(p, []byte("line\r"), []byte("\nnext"))
	assert.Equal(t, "line\nnext", string(out))
}

func TestProcess_ANSIPreservedByteExact(t *testing.T) {
	p := NewStreamProcessor(nil)
	in := []byte("\x1b[31mred\x1b[0m plain")
	out := processAll(p, in)
	assert.Equal(t, in, out)
	assert.Equal(t, int64(2), p.Stats().ANSISequences)
}

func TestProcess_ANSIStripped(t *testing.T) {
	cfg := DefaultProcessorConfig()
	cfg.PreserveANSI = false
	p := NewStreamProcessor(cfg)
	out := processAll(p, []byte("\x1b[31mred\x1b[0m plain"))
	assert.Equal(t, "red plain", string(out))
}

func TestProcess_ANSISpanningChunks(t *testing.T) {
	cfg := DefaultProcessorConfig()
	cfg.PreserveANSI = false
	p := NewStreamProcessor(cfg)
	out := processAll(p, []byte("a\x1b["), []byte("31mb"))
	assert.Equal(t, "ab", string(out))
}

func TestProcess_ControlChars(t *testing.T) {
	p := NewStreamProcessor(nil)
	in := []byte("a\x03b\x07c")
	out := processAll(p, in)
	assert.Equal(t, in, out, "control bytes pass through when preserved")
	assert.Equal(t, int64(2), p.Stats().ControlChars)

	cfg := DefaultProcessorConfig()
	cfg.PreserveControlChars = false
	p = NewStreamProcessor(cfg)
	out = processAll(p, in)
	assert.Equal(t, "abc", string(out))
}

func TestProcess_HighWaterMarkSplitsChunks(t *testing.T) {
	cfg := DefaultProcessorConfig()
	cfg.HighWaterMark = 4
	p := NewStreamProcessor(cfg)

	pieces := p.Process([]byte("0123456789"))
	require.Len(t, pieces, 3)
	assert.Equal(t, "0123", string(pieces[0]))
	assert.Equal(t, "4567", string(pieces[1]))
	assert.Equal(t, "89", string(pieces[2]))
}

func TestProcess_Counters(t *testing.T) {
	p := NewStreamProcessor(nil)
	processAll(p, []byte("ab\r\ncd"))
	stats := p.Stats()
	assert.Equal(t, int64(6), stats.BytesIn)
	assert.Equal(t, int64(5), stats.BytesOut)
}

// Processing CRLF-terminated terminal output must be reversible: replacing
// every LF in the output with CRLF recovers the original bytes.
func TestProcess_PropertyCRLFRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 6).Draw(t, "lines")
		var original []byte
		for i := 0; i < n; i++ {
			line := rapid.SliceOfN(rapid.ByteRange(0x20, 0x7e), 0, 32).Draw(t, "line")
			original = append(original, line...)
			original = append(original, '\r', '\n')
		}

		p := NewStreamProcessor(nil)
		// Feed in arbitrary chunk splits; the transform must not depend on
		// chunk boundaries.
		var out []byte
		rest := original
		for len(rest) > 0 {
			cut := rapid.IntRange(1, len(rest)).Draw(t, "cut")
			for _, piece := range p.Process(rest[:cut]) {
				out = append(out, piece...)
			}
			rest = rest[cut:]
		}
		out = append(out, p.Flush()...)

		recovered := strings.ReplaceAll(string(out), "\n", "\r\n")
		assert.Equal(t, string(original), recovered)
		assert.False(t, bytes.Contains(out, []byte{'\r'}))
	})
}

// ANSI escapes survive byte-exact regardless of chunk boundaries when
// preserved.
func TestProcess_PropertyANSIByteExact(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var original []byte
		n := rapid.IntRange(0, 5).Draw(t, "segments")
		for i := 0; i < n; i++ {
			text := rapid.SliceOfN(rapid.ByteRange(0x20, 0x7e), 0, 16).Draw(t, "text")
			original = append(original, text...)
			params := rapid.SliceOfN(rapid.ByteRange('0', '9'), 0, 4).Draw(t, "params")
			final := rapid.ByteRange(0x40, 0x7e).Draw(t, "final")
			original = append(original, 0x1b, '[')
			original = append(original, params...)
			original = append(original, final)
		}

		p := NewStreamProcessor(nil)
		var out []byte
		rest := original
		for len(rest) > 0 {
			cut := rapid.IntRange(1, len(rest)).Draw(t, "cut")
			for _, piece := range p.Process(rest[:cut]) {
				out = append(out, piece...)
			}
			rest = rest[cut:]
		}
		out = append(out, p.Flush()...)
		assert.Equal(t, original, out)
	})
}
