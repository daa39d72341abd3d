// Package terminal hosts long-lived interactive TTY sessions in sandbox
// containers and bridges them to websocket clients.
package terminal

import (
	"sync"
)

// DefaultHighWaterMark bounds the size of a single emitted chunk.
const DefaultHighWaterMark = 64 << 10

// ProcessorConfig controls the PTY output transform.
type ProcessorConfig struct {
	// PreserveANSI keeps \x1b[…] escape sequences byte-exact. When false
	// they are stripped.
	PreserveANSI bool
	// PreserveControlChars keeps control bytes other than CR/LF. When false
	// they are dropped.
	PreserveControlChars bool
	// CRToNewline maps a lone \r to \n instead of dropping it.
	CRToNewline bool
	// HighWaterMark splits emitted chunks to at most this many bytes.
	HighWaterMark int
}

// DefaultProcessorConfig 返回终端输出处理的默认配置
func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{
		PreserveANSI:         true,
		PreserveControlChars: true,
		CRToNewline:          false,
		HighWaterMark:        DefaultHighWaterMark,
	}
}

// ProcessorStats are the cumulative counters of one processor.
type ProcessorStats struct {
	BytesIn       int64 `json:"bytesIn"`
	BytesOut      int64 `json:"bytesOut"`
	ANSISequences int64 `json:"ansiSequences"`
	ControlChars  int64 `json:"controlChars"`
}

// csi parser states; escapes may span chunk boundaries.
const (
	stateNormal = iota
	stateEsc    // saw \x1b
	stateCSI    // inside \x1b[ … awaiting final byte
)

// StreamProcessor normalizes container TTY output before it reaches the
// client: CRLF collapses to LF, lone CR is dropped or mapped per config, and
// ANSI/control bytes are preserved or stripped per config. The processor is
// stateful so CRLF pairs and escape sequences split across chunks are handled
// correctly.
type StreamProcessor struct {
	config *ProcessorConfig

	mu        sync.Mutex
	pendingCR bool
	escState  int
	stats     ProcessorStats
}

// NewStreamProcessor creates a processor. A nil config uses the defaults.
func NewStreamProcessor(config *ProcessorConfig) *StreamProcessor {
	if config == nil {
		config = DefaultProcessorConfig()
	}
	if config.HighWaterMark <= 0 {
		config.HighWaterMark = DefaultHighWaterMark
	}
	return &StreamProcessor{config: config}
}

// Process transforms one input chunk and returns the output split into
// pieces of at most HighWaterMark bytes. Never buffers more than one
// pending byte between calls.
func (p *StreamProcessor) Process(chunk []byte) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.BytesIn += int64(len(chunk))
	out := make([]byte, 0, len(chunk))
	for _, b := range chunk {
		out = p.processByte(out, b)
	}

	p.stats.BytesOut += int64(len(out))
	return split(out, p.config.HighWaterMark)
}

// Flush resolves a trailing CR held back at the last chunk boundary. Call it
// when the stream ends.
func (p *StreamProcessor) Flush() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pendingCR {
		return nil
	}
	p.pendingCR = false
	if p.config.CRToNewline {
		p.stats.BytesOut++
		return []byte{'\n'}
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (p *StreamProcessor) Stats() ProcessorStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *StreamProcessor) processByte(out []byte, b byte) []byte {
	// A CR held from the previous byte resolves now: CRLF → LF, lone CR per
	// config.
	if p.pendingCR {
		p.pendingCR = false
		if b == '\n' {
			return append(out, '\n')
		}
		if p.config.CRToNewline {
			out = append(out, '\n')
		}
	}

	switch p.escState {
	case stateEsc:
		if b == '[' {
			p.escState = stateCSI
			p.stats.ANSISequences++
		} else {
			p.escState = stateNormal
		}
		if p.config.PreserveANSI {
			return append(out, b)
		}
		return out
	case stateCSI:
		// CSI sequences end on a final byte in 0x40..0x7E.
		if b >= 0x40 && b <= 0x7E {
			p.escState = stateNormal
		}
		if p.config.PreserveANSI {
			return append(out, b)
		}
		return out
	}

	switch {
	case b == '\r':
		p.pendingCR = true
		return out
	case b == '\n':
		return append(out, '\n')
	case b == 0x1b:
		p.escState = stateEsc
		if p.config.PreserveANSI {
			return append(out, b)
		}
		return out
	case b < 0x20 || b == 0x7f:
		p.stats.ControlChars++
		if p.config.PreserveControlChars {
			return append(out, b)
		}
		return out
	default:
		return append(out, b)
	}
}

func split(data []byte, max int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	var out [][]byte
	for len(data) > max {
		out = append(out, data[:max])
		data = data[max:]
	}
	return append(out, data)
}
