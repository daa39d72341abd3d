package sandbox

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/codepod-dev/codepod/types"
)

// Default size limits, overridable via NormalizerConfig.
const (
	DefaultMaxCodeBytes  = 1 << 20 // 1 MiB
	DefaultMaxStdinBytes = 10 << 10
)

// defaultBlacklist is the single configured list of high-risk substrings.
// Matching is case-insensitive.
var defaultBlacklist = []string{
	`os.system("rm -rf`,
	`os.system('rm -rf`,
	`; rm -rf /`,
	`| sh -c "rm`,
	`| sh -c 'rm`,
	`:(){ :|:& };:`,
	`mkfs.`,
	`dd if=/dev/zero of=/dev/`,
	`> /dev/sda`,
	`chmod -r 777 /`,
	`curl | sh`,
	`wget | sh`,
}

var javaPublicClassRe = regexp.MustCompile(`public\s+class\s+([A-Za-z_$][A-Za-z0-9_$]*)`)

// NormalizerConfig bounds and filters sandbox input.
type NormalizerConfig struct {
	MaxCodeBytes  int
	MaxStdinBytes int
	Blacklist     []string
}

// DefaultNormalizerConfig 返回默认配置
func DefaultNormalizerConfig() *NormalizerConfig {
	return &NormalizerConfig{
		MaxCodeBytes:  DefaultMaxCodeBytes,
		MaxStdinBytes: DefaultMaxStdinBytes,
		Blacklist:     defaultBlacklist,
	}
}

// Normalizer validates and normalizes code and stdin before they enter a
// sandbox container.
type Normalizer struct {
	config *NormalizerConfig
}

// NewNormalizer creates a normalizer. A nil config uses the defaults; a
// config with a nil Blacklist keeps the default list.
func NewNormalizer(config *NormalizerConfig) *Normalizer {
	if config == nil {
		config = DefaultNormalizerConfig()
	}
	if config.MaxCodeBytes <= 0 {
		config.MaxCodeBytes = DefaultMaxCodeBytes
	}
	if config.MaxStdinBytes <= 0 {
		config.MaxStdinBytes = DefaultMaxStdinBytes
	}
	if config.Blacklist == nil {
		config.Blacklist = defaultBlacklist
	}
	return &Normalizer{config: config}
}

// NormalizeCode checks size and blacklist, normalizes line endings, and
// applies language-specific rewrites. Returns the normalized source.
func (n *Normalizer) NormalizeCode(lang Language, code string) (string, error) {
	if code == "" {
		return "", types.NewError(types.ErrValidation, "code is required")
	}
	if len(code) > n.config.MaxCodeBytes {
		return "", types.NewError(types.ErrCodeTooLarge,
			fmt.Sprintf("code exceeds maximum size of %d bytes", n.config.MaxCodeBytes))
	}

	lower := strings.ToLower(code)
	for _, pattern := range n.config.Blacklist {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return "", types.NewError(types.ErrDangerousPattern,
				"code contains potentially dangerous patterns")
		}
	}

	code = normalizeLineEndings(code)

	// Java 的顶层类名必须与文件名一致，统一改写成 Main
	if lang.ID == "java" && lang.ClassName != "" {
		code = javaPublicClassRe.ReplaceAllString(code, "public class "+lang.ClassName)
	}

	return code, nil
}

// NormalizeStdin bounds stdin, normalizes line endings for textual input,
// and guarantees a trailing newline on non-empty input. Binary input is
// preserved verbatim apart from the size check.
func (n *Normalizer) NormalizeStdin(stdin []byte) ([]byte, error) {
	if len(stdin) == 0 {
		return nil, nil
	}
	if len(stdin) > n.config.MaxStdinBytes {
		return nil, types.NewError(types.ErrStdinTooLarge,
			fmt.Sprintf("stdin exceeds maximum size of %d bytes", n.config.MaxStdinBytes))
	}

	if isBinary(stdin) {
		return stdin, nil
	}

	out := []byte(normalizeLineEndings(string(stdin)))
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

// normalizeLineEndings maps CRLF to LF, then any lone CR to LF.
func normalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// isBinary reports whether data looks like non-text content. NUL bytes are
// the discriminator; everything else is treated as text.
func isBinary(data []byte) bool {
	return bytes.IndexByte(data, 0) >= 0
}
