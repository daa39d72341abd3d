package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepod-dev/codepod/types"
)

func testLang(id string) Language {
	c := NewCatalog()
	l, ok := c.Get(id)
	if !ok {
		panic("unknown language: " + id)
	}
	return l
}

func TestNormalizeCode_EmptyAndTooLarge(t *testing.T) {
	n := NewNormalizer(nil)

	_, err := n.NormalizeCode(testLang("python"), "")
	assert.True(t, types.HasCode(err, types.ErrValidation))

	_, err = n.NormalizeCode(testLang("python"), strings.Repeat("a", DefaultMaxCodeBytes+1))
	assert.True(t, types.HasCode(err, types.ErrCodeTooLarge))
}

func TestNormalizeCode_DangerousPatterns(t *testing.T) {
	n := NewNormalizer(nil)
	tests := []string{
		`import os; os.system("rm -rf /")`,
		"echo hi; rm -rf / --no-preserve-root",
		":(){ :|:& };:",
		"OS.SYSTEM(\"RM -RF /tmp\")", // case-insensitive
	}
	for _, code := range tests {
		_, err := n.NormalizeCode(testLang("python"), code)
		assert.True(t, types.HasCode(err, types.ErrDangerousPattern), "code: %s", code)
	}

	// Benign mentions of rm must pass.
	out, err := n.NormalizeCode(testLang("python"), `print("rm is a unix command")`)
	require.NoError(t, err)
	assert.Contains(t, out, "rm is a unix command")
}

func TestNormalizeCode_LineEndings(t *testing.T) {
	n := NewNormalizer(nil)
	out, err := n.NormalizeCode(testLang("python"), "a = 1\r\nb = 2\rprint(a + b)")
	require.NoError(t, err)
	assert.Equal(t, "a = 1\nb = 2\nprint(a + b)", out)
}

func TestNormalizeCode_JavaClassRewrite(t *testing.T) {
	n := NewNormalizer(nil)

	out, err := n.NormalizeCode(testLang("java"), "public class HelloWorld {\n  public static void main(String[] a) {}\n}")
	require.NoError(t, err)
	assert.Contains(t, out, "public class Main")
	assert.NotContains(t, out, "HelloWorld")

	// Non-public classes are left alone.
	out, err = n.NormalizeCode(testLang("java"), "class Helper {}\npublic class Other {}")
	require.NoError(t, err)
	assert.Contains(t, out, "class Helper")
	assert.Contains(t, out, "public class Main")

	// Other languages are never rewritten.
	out, err = n.NormalizeCode(testLang("python"), "x = 'public class Foo'")
	require.NoError(t, err)
	assert.Contains(t, out, "public class Foo")
}

func TestNormalizeStdin(t *testing.T) {
	n := NewNormalizer(nil)

	out, err := n.NormalizeStdin(nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = n.NormalizeStdin([]byte(strings.Repeat("x", DefaultMaxStdinBytes+1)))
	assert.True(t, types.HasCode(err, types.ErrStdinTooLarge))

	// Text: line endings normalized, trailing newline guaranteed.
	out, err = n.NormalizeStdin([]byte("1 2\r\n3 4"))
	require.NoError(t, err)
	assert.Equal(t, "1 2\n3 4\n", string(out))

	// Already-terminated input is not double-terminated.
	out, err = n.NormalizeStdin([]byte("line\n"))
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(out))

	// Binary input passes through untouched.
	bin := []byte{0x00, 0x01, 0x0D, 0x0A, 0xFF}
	out, err = n.NormalizeStdin(bin)
	require.NoError(t, err)
	assert.Equal(t, bin, out)
}

func TestNormalizer_CustomConfig(t *testing.T) {
	n := NewNormalizer(&NormalizerConfig{
		MaxCodeBytes: 10,
		Blacklist:    []string{"forbidden"},
	})

	_, err := n.NormalizeCode(testLang("python"), "12345678901")
	assert.True(t, types.HasCode(err, types.ErrCodeTooLarge))

	_, err = n.NormalizeCode(testLang("python"), "Forbidden")
	assert.True(t, types.HasCode(err, types.ErrDangerousPattern))

	// Default blacklist entries no longer apply with a custom list.
	out, err := n.NormalizeCode(testLang("python"), "mkfs.ext4")
	require.NoError(t, err)
	assert.Equal(t, "mkfs.ext4", out)
}
