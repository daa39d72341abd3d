package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Key derives a deterministic cache key from a chat message and its
// conversational context: context keys are sorted, values JSON-encoded,
// whitespace runs collapsed, and the message lowercased before hashing.
// 同一语义的请求必须得到同一个键，与 map 遍历顺序无关。
func Key(message string, context map[string]any) string {
	var b strings.Builder
	b.WriteString(collapseWhitespace(strings.ToLower(message)))
	b.WriteByte('|')

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			b.WriteString(k)
			b.WriteByte('=')
			v, err := json.Marshal(context[k])
			if err != nil {
				// Unmarshalable values still need a stable representation.
				b.WriteString("?")
			} else {
				b.WriteString(collapseWhitespace(string(v)))
			}
			b.WriteByte(';')
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// collapseWhitespace trims and squeezes every whitespace run to one space.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
