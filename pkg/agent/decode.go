package agent

import (
	"strings"
	"unicode/utf8"
)

// decodeOutput turns raw process output into valid UTF-8. Clean UTF-8 passes
// through untouched. Otherwise the platform's legacy code page is tried —
// Windows consoles routinely emit it — and as a last resort invalid bytes
// are replaced so binary-ish output cannot corrupt the stream.
func decodeOutput(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	if s, ok := decodeSystemCodePage(b); ok {
		return s
	}
	return strings.ToValidUTF8(string(b), "�")
}
