//go:build !windows

package agent

// decodeSystemCodePage only exists on Windows; everywhere else there is no
// legacy code page to try.
func decodeSystemCodePage([]byte) (string, bool) {
	return "", false
}
