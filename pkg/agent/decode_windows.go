//go:build windows

package agent

import "golang.org/x/sys/windows"

// winnls.h constants not surfaced by x/sys.
const (
	cpACP             = 0
	mbErrInvalidChars = 0x00000008
)

// decodeSystemCodePage converts bytes through the active ANSI code page.
// MB_ERR_INVALID_CHARS makes the conversion fail on any byte the code page
// cannot represent, so mojibake is never produced silently.
func decodeSystemCodePage(b []byte) (string, bool) {
	if len(b) == 0 {
		return "", true
	}
	n, err := windows.MultiByteToWideChar(cpACP, mbErrInvalidChars, &b[0], int32(len(b)), nil, 0)
	if err != nil || n == 0 {
		return "", false
	}
	buf := make([]uint16, n)
	if _, err := windows.MultiByteToWideChar(cpACP, mbErrInvalidChars, &b[0], int32(len(b)), &buf[0], n); err != nil {
		return "", false
	}
	return windows.UTF16ToString(buf), true
}
