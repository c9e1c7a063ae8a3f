package inbound

import (
	"fmt"
	"strings"
)

const attachmentNotice = "System Message:\n\nThis message contained %d multimedia attachment(s) which cannot be displayed."

// FormatBody strips control characters from an inbound body and, when the
// message carried media this platform cannot render, appends a notice
// naming the attachment count so the fact of the media is never silently
// dropped.
func FormatBody(body string, numMedia int) string {
	text := stripControl(body)

	if numMedia > 0 {
		padding := "\n\n"
		if text == "" {
			padding = ""
		}
		text = text + padding + fmt.Sprintf(attachmentNotice, numMedia)
	}

	return text
}

// stripControl drops NUL and other non-printing control characters while
// keeping newlines and tabs, which carriers legitimately deliver.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
