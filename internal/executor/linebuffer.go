package executor

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// maxLineBytes bounds a single line. Longer lines are cut into pieces of at
// most this size, each ending on a rune boundary.
const maxLineBytes = 8 << 20

// lineBuffer splits a byte stream into lines.
// Splitting happens on raw bytes and decoding only once a line is complete,
// so a UTF-8 sequence or a "\r\n" split across reads never changes the result.
type lineBuffer struct {
	buf     []byte
	scanned int // prefix of buf known to hold no newline
}

// Write appends p and returns every line completed by it
func (b *lineBuffer) Write(p []byte) []string {
	b.buf = append(b.buf, p...)

	var lines []string
	start, from := 0, b.scanned
	for {
		nl := -1
		if i := bytes.IndexByte(b.buf[from:], '\n'); i >= 0 {
			nl = from + i
		}
		end := nl
		if nl < 0 {
			end = len(b.buf)
		}
		// Cut offsets are measured from the line start, so they do not depend on read sizes
		if end-start > maxLineBytes {
			cut := start + runeCut(b.buf[start:], maxLineBytes)
			lines = append(lines, decodeLine(b.buf[start:cut]))
			start = cut
			from = max(from, start)
			continue
		}
		if nl < 0 {
			break
		}
		lines = append(lines, decodeLine(b.buf[start:nl]))
		start = nl + 1
		from = start
	}

	// Keep only the incomplete tail
	n := copy(b.buf, b.buf[start:])
	b.buf = b.buf[:n]
	b.scanned = n
	return lines
}

// Flush returns the buffered partial line, if any
func (b *lineBuffer) Flush() (string, bool) {
	if len(b.buf) == 0 {
		return "", false
	}
	line := decodeLine(b.buf)
	b.buf = b.buf[:0]
	b.scanned = 0
	return line, true
}

// runeCut returns the largest offset <= n in p that does not split a UTF-8
// sequence. p must be longer than n.
func runeCut(p []byte, n int) int {
	for cut := n; cut > 0 && cut > n-utf8.UTFMax; cut-- {
		if utf8.RuneStart(p[cut]) {
			return cut
		}
	}
	return n
}

func decodeLine(raw []byte) string {
	raw = bytes.TrimSuffix(raw, []byte{'\r'})
	return strings.ToValidUTF8(string(raw), "�")
}
