package stream

import "bytes"

// LineBuffer splits incrementally delivered bytes into complete lines,
// carrying the trailing fragment over to the next delivery.
type LineBuffer struct {
	carry []byte
}

// Push appends chunk and returns every complete line it closes. Line
// terminators (and a preceding \r) are stripped; blank lines are skipped.
func (b *LineBuffer) Push(chunk []byte) [][]byte {
	b.carry = append(b.carry, chunk...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(b.carry, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(b.carry[:i], "\r")
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, append([]byte(nil), line...))
		}
		b.carry = b.carry[i+1:]
	}
	if len(b.carry) == 0 {
		b.carry = nil
	}
	return lines
}

// Flush returns whatever is left in the buffer and empties it.
func (b *LineBuffer) Flush() []byte {
	rest := bytes.TrimSpace(b.carry)
	b.carry = nil
	if len(rest) == 0 {
		return nil
	}
	return append([]byte(nil), rest...)
}

// Pending reports how many bytes are waiting for a line boundary.
func (b *LineBuffer) Pending() int {
	return len(b.carry)
}
