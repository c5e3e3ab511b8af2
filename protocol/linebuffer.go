package protocol

import (
	"bytes"

	"github.com/pkg/errors"
)

// MaxLineLength is the default limit for a single command line.
const MaxLineLength = 4096

// ErrLineTooLong is returned when a client sends a command line longer than
// the buffer limit.
var ErrLineTooLong = errors.New("command line too long")

// ErrBacklogFull is returned when a client has more unprocessed command
// bytes queued than BacklogLines lines of the maximum length.
var ErrBacklogFull = errors.New("too many pending commands")

// BacklogLines bounds the buffered bytes of a LineBuffer to this many
// maximum-length lines.
const BacklogLines = 4

const (
	// telnetIAC is Interpret As Command
	telnetIAC = 0xFF
	// telnetWILL negotiation command
	telnetWILL = 0xFB
	// telnetWONT negotiation command
	telnetWONT = 0xFC
	// telnetDO negotiation command
	telnetDO = 0xFD
	// telnetDONT negotiation command
	telnetDONT = 0xFE
)

type telnetState int

const (
	telnetData telnetState = iota
	telnetCommand
	telnetOption
)

// LineBuffer accumulates control-channel bytes and splits them into command
// lines. Telnet IAC sequences are removed as bytes arrive, so a sequence
// split across two reads is handled correctly. Lines may end in CRLF or a
// bare LF.
//
// A LineBuffer is not safe for concurrent use.
type LineBuffer struct {
	buf   []byte
	max   int
	state telnetState
}

// NewLineBuffer returns a buffer that rejects lines longer than max bytes.
// A max of zero or less means MaxLineLength.
func NewLineBuffer(max int) *LineBuffer {
	if max <= 0 {
		max = MaxLineLength
	}
	return &LineBuffer{max: max}
}

// Write appends p to the buffer. It returns ErrLineTooLong when the
// unterminated tail of the buffer exceeds the limit, and ErrBacklogFull
// when the whole buffer, complete lines included, does.
func (b *LineBuffer) Write(p []byte) (int, error) {
	for _, c := range p {
		switch b.state {
		case telnetData:
			if c == telnetIAC {
				b.state = telnetCommand
				continue
			}
			b.buf = append(b.buf, c)
		case telnetCommand:
			switch c {
			case telnetIAC:
				// Escaped 0xFF, keep it
				b.buf = append(b.buf, c)
				b.state = telnetData
			case telnetWILL, telnetWONT, telnetDO, telnetDONT:
				b.state = telnetOption
			default:
				b.state = telnetData
			}
		case telnetOption:
			b.state = telnetData
		}
	}

	tail := b.buf
	if i := bytes.LastIndexByte(b.buf, '\n'); i >= 0 {
		tail = b.buf[i+1:]
	}
	if len(tail) > b.max {
		return len(p), ErrLineTooLong
	}
	if len(b.buf) > BacklogLines*b.max {
		return len(p), ErrBacklogFull
	}
	return len(p), nil
}

// Next pops the next complete line, without its terminator. Empty lines are
// skipped. It returns false when no complete line is buffered.
func (b *LineBuffer) Next() (string, bool, error) {
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			return "", false, nil
		}
		line := bytes.TrimSuffix(b.buf[:i], []byte{'\r'})
		b.buf = b.buf[i+1:]
		if len(line) > b.max {
			return "", false, ErrLineTooLong
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return string(line), true, nil
	}
}

// Pending reports whether a complete line is buffered.
func (b *LineBuffer) Pending() bool {
	return bytes.IndexByte(b.buf, '\n') >= 0
}

// Buffered returns the number of bytes waiting for a line terminator.
func (b *LineBuffer) Buffered() int {
	return len(b.buf)
}
