package protocol

import (
	"fmt"
	"io"
	"net/netip"
	"strings"
)

// Reply is a server response on the control channel. A reply with more than
// one line is sent in the RFC 959 multi-line form.
type Reply struct {
	Code  Code
	Lines []string
}

// NewReply builds a reply. Embedded newlines in text start new lines.
func NewReply(code Code, text string) Reply {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return Reply{Code: code, Lines: strings.Split(text, "\n")}
}

// Newf builds a single-line reply from a format string.
func Newf(code Code, format string, args ...any) Reply {
	return NewReply(code, fmt.Sprintf(format, args...))
}

// Text returns the reply lines joined with a newline.
func (r Reply) Text() string {
	return strings.Join(r.Lines, "\n")
}

// String renders the reply in wire form, including the trailing CRLF.
//
// Single line:
//
//	200 file type set\r\n
//
// Multi line:
//
//	211-Extensions supported:\r\n
//	 EPSV\r\n
//	211 END\r\n
func (r Reply) String() string {
	var b strings.Builder
	switch len(r.Lines) {
	case 0:
		fmt.Fprintf(&b, "%03d \r\n", int(r.Code))
	case 1:
		fmt.Fprintf(&b, "%03d %s\r\n", int(r.Code), r.Lines[0])
	default:
		last := len(r.Lines) - 1
		fmt.Fprintf(&b, "%03d-%s\r\n", int(r.Code), r.Lines[0])
		for _, line := range r.Lines[1:last] {
			// A continuation line must not look like a terminating line.
			fmt.Fprintf(&b, " %s\r\n", line)
		}
		fmt.Fprintf(&b, "%03d %s\r\n", int(r.Code), r.Lines[last])
	}
	return b.String()
}

// WriteTo writes the wire form of the reply to w.
func (r Reply) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, r.String())
	return int64(n), err
}

// PassiveReply builds the 227 reply to PASV. The host must be IPv4.
func PassiveReply(host netip.Addr, port uint16) Reply {
	ip := host.Unmap().As4()
	return Newf(CodeEnteringPassive, "passive mode enabled (%d,%d,%d,%d,%d,%d)",
		ip[0], ip[1], ip[2], ip[3], port>>8, port&0xFF)
}

// ExtendedPassiveReply builds the 229 reply to EPSV (RFC 2428).
func ExtendedPassiveReply(port uint16) Reply {
	return Newf(CodeEnteringExtPassive, "passive mode enabled (|||%d|)", port)
}

// PathReply builds a 257 reply naming dir, with embedded quotes doubled as
// RFC 959 requires.
func PathReply(dir, text string) Reply {
	quoted := `"` + strings.ReplaceAll(dir, `"`, `""`) + `"`
	if text == "" {
		return NewReply(CodePathCreated, quoted)
	}
	return NewReply(CodePathCreated, quoted+" "+text)
}

// FeatureReply builds the 211 reply to FEAT (RFC 2389).
func FeatureReply(features []string) Reply {
	if len(features) == 0 {
		return NewReply(CodeSystemStatus, "no additional features supported")
	}
	lines := make([]string, 0, len(features)+2)
	lines = append(lines, "Extensions supported:")
	lines = append(lines, features...)
	lines = append(lines, "END")
	return Reply{Code: CodeSystemStatus, Lines: lines}
}
