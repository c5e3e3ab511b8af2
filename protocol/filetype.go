package protocol

import (
	"strconv"
	"strings"
)

// Representation is the data type part of a TYPE argument.
type Representation int

const (
	RepASCII Representation = iota
	RepEBCDIC
	RepImage
	RepLocal
)

// TextFormat is the optional format control for ASCII and EBCDIC types.
type TextFormat int

const (
	FormatNonPrint TextFormat = iota
	FormatTelnet
	FormatCarriageControl
)

// FileType is the representation type negotiated with TYPE.
type FileType struct {
	Rep      Representation
	Format   TextFormat
	ByteSize int // only for RepLocal
}

var (
	// ASCII is "TYPE A N", used for directory listings.
	ASCII = FileType{Rep: RepASCII, Format: FormatNonPrint}
	// Binary is "TYPE I", the session default.
	Binary = FileType{Rep: RepImage}
)

// ParseFileType parses the argument of a TYPE command, e.g. "A", "A N",
// "E T", "I" or "L 8".
func ParseFileType(arg string) (FileType, error) {
	fields := strings.Fields(strings.ToUpper(arg))
	if len(fields) == 0 || len(fields) > 2 {
		return FileType{}, NewError(InvalidArgument, "TYPE %q", arg)
	}

	var t FileType
	switch fields[0] {
	case "A", "E":
		t.Rep = RepASCII
		if fields[0] == "E" {
			t.Rep = RepEBCDIC
		}
		if len(fields) == 2 {
			switch fields[1] {
			case "N":
				t.Format = FormatNonPrint
			case "T":
				t.Format = FormatTelnet
			case "C":
				t.Format = FormatCarriageControl
			default:
				return FileType{}, NewError(InvalidArgument, "TYPE format %q", fields[1])
			}
		}
	case "I":
		if len(fields) != 1 {
			return FileType{}, NewError(InvalidArgument, "TYPE %q", arg)
		}
		t.Rep = RepImage
	case "L":
		if len(fields) != 2 {
			return FileType{}, NewError(InvalidArgument, "TYPE L requires a byte size")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n <= 0 || n > 255 {
			return FileType{}, NewError(InvalidArgument, "TYPE L byte size %q", fields[1])
		}
		t.Rep = RepLocal
		t.ByteSize = n
	default:
		return FileType{}, NewError(InvalidArgument, "TYPE %q", arg)
	}
	return t, nil
}

// String returns the TYPE argument form of t.
func (t FileType) String() string {
	switch t.Rep {
	case RepASCII, RepEBCDIC:
		s := "A"
		if t.Rep == RepEBCDIC {
			s = "E"
		}
		switch t.Format {
		case FormatTelnet:
			return s + " T"
		case FormatCarriageControl:
			return s + " C"
		}
		return s + " N"
	case RepLocal:
		return "L " + strconv.Itoa(t.ByteSize)
	}
	return "I"
}
