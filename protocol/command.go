package protocol

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Command is a parsed control-channel command. The set of implementations is
// closed: User, Pass, Pwd, Cwd, Cdup, Mkd, List, Retr, Syst, Feat, Type,
// Pasv, Epsv, Port, Quit, Noop and Unimplemented.
type Command interface {
	// Verb is the canonical upper-case command name.
	Verb() string
	// Arg is the command argument in wire form, or "".
	Arg() string
	command()
}

type (
	User struct{ Username string }
	Pass struct{ Password string }
	Pwd  struct{}
	Cwd  struct{ Path string }
	Cdup struct{}
	Mkd  struct{ Path string }
	// List requests a directory listing. Arg holds any flags or path given
	// by the client.
	List struct{ Args string }
	Retr struct{ Path string }
	Syst struct{}
	Feat struct{}
	Type struct{ FileType FileType }
	Pasv struct{}
	Epsv struct{ Args string }
	// Port is an active-mode request: the server connects to Host:Port.
	Port struct {
		Host [4]byte
		Port uint16
	}
	Quit struct{}
	Noop struct{}
	// Unimplemented is a command defined by the FTP RFCs that the server
	// recognizes but does not support.
	Unimplemented struct {
		Name     string
		Argument string
	}
)

func (User) Verb() string            { return "USER" }
func (Pass) Verb() string            { return "PASS" }
func (Pwd) Verb() string             { return "PWD" }
func (Cwd) Verb() string             { return "CWD" }
func (Cdup) Verb() string            { return "CDUP" }
func (Mkd) Verb() string             { return "MKD" }
func (List) Verb() string            { return "LIST" }
func (Retr) Verb() string            { return "RETR" }
func (Syst) Verb() string            { return "SYST" }
func (Feat) Verb() string            { return "FEAT" }
func (Type) Verb() string            { return "TYPE" }
func (Pasv) Verb() string            { return "PASV" }
func (Epsv) Verb() string            { return "EPSV" }
func (Port) Verb() string            { return "PORT" }
func (Quit) Verb() string            { return "QUIT" }
func (Noop) Verb() string            { return "NOOP" }
func (u Unimplemented) Verb() string { return u.Name }

func (c User) Arg() string          { return c.Username }
func (c Pass) Arg() string          { return c.Password }
func (Pwd) Arg() string             { return "" }
func (c Cwd) Arg() string           { return c.Path }
func (Cdup) Arg() string            { return "" }
func (c Mkd) Arg() string           { return c.Path }
func (c List) Arg() string          { return c.Args }
func (c Retr) Arg() string          { return c.Path }
func (Syst) Arg() string            { return "" }
func (Feat) Arg() string            { return "" }
func (c Type) Arg() string          { return c.FileType.String() }
func (Pasv) Arg() string            { return "" }
func (c Epsv) Arg() string          { return c.Args }
func (Quit) Arg() string            { return "" }
func (Noop) Arg() string            { return "" }
func (u Unimplemented) Arg() string { return u.Argument }

// Arg returns the comma-separated h1,h2,h3,h4,p1,p2 form.
func (c Port) Arg() string {
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d",
		c.Host[0], c.Host[1], c.Host[2], c.Host[3], c.Port>>8, c.Port&0xFF)
}

// AddrPort returns the address the server should connect to.
func (c Port) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(c.Host), c.Port)
}

func (User) command()          {}
func (Pass) command()          {}
func (Pwd) command()           {}
func (Cwd) command()           {}
func (Cdup) command()          {}
func (Mkd) command()           {}
func (List) command()          {}
func (Retr) command()          {}
func (Syst) command()          {}
func (Feat) command()          {}
func (Type) command()          {}
func (Pasv) command()          {}
func (Epsv) command()          {}
func (Port) command()          {}
func (Quit) command()          {}
func (Noop) command()          {}
func (Unimplemented) command() {}

// Format renders cmd as a command line without the trailing CRLF.
func Format(cmd Command) string {
	if arg := cmd.Arg(); arg != "" {
		return cmd.Verb() + " " + arg
	}
	return cmd.Verb()
}

// NewPort builds a Port command for an IPv4 address.
func NewPort(addr netip.AddrPort) (Port, error) {
	ip := addr.Addr().Unmap()
	if !ip.Is4() {
		return Port{}, NewError(InvalidArgument, "PORT requires an IPv4 address, got %s", ip)
	}
	return Port{Host: ip.As4(), Port: addr.Port()}, nil
}

// ParsePort parses the h1,h2,h3,h4,p1,p2 argument of PORT.
func ParsePort(arg string) (Port, error) {
	parts := strings.Split(strings.TrimSpace(arg), ",")
	if len(parts) != 6 {
		return Port{}, NewError(InvalidArgument, "PORT %q", arg)
	}
	var nums [6]byte
	for i, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 8)
		if err != nil {
			return Port{}, NewError(InvalidArgument, "PORT %q", arg)
		}
		nums[i] = byte(n)
	}
	return Port{
		Host: [4]byte{nums[0], nums[1], nums[2], nums[3]},
		Port: uint16(nums[4])<<8 | uint16(nums[5]),
	}, nil
}

// knownCommands lists every command name from RFC 959, 775, 2228, 2389,
// 2428, 2640 and 3659 that the server does not implement.
var knownCommands = map[string]bool{
	"ABOR": true, "ACCT": true, "ADAT": true, "ALLO": true, "APPE": true,
	"AUTH": true, "CCC": true, "CONF": true, "DELE": true, "ENC": true,
	"EPRT": true, "HELP": true, "HOST": true, "LANG": true, "LPRT": true,
	"LPSV": true, "MDTM": true, "MIC": true, "MLSD": true, "MLST": true,
	"MODE": true, "NLST": true, "OPTS": true, "PBSZ": true, "PROT": true,
	"REIN": true, "REST": true, "RMD": true, "RNFR": true, "RNTO": true,
	"SITE": true, "SIZE": true, "SMNT": true, "STAT": true, "STOR": true,
	"STOU": true, "STRU": true, "XRCP": true, "XRMD": true, "XRSQ": true,
	"XSEM": true, "XSEN": true,
}

// aliases maps RFC 775 experimental names to their RFC 959 names.
var aliases = map[string]string{
	"XPWD": "PWD",
	"XCWD": "CWD",
	"XCUP": "CDUP",
	"XMKD": "MKD",
}

// ParseCommand parses a single command line. The line may still carry its
// CRLF or LF terminator. Command names are case-insensitive.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	verb, arg, _ := strings.Cut(line, " ")
	verb = strings.ToUpper(strings.TrimSpace(verb))
	if canonical, ok := aliases[verb]; ok {
		verb = canonical
	}
	// Only a trailing CR or spaces are trimmed; PASS may legitimately
	// contain inner or leading whitespace.
	arg = strings.TrimRight(arg, " \r")

	switch verb {
	case "USER":
		if arg == "" {
			return nil, NewError(InvalidArgument, "USER requires a username")
		}
		return User{Username: arg}, nil
	case "PASS":
		return Pass{Password: arg}, nil
	case "PWD":
		return Pwd{}, nil
	case "CWD":
		if arg == "" {
			return nil, NewError(InvalidArgument, "CWD requires a path")
		}
		return Cwd{Path: arg}, nil
	case "CDUP":
		return Cdup{}, nil
	case "MKD":
		if arg == "" {
			return nil, NewError(InvalidArgument, "MKD requires a path")
		}
		return Mkd{Path: arg}, nil
	case "LIST":
		return List{Args: strings.TrimSpace(arg)}, nil
	case "RETR":
		if arg == "" {
			return nil, NewError(InvalidArgument, "RETR requires a path")
		}
		return Retr{Path: arg}, nil
	case "SYST":
		return Syst{}, nil
	case "FEAT":
		return Feat{}, nil
	case "TYPE":
		t, err := ParseFileType(arg)
		if err != nil {
			return nil, err
		}
		return Type{FileType: t}, nil
	case "PASV":
		return Pasv{}, nil
	case "EPSV":
		return Epsv{Args: strings.TrimSpace(arg)}, nil
	case "PORT":
		return ParsePort(arg)
	case "QUIT":
		return Quit{}, nil
	case "NOOP":
		return Noop{}, nil
	}

	if knownCommands[verb] {
		return Unimplemented{Name: verb, Argument: arg}, nil
	}
	return nil, NewError(InvalidCommand, "%s", verb)
}
