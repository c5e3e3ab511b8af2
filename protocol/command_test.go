package protocol

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want Command
	}{
		{"USER alice\r\n", User{Username: "alice"}},
		{"user alice", User{Username: "alice"}},
		{"PASS secret\r\n", Pass{Password: "secret"}},
		{"PASS\r\n", Pass{}},
		{"PWD\r\n", Pwd{}},
		{"XPWD\r\n", Pwd{}},
		{"CWD /pub\r\n", Cwd{Path: "/pub"}},
		{"XCWD /pub\r\n", Cwd{Path: "/pub"}},
		{"CDUP\r\n", Cdup{}},
		{"XCUP\r\n", Cdup{}},
		{"MKD new dir\r\n", Mkd{Path: "new dir"}},
		{"XMKD x\r\n", Mkd{Path: "x"}},
		{"LIST\r\n", List{}},
		{"LIST -la\r\n", List{Args: "-la"}},
		{"RETR file.txt\n", Retr{Path: "file.txt"}},
		{"SYST\r\n", Syst{}},
		{"FEAT\r\n", Feat{}},
		{"TYPE I\r\n", Type{FileType: Binary}},
		{"TYPE A\r\n", Type{FileType: ASCII}},
		{"TYPE L 8\r\n", Type{FileType: FileType{Rep: RepLocal, ByteSize: 8}}},
		{"PASV\r\n", Pasv{}},
		{"EPSV\r\n", Epsv{}},
		{"PORT 127,0,0,1,8,73\r\n", Port{Host: [4]byte{127, 0, 0, 1}, Port: 2121}},
		{"QUIT\r\n", Quit{}},
		{"noop\r\n", Noop{}},
		{"STOR file\r\n", Unimplemented{Name: "STOR", Argument: "file"}},
		{"abor\r\n", Unimplemented{Name: "ABOR"}},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommandErrors(t *testing.T) {
	tests := []struct {
		line string
		kind ErrorKind
	}{
		{"FOOBAR\r\n", InvalidCommand},
		{"USER\r\n", InvalidArgument},
		{"CWD\r\n", InvalidArgument},
		{"RETR\r\n", InvalidArgument},
		{"TYPE X\r\n", InvalidArgument},
		{"TYPE L\r\n", InvalidArgument},
		{"PORT 1,2,3\r\n", InvalidArgument},
		{"PORT 1,2,3,4,5,300\r\n", InvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, err := ParseCommand(tt.line)
			ce, ok := AsClientError(err)
			require.True(t, ok, "expected ClientError, got %v", err)
			assert.Equal(t, tt.kind, ce.Kind)
		})
	}
}

func TestUnknownCommandReply(t *testing.T) {
	_, err := ParseCommand("FOOBAR\r\n")
	ce, ok := AsClientError(err)
	require.True(t, ok)
	assert.Equal(t, CodeSyntaxError, ce.Reply().Code)

	cmd, err := ParseCommand("STOR x\r\n")
	require.NoError(t, err)
	assert.Equal(t, CodeNotImplemented, ErrUnimplemented(cmd.Verb()).Reply().Code)
}

func TestPortFormat(t *testing.T) {
	cmd, err := NewPort(netip.MustParseAddrPort("127.0.0.1:2121"))
	require.NoError(t, err)
	assert.Equal(t, "PORT 127,0,0,1,8,73", Format(cmd))

	parsed, err := ParseCommand(Format(cmd))
	require.NoError(t, err)
	assert.Equal(t, cmd, parsed)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:2121"), parsed.(Port).AddrPort())

	_, err = NewPort(netip.MustParseAddrPort("[::1]:21"))
	assert.Error(t, err)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "PWD", Format(Pwd{}))
	assert.Equal(t, "TYPE I", Format(Type{FileType: Binary}))
	assert.Equal(t, "TYPE A N", Format(Type{FileType: ASCII}))
	assert.Equal(t, "RETR a b", Format(Retr{Path: "a b"}))
}
