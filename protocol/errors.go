package protocol

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies a recoverable, client-caused error. Each kind maps to
// exactly one reply code.
type ErrorKind int

const (
	// InvalidCommand is an unrecognized command name.
	InvalidCommand ErrorKind = iota + 1
	// InvalidArgument is a recognized command with a missing or malformed argument.
	InvalidArgument
	// InvalidCommandSequence is a command that is not valid in the current session state.
	InvalidCommandSequence
	// NotLoggedIn is a command that requires an authenticated session.
	NotLoggedIn
	// UnimplementedCommand is a known FTP command the server does not support.
	UnimplementedCommand
	// FileUnavailable is a storage path that does not exist or cannot be used.
	FileUnavailable
	// DataConnectionUnavailable is a transfer requested without a usable data channel.
	DataConnectionUnavailable
	// UnsupportedNetworkProtocol is an EPSV for an address family the
	// control connection does not use.
	UnsupportedNetworkProtocol
)

var kindCodes = map[ErrorKind]Code{
	InvalidCommand:             CodeSyntaxError,
	InvalidArgument:            CodeSyntaxErrorArgs,
	InvalidCommandSequence:     CodeBadSequence,
	NotLoggedIn:                CodeNotLoggedIn,
	UnimplementedCommand:       CodeNotImplemented,
	FileUnavailable:            CodeFileUnavailable,
	DataConnectionUnavailable:  CodeCantOpenDataConn,
	UnsupportedNetworkProtocol: CodeBadNetworkProtocol,
}

// Code returns the reply code for the kind.
func (k ErrorKind) Code() Code {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return CodeSyntaxError
}

func (k ErrorKind) String() string {
	switch k {
	case InvalidCommand:
		return "invalid command"
	case InvalidArgument:
		return "invalid argument"
	case InvalidCommandSequence:
		return "invalid command sequence"
	case NotLoggedIn:
		return "not logged in"
	case UnimplementedCommand:
		return "command unimplemented"
	case FileUnavailable:
		return "file unavailable"
	case DataConnectionUnavailable:
		return "data connection unavailable"
	case UnsupportedNetworkProtocol:
		return "network protocol not supported"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ClientError is an error caused by the client. It is answered with a reply
// and never closes the connection.
type ClientError struct {
	Kind   ErrorKind
	Detail string
}

// NewError returns a ClientError of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *ClientError {
	return &ClientError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// ErrNotLoggedIn returns the error for commands issued before login.
func ErrNotLoggedIn() *ClientError {
	return &ClientError{Kind: NotLoggedIn}
}

// ErrUnimplemented returns the error for a known but unsupported command.
func ErrUnimplemented(verb string) *ClientError {
	return &ClientError{Kind: UnimplementedCommand, Detail: verb}
}

func (e *ClientError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Detail
}

// Reply returns the reply that answers the error.
func (e *ClientError) Reply() Reply {
	return NewReply(e.Kind.Code(), e.Error())
}

// AsClientError unwraps err looking for a ClientError.
func AsClientError(err error) (*ClientError, bool) {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
