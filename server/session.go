package server

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/pkg/errors"

	"github.com/gonzalop/ftpd/protocol"
)

// Session is the protocol state of one client. It is one of PendingWelcome,
// Login or Ready. Sessions are values; transitions return a new Session.
type Session interface {
	// State names the variant for logging.
	State() string
	session()
}

// PendingWelcome is a freshly accepted client that has not been greeted.
type PendingWelcome struct{}

// LoginStage is the step of the USER/PASS exchange.
type LoginStage int

const (
	WaitingForUsername LoginStage = iota
	WaitingForPassword
)

// Login is a greeted client that has not authenticated yet.
type Login struct {
	Stage LoginStage
	// Username is set while Stage is WaitingForPassword.
	Username string
}

// Ready is an authenticated client.
type Ready struct {
	Credentials  Credentials
	WorkingDir   string
	TransferType protocol.FileType
	Mode         DataTransferMode
	// PeerAddr is the active-mode target set by PORT. It is the zero value
	// until PORT has been issued.
	PeerAddr netip.AddrPort
	// EpsvOnly is set by "EPSV ALL"; PORT and PASV are refused afterwards.
	EpsvOnly bool
	// Pending is the transfer waiting for or streaming over the data
	// connection. At most one exists per client.
	Pending *Transfer
}

func (PendingWelcome) State() string { return "pending_welcome" }
func (Login) State() string          { return "login" }
func (Ready) State() string          { return "ready" }

func (PendingWelcome) session() {}
func (Login) session()          {}
func (Ready) session()          {}

func newReady(c Credentials) Ready {
	return Ready{
		Credentials:  c,
		WorkingDir:   "/",
		TransferType: protocol.Binary,
		Mode:         ActiveMode(),
	}
}

// Welcome greets a PendingWelcome client and moves it to Login. It fails
// for any other state.
func Welcome(s Session, code protocol.Code, message string) (Session, protocol.Reply, error) {
	if _, ok := s.(PendingWelcome); !ok {
		return s, protocol.Reply{}, errors.Wrapf(ErrInvariant, "welcome in state %s", s.State())
	}
	return Login{Stage: WaitingForUsername}, protocol.NewReply(code, message), nil
}

// ModeKind distinguishes active from passive data connections.
type ModeKind int

const (
	Active ModeKind = iota
	Passive
)

func (k ModeKind) String() string {
	if k == Passive {
		return "passive"
	}
	return "active"
}

// DataTransferMode is how the next data connection is established. Port is
// the server-side listening port and only meaningful for Passive.
type DataTransferMode struct {
	Kind ModeKind
	Port uint16
}

// ActiveMode returns the mode where the server connects to the client.
func ActiveMode() DataTransferMode { return DataTransferMode{Kind: Active} }

// PassiveMode returns the mode where the client connects to port.
func PassiveMode(port uint16) DataTransferMode {
	return DataTransferMode{Kind: Passive, Port: port}
}

func (m DataTransferMode) String() string {
	if m.Kind == Passive {
		return fmt.Sprintf("passive(%d)", m.Port)
	}
	return "active"
}

// Transfer is a server-to-client payload waiting for the data connection.
type Transfer struct {
	Type    protocol.FileType
	Payload []byte
	// Command is the verb that requested the transfer, for logs and metrics.
	Command string
	Path    string

	sent    int
	started time.Time
}

// Remaining returns the number of payload bytes not yet written.
func (t *Transfer) Remaining() int {
	return len(t.Payload) - t.sent
}
