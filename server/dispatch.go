package server

import (
	"net/netip"
	"path"
	"strings"

	"github.com/gonzalop/ftpd/protocol"
)

// Peer describes the control connection a command arrived on.
type Peer struct {
	// Remote is the client's IP address.
	Remote netip.Addr
	// PassiveHost is the address advertised in PASV replies.
	PassiveHost netip.Addr
}

// Dispatcher maps a session and a command to the next session and the
// action to perform. It touches storage and the passive port allocator but
// never a socket, so it can be driven directly in tests.
type Dispatcher struct {
	Storage       Storage
	Authenticator Authenticator
	Features      []string
	SystemName    string
	Ports         *PortAllocator
	// AllowForeignActive permits PORT targets other than the client's own IP.
	AllowForeignActive bool
}

// Dispatch handles one command. A *protocol.ClientError is answered with a
// reply by the caller; a *StorageError may be recoverable (see
// StorageError.Recoverable); any other error is fatal for the client.
// On error the returned session is the unchanged input.
func (d *Dispatcher) Dispatch(s Session, cmd protocol.Command, peer Peer) (Session, Action, error) {
	switch cmd := cmd.(type) {
	case protocol.User:
		return d.user(s, cmd)
	case protocol.Pass:
		return d.pass(s, cmd)
	case protocol.Syst:
		return s, reply(protocol.CodeSystemType, d.SystemName), nil
	case protocol.Feat:
		return s, ReplyAction{Reply: protocol.FeatureReply(d.Features)}, nil
	case protocol.Quit:
		return s, reply(protocol.CodeClosingControl, "goodbye"), nil
	case protocol.Noop:
		return s, reply(protocol.CodeOK, "ok"), nil
	case protocol.Unimplemented:
		return s, nil, protocol.ErrUnimplemented(cmd.Name)
	}

	r, ok := s.(Ready)
	if !ok {
		return s, nil, protocol.ErrNotLoggedIn()
	}

	switch cmd := cmd.(type) {
	case protocol.Pwd:
		return r, ReplyAction{Reply: protocol.PathReply(r.WorkingDir, "")}, nil
	case protocol.Cwd:
		// Existence is checked by storage on the next LIST or RETR.
		r.WorkingDir = resolvePath(r.WorkingDir, cmd.Path)
		return r, reply(protocol.CodeFileActionOK, "changed working directory"), nil
	case protocol.Cdup:
		if r.WorkingDir == "/" {
			return r, reply(protocol.CodeFileUnavailable, "there is no parent directory"), nil
		}
		r.WorkingDir = path.Dir(r.WorkingDir)
		return r, reply(protocol.CodeFileActionOK, "changed to parent directory"), nil
	case protocol.Mkd:
		p := resolvePath(r.WorkingDir, cmd.Path)
		if err := d.Storage.CreateDir(p); err != nil {
			return r, nil, storageError("mkdir", p, err)
		}
		return r, ReplyAction{Reply: protocol.PathReply(p, "created directory")}, nil
	case protocol.Type:
		r.TransferType = cmd.FileType
		return r, reply(protocol.CodeOK, "file type set to "+cmd.FileType.String()), nil
	case protocol.Pasv:
		return d.passive(r, cmd, peer)
	case protocol.Epsv:
		return d.epsv(r, cmd, peer)
	case protocol.Port:
		return d.port(r, cmd, peer)
	case protocol.List:
		return d.list(r, cmd)
	case protocol.Retr:
		return d.retr(r, cmd)
	}
	return s, nil, protocol.ErrUnimplemented(cmd.Verb())
}

func (d *Dispatcher) user(s Session, cmd protocol.User) (Session, Action, error) {
	l, ok := s.(Login)
	if !ok || l.Stage != WaitingForUsername {
		return s, nil, protocol.NewError(protocol.InvalidCommandSequence, "USER not expected here")
	}
	creds := Credentials{Username: cmd.Username}
	if d.Authenticator.Authenticate(creds) {
		return newReady(creds), reply(protocol.CodeLoggedIn, "user logged in"), nil
	}
	return Login{Stage: WaitingForPassword, Username: cmd.Username},
		reply(protocol.CodeNeedPassword, "need password"), nil
}

func (d *Dispatcher) pass(s Session, cmd protocol.Pass) (Session, Action, error) {
	l, ok := s.(Login)
	if !ok || l.Stage != WaitingForPassword {
		return s, nil, protocol.NewError(protocol.InvalidCommandSequence, "send USER first")
	}
	password := cmd.Password
	creds := Credentials{Username: l.Username, Password: &password}
	if d.Authenticator.Authenticate(creds) {
		return newReady(creds), reply(protocol.CodeLoggedIn, "user logged in"), nil
	}
	return Login{Stage: WaitingForUsername}, reply(protocol.CodeNotLoggedIn, "invalid credentials"), nil
}

// epsv handles the RFC 2428 arguments: none or the control connection's
// network protocol opens a passive listener, "ALL" locks the session to
// EPSV.
func (d *Dispatcher) epsv(r Ready, cmd protocol.Epsv, peer Peer) (Session, Action, error) {
	family := "1"
	if !peer.Remote.Unmap().Is4() {
		family = "2"
	}
	switch arg := strings.ToUpper(cmd.Args); arg {
	case "", family:
		return d.passive(r, cmd, peer)
	case "ALL":
		r.EpsvOnly = true
		return r, reply(protocol.CodeOK, "EPSV ALL ok"), nil
	case "1", "2":
		return r, nil, protocol.NewError(protocol.UnsupportedNetworkProtocol, "use (%s)", family)
	default:
		return r, nil, protocol.NewError(protocol.InvalidArgument, "EPSV %s", cmd.Args)
	}
}

func (d *Dispatcher) passive(r Ready, cmd protocol.Command, peer Peer) (Session, Action, error) {
	if r.Pending != nil {
		return r, nil, transferInProgress(cmd)
	}
	_, pasv := cmd.(protocol.Pasv)
	if pasv && r.EpsvOnly {
		return r, nil, afterEpsvAll(cmd)
	}
	if pasv && !peer.PassiveHost.Unmap().Is4() {
		return r, nil, protocol.NewError(protocol.DataConnectionUnavailable,
			"PASV needs an IPv4 address, use EPSV")
	}
	port, err := d.Ports.Reserve()
	if err != nil {
		return r, nil, protocol.NewError(protocol.DataConnectionUnavailable, "%v", err)
	}

	r.Mode = PassiveMode(port)
	rep := protocol.ExtendedPassiveReply(port)
	if pasv {
		rep = protocol.PassiveReply(peer.PassiveHost, port)
	}
	return r, EstablishDataConnection{Reply: rep, Mode: r.Mode}, nil
}

func (d *Dispatcher) port(r Ready, cmd protocol.Port, peer Peer) (Session, Action, error) {
	if r.Pending != nil {
		return r, nil, transferInProgress(cmd)
	}
	if r.EpsvOnly {
		return r, nil, afterEpsvAll(cmd)
	}
	target := cmd.AddrPort()
	if !d.AllowForeignActive && target.Addr() != peer.Remote.Unmap() {
		return r, nil, protocol.NewError(protocol.InvalidArgument,
			"PORT address %s does not match control connection", target.Addr())
	}
	if target.Port() == 0 {
		return r, nil, protocol.NewError(protocol.InvalidArgument, "PORT port 0")
	}
	r.Mode = ActiveMode()
	r.PeerAddr = target
	return r, EstablishDataConnection{
		Reply: protocol.NewReply(protocol.CodeOK, "port"),
		Mode:  r.Mode,
	}, nil
}

func (d *Dispatcher) list(r Ready, cmd protocol.List) (Session, Action, error) {
	if r.Pending != nil {
		return r, nil, transferInProgress(cmd)
	}
	// Flags such as "-la" are accepted and ignored; a path is not supported.
	for _, f := range strings.Fields(cmd.Args) {
		if !strings.HasPrefix(f, "-") {
			return r, nil, protocol.ErrUnimplemented("LIST " + f)
		}
	}
	names, err := d.Storage.List(r.WorkingDir)
	if err != nil {
		return r, nil, storageError("list", r.WorkingDir, err)
	}
	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteString("\r\n")
	}
	return r, TransferAction{Transfer: &Transfer{
		Type:    protocol.ASCII,
		Payload: []byte(b.String()),
		Command: "LIST",
		Path:    r.WorkingDir,
	}}, nil
}

func (d *Dispatcher) retr(r Ready, cmd protocol.Retr) (Session, Action, error) {
	if r.Pending != nil {
		return r, nil, transferInProgress(cmd)
	}
	p := resolvePath(r.WorkingDir, cmd.Path)
	data, err := d.Storage.ReadFile(p)
	if err != nil {
		return r, nil, storageError("retr", p, err)
	}
	return r, TransferAction{Transfer: &Transfer{
		Type:    protocol.ASCII,
		Payload: data,
		Command: "RETR",
		Path:    p,
	}}, nil
}

func transferInProgress(cmd protocol.Command) error {
	return protocol.NewError(protocol.InvalidCommandSequence, "%s during a pending transfer", cmd.Verb())
}

func afterEpsvAll(cmd protocol.Command) error {
	return protocol.NewError(protocol.InvalidCommandSequence, "%s not allowed after EPSV ALL", cmd.Verb())
}

// resolvePath joins p onto wd and cleans the result. The result never
// leaves "/".
func resolvePath(wd, p string) string {
	if !strings.HasPrefix(p, "/") {
		p = path.Join(wd, p)
	}
	return path.Clean(p)
}
