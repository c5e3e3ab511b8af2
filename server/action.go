package server

import "github.com/gonzalop/ftpd/protocol"

// Action is the side effect the event loop performs after a command has been
// dispatched. It is one of ReplyAction, EstablishDataConnection or
// TransferAction.
type Action interface {
	action()
}

// ReplyAction writes a reply on the control connection.
type ReplyAction struct {
	Reply protocol.Reply
}

// EstablishDataConnection prepares the data channel for Mode and then
// writes Reply. For passive mode the listener is bound before the reply is
// sent so a client never sees a port that is not accepting yet.
type EstablishDataConnection struct {
	Reply protocol.Reply
	Mode  DataTransferMode
}

// TransferAction queues a payload for the data connection.
type TransferAction struct {
	Transfer *Transfer
}

func (ReplyAction) action()             {}
func (EstablishDataConnection) action() {}
func (TransferAction) action()          {}

func reply(code protocol.Code, text string) ReplyAction {
	return ReplyAction{Reply: protocol.NewReply(code, text)}
}
