package protocol

import "strconv"

// Code is a three digit FTP reply code.
type Code int

// Reply codes used by the server (RFC 959 section 4.2, 522 from RFC 2428).
const (
	CodeDataConnAlreadyOpen Code = 125
	CodeFileStatusOK        Code = 150
	CodeOK                  Code = 200
	CodeSystemStatus        Code = 211
	CodeSystemType          Code = 215
	CodeServiceReady        Code = 220
	CodeClosingControl      Code = 221
	CodeClosingDataConn     Code = 226
	CodeEnteringPassive     Code = 227
	CodeEnteringExtPassive  Code = 229
	CodeLoggedIn            Code = 230
	CodeFileActionOK        Code = 250
	CodePathCreated         Code = 257
	CodeNeedPassword        Code = 331
	CodeServiceNotAvailable Code = 421
	CodeCantOpenDataConn    Code = 425
	CodeSyntaxError         Code = 500
	CodeSyntaxErrorArgs     Code = 501
	CodeNotImplemented      Code = 502
	CodeBadSequence         Code = 503
	CodeBadNetworkProtocol  Code = 522
	CodeNotLoggedIn         Code = 530
	CodeFileUnavailable     Code = 550
)

// String returns the code as it appears on the wire.
func (c Code) String() string {
	return strconv.Itoa(int(c))
}

// Positive reports whether the code is a positive completion or
// preliminary reply (1xx, 2xx or 3xx).
func (c Code) Positive() bool {
	return c >= 100 && c < 400
}
