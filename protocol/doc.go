// Package protocol implements the FTP control-channel wire format used by
// the server: parsing client command lines into typed commands, encoding
// commands back into lines, formatting replies, and the client error kinds
// that map onto reply codes.
//
// The package does no I/O. Bytes read from a control socket are fed into a
// LineBuffer, which strips Telnet negotiation sequences and yields complete
// lines for ParseCommand. Replies are rendered with Reply.String or written
// with Reply.WriteTo.
//
// Supported commands (RFC 959, RFC 2389, RFC 2428):
//
//	USER PASS PWD CWD CDUP MKD LIST RETR SYST FEAT TYPE PASV EPSV PORT QUIT NOOP
//
// The X-prefixed aliases from RFC 775 (XPWD, XCWD, XCUP, XMKD) are accepted
// and parse into their modern equivalents. Every other command name defined by
// the FTP RFCs parses into Unimplemented so the server can answer 502 instead
// of 500.
package protocol
