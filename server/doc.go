// Package server implements a single-threaded, event-driven FTP server.
//
// # Overview
//
// One goroutine serves every client. Serve runs an epoll loop that reads
// control commands, answers them, and moves file and listing payloads over
// data connections using non-blocking sockets only. There are no
// per-connection goroutines and no locks on session state.
//
// A client is modelled by two independent state machines:
//   - the Session (PendingWelcome, Login, Ready), advanced by the pure
//     Dispatcher from one command at a time
//   - the DataStream (none, listening, connecting, connected), advanced by
//     socket readiness and by the periodic tick
//
// The Dispatcher returns an Action (ReplyAction, EstablishDataConnection or
// TransferAction) which the event loop executes against the client's
// sockets.
//
// # Getting Started
//
//	package main
//
//	import (
//	    "log"
//
//	    "github.com/gonzalop/ftpd/auth"
//	    "github.com/gonzalop/ftpd/server"
//	    "github.com/gonzalop/ftpd/storage/local"
//	)
//
//	func main() {
//	    store, err := local.New("/srv/ftp")
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    s, err := server.NewServer(":2121",
//	        server.WithStorage(store),
//	        server.WithAuthenticator(auth.Anonymous()),
//	    )
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    log.Fatal(s.ListenAndServe())
//	}
//
// # Commands
//
// USER, PASS, PWD, CWD, CDUP, MKD, LIST, RETR, SYST, FEAT, TYPE, PASV, EPSV,
// PORT, QUIT and NOOP are implemented. Other commands defined by the FTP
// RFCs are answered with 502; unknown commands with 500.
//
// # Data Connections
//
// PASV and EPSV reserve a port from the passive range and bind a listener on
// the control connection's local address before replying. PORT records the
// client's address; the server connects out when LIST or RETR queues a
// transfer. Only PORT targets matching the client's own IP are accepted
// unless WithAllowForeignActiveAddress is set.
//
// # Graceful Shutdown
//
//	go func() {
//	    <-ctx.Done()
//	    s.Shutdown(context.Background())
//	}()
//	if err := s.ListenAndServe(); err != nil && err != server.ErrServerClosed {
//	    log.Fatal(err)
//	}
//
// # Platform
//
// The event loop uses epoll and is only available on Linux.
package server
