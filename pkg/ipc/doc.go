// Package ipc implements the wonderland bridge: a Unix domain socket
// server that fans service events out to observers and relays observer
// commands back to the service.
//
// Every message on the socket is a 4-byte big-endian length followed by a
// packet body (see package packet). The first message on a connection
// picks its role:
//
//   - Hello(ip, port) makes the connection an observer. The admission
//     ledger decides whether it is let in. Admitted observers are given a
//     comm id (Welcome) and receive every broadcast event from then on.
//   - Attach(wonderland id) makes the connection the service. Only one
//     service may be attached. Its event packets are queued for broadcast
//     and its LimboAccept/LimboDeny packets update the ledger.
//
// The Server owns the observer Registry, the BroadcastQueue and the
// ledger. An acceptor goroutine runs admission, each connection has its
// own goroutine, and a dispatcher drains the queue in FIFO order.
//
// Example usage:
//
//	srv, err := ipc.New(ipc.NewServerConfig(cfg), ledger, log)
//	if err != nil {
//	    return err
//	}
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	defer srv.Close()
//
//	event, _ := packet.NewEvent(64, "alice", "joined")
//	_ = srv.Publish(event)
package ipc
