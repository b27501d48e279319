package ipc

import "fmt"

// PeerCred identifies the process on the other end of a Unix socket
type PeerCred struct {
	PID int32
	UID uint32
	GID uint32
}

// String returns a string representation of the credentials
func (c *PeerCred) String() string {
	if c == nil {
		return "unknown"
	}
	return fmt.Sprintf("pid=%d uid=%d gid=%d", c.PID, c.UID, c.GID)
}
