//go:build linux || darwin

package control

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// errForeignPeer rejects a client running as another user: sessions run
// with the daemon owner's device access.
var errForeignPeer = errors.New("control client belongs to another user")

// verifyPeer admits only clients running as the daemon's own user.
func verifyPeer(conn net.Conn) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("control connection is %T, not a Unix socket", conn)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return fmt.Errorf("control socket descriptor: %w", err)
	}

	var (
		uid    uint32
		uidErr error
	)
	if err := raw.Control(func(fd uintptr) { uid, uidErr = peerUID(int(fd)) }); err != nil {
		return fmt.Errorf("control socket descriptor: %w", err)
	}
	if uidErr != nil {
		return fmt.Errorf("reading control client credentials: %w", uidErr)
	}

	if owner := uint32(os.Getuid()); uid != owner {
		return fmt.Errorf("%w: uid %d, daemon runs as %d", errForeignPeer, uid, owner)
	}
	return nil
}
