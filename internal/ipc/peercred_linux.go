//go:build linux

package ipc

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// authorizePeer verifies the connecting process belongs to the same
// user as the daemon (or root) via SO_PEERCRED.
func authorizePeer(conn net.Conn) error {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("not a unix socket connection")
	}

	raw, err := unixConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return fmt.Errorf("socket control: %w", err)
	}
	if credErr != nil {
		return fmt.Errorf("get peer credentials: %w", credErr)
	}

	uid := uint32(os.Getuid())
	if cred.Uid != uid && cred.Uid != 0 {
		return fmt.Errorf("peer uid %d not authorized", cred.Uid)
	}
	return nil
}
