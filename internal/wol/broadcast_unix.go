//go:build unix

package wol

import (
	"net"
	"syscall"
)

// setBroadcast enables SO_BROADCAST on conn so a UDP datagram can legally be
// sent to 255.255.255.255 rather than being rejected by the kernel.
func setBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}
