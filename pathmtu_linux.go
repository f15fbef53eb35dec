//go:build linux

package fmtp

import (
	"net"

	"golang.org/x/sys/unix"
)

// queryPathMTU reads IP_MTU off an accepted recovery socket. It's the Go
// rendition of the original FMTPv3 sender's TcpSend::updatePathMTU (see
// original_source/FMTPv3/sender/TcpSend.cpp): best-effort, used only to
// feed Sender.MinPathMTU(), never to fail a connection.
func queryPathMTU(conn *net.TCPConn) (int, bool) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, false
	}
	var mtu int
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		mtu, sockErr = unix.GetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU)
	})
	if err != nil || sockErr != nil || mtu <= 0 {
		return 0, false
	}
	return mtu, true
}
