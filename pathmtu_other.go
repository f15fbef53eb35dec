//go:build !linux

package fmtp

import "net"

// queryPathMTU has no portable equivalent of Linux's IP_MTU sockopt
// outside Linux; non-Linux builds simply never learn a path MTU.
func queryPathMTU(conn *net.TCPConn) (int, bool) {
	return 0, false
}
