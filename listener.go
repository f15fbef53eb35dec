package fmtp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// RecoveryListener accepts TCP connections from receivers on the sender's
// unicast recovery port and tracks which receiver ids are currently
// connected. Its constructor does not bind; Open does.
type RecoveryListener struct {
	bindAddr string
	bindPort uint16

	ln     *net.TCPListener
	nextID atomic.Uint64

	mu    sync.Mutex
	conns map[ReceiverID]*net.TCPConn

	minPathMTU atomic.Int64 // 0 means unknown
}

// NewRecoveryListener stores the bind address/port. Port 0 means "let the
// OS choose"; LocalPort reports the actual bound port after Open.
func NewRecoveryListener(bindAddr string, bindPort uint16) *RecoveryListener {
	return &RecoveryListener{
		bindAddr: bindAddr,
		bindPort: bindPort,
		conns:    make(map[ReceiverID]*net.TCPConn),
	}
}

// Open binds the TCP listening socket. Must be called exactly once, from
// Sender.Start.
func (l *RecoveryListener) Open() error {
	addr := fmt.Sprintf("%s:%d", l.bindAddr, l.bindPort)
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrConfigFailed, addr, err)
	}
	ln, err := net.ListenTCP("tcp4", tcpAddr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", ErrConfigFailed, addr, err)
	}
	l.ln = ln
	return nil
}

// LocalPort returns the bound port, valid after Open.
func (l *RecoveryListener) LocalPort() uint16 {
	if l.ln == nil {
		return 0
	}
	return uint16(l.ln.Addr().(*net.TCPAddr).Port)
}

// Accept blocks until a receiver connects, then registers and returns its
// id and socket. The accepted socket gets keep-alive armed so a vanished
// receiver's Recovery Worker eventually observes the drop instead of
// blocking forever on Read.
func (l *RecoveryListener) Accept() (ReceiverID, *net.TCPConn, error) {
	conn, err := l.ln.AcceptTCP()
	if err != nil {
		return 0, nil, fmt.Errorf("%w: accept: %v", ErrEgressFailed, err)
	}
	_ = conn.SetKeepAlive(true)
	_ = conn.SetKeepAlivePeriod(30 * time.Second)

	if mtu, ok := queryPathMTU(conn); ok {
		l.recordPathMTU(mtu)
	}

	id := ReceiverID(l.nextID.Add(1))
	l.mu.Lock()
	l.conns[id] = conn
	l.mu.Unlock()
	return id, conn, nil
}

// Remove drops id from the connected set. Called by a Recovery Worker when
// its connection closes or is cancelled.
func (l *RecoveryListener) Remove(id ReceiverID) {
	l.mu.Lock()
	delete(l.conns, id)
	l.mu.Unlock()
}

// ConnectedSet returns a point-in-time snapshot of currently connected
// receiver ids.
func (l *RecoveryListener) ConnectedSet() []ReceiverID {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]ReceiverID, 0, len(l.conns))
	for id := range l.conns {
		ids = append(ids, id)
	}
	return ids
}

// MinPathMTU returns the smallest path MTU observed across all accepted
// recovery connections, or 0 if none has been measured (e.g. non-Linux
// builds, or no receiver has connected yet).
func (l *RecoveryListener) MinPathMTU() int {
	return int(l.minPathMTU.Load())
}

func (l *RecoveryListener) recordPathMTU(mtu int) {
	for {
		cur := l.minPathMTU.Load()
		if cur != 0 && cur <= int64(mtu) {
			return
		}
		if l.minPathMTU.CompareAndSwap(cur, int64(mtu)) {
			return
		}
	}
}

// Close stops accepting new connections. It does not close already
// accepted connections; those belong to their Recovery Workers.
func (l *RecoveryListener) Close() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}
