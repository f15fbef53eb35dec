package fmtp

import (
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/google/gopacket"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/blockcast/go-fmtp/wire"
)

// Egress is the sender's fan-out path: one datagram per call, gathered
// from an arbitrary number of parts (header, plus an optional body). The
// Product Pipeline is its only caller and is expected to serialize calls
// itself — Egress takes no lock on the hot path.
type Egress interface {
	SendDatagram(parts ...[]byte) error
	Close() error
}

// maxDatagramLen bounds a single SendDatagram call: a header plus at most
// one VcmtpDataLen-sized payload, plus the 6-byte BOP prefix (prod_size +
// meta_size) when the payload is a BOP body.
const maxDatagramLen = wire.HeaderLen + wire.VcmtpDataLen + 6

// MulticastEgress sends FMTP datagrams to a UDP multicast group. Its
// socket-construction sequence (raw syscall.Socket → os.File →
// net.FilePacketConn → ipv4.PacketConn) is described in DESIGN.md.
type MulticastEgress struct {
	groupAddr *net.UDPAddr
	ttl       int
	ifaceIP   net.IP
	linkSpeed uint64 // bits per second, advisory

	mu   sync.Mutex // guards conn/iface during Open/Close/SetDefaultInterface
	conn *ipv4.PacketConn
	buf  gopacket.SerializeBuffer
}

// NewMulticastEgress validates and stores the destination group/port and
// TTL without opening any socket (Open Question 2: constructors must not
// bind; only Start does).
func NewMulticastEgress(groupAddr string, groupPort uint16, ttl uint8) (*MulticastEgress, error) {
	ip := net.ParseIP(groupAddr)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("%w: invalid multicast group address %q", ErrConfigFailed, groupAddr)
	}
	return &MulticastEgress{
		groupAddr: &net.UDPAddr{IP: ip.To4(), Port: int(groupPort)},
		ttl:       int(ttl),
		buf:       gopacket.NewSerializeBuffer(),
	}, nil
}

// SetDefaultInterface sets the outbound interface for multicast traffic by
// address. Takes effect the next time Open is called; if already open, it
// reconfigures the live socket immediately.
func (e *MulticastEgress) SetDefaultInterface(ip net.IP) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ifaceIP = ip
	if e.conn == nil {
		return nil
	}
	iface, err := interfaceForAddr(ip)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigFailed, err)
	}
	if err := e.conn.SetMulticastInterface(iface); err != nil {
		return fmt.Errorf("%w: SetMulticastInterface: %v", ErrConfigFailed, err)
	}
	return nil
}

// SetLinkSpeed records an advisory link rate, used to size the outbound
// socket's send buffer (and consulted by derived timer logic upstream of
// this package).
func (e *MulticastEgress) SetLinkSpeed(bitsPerSecond uint64) {
	e.mu.Lock()
	e.linkSpeed = bitsPerSecond
	e.mu.Unlock()
}

// Open creates the multicast send socket and applies TTL/interface/buffer
// configuration. Must be called exactly once, from Sender.Start.
func (e *MulticastEgress) Open() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sock, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_DGRAM, syscall.IPPROTO_UDP)
	if err != nil {
		return fmt.Errorf("%w: socket: %v", ErrConfigFailed, err)
	}
	if err := unix.SetsockoptInt(sock, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = syscall.Close(sock)
		return fmt.Errorf("%w: SO_REUSEADDR: %v", ErrConfigFailed, err)
	}
	if e.linkSpeed > 0 {
		// Size the send buffer for roughly 100ms of data at the configured
		// link rate; this replaces the kernel default, smaller or not.
		sndbuf := int(e.linkSpeed / 8 / 10)
		if sndbuf > 0 {
			_ = unix.SetsockoptInt(sock, unix.SOL_SOCKET, unix.SO_SNDBUF, sndbuf)
		}
	}

	file := os.NewFile(uintptr(sock), "")
	packetConn, err := net.FilePacketConn(file)
	closeErr := file.Close()
	if err != nil {
		return fmt.Errorf("%w: FilePacketConn: %v", ErrConfigFailed, err)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: closing dup'd file: %v", ErrConfigFailed, closeErr)
	}

	conn := ipv4.NewPacketConn(packetConn)
	if err := conn.SetMulticastTTL(e.ttl); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: SetMulticastTTL: %v", ErrConfigFailed, err)
	}
	if e.ifaceIP != nil {
		iface, err := interfaceForAddr(e.ifaceIP)
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("%w: %v", ErrConfigFailed, err)
		}
		if err := conn.SetMulticastInterface(iface); err != nil {
			_ = conn.Close()
			return fmt.Errorf("%w: SetMulticastInterface: %v", ErrConfigFailed, err)
		}
	}

	e.conn = conn
	return nil
}

// SendDatagram writes one datagram whose wire bytes are the concatenation
// of parts (typically a header followed by an optional body). It never
// allocates past the first call: the underlying gopacket.SerializeBuffer
// is cleared and reused.
func (e *MulticastEgress) SendDatagram(parts ...[]byte) error {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	if total > maxDatagramLen {
		return fmt.Errorf("%w: datagram of %d bytes exceeds maximum %d", ErrEgressFailed, total, maxDatagramLen)
	}

	e.buf.Clear()
	for _, p := range parts {
		if len(p) == 0 {
			continue
		}
		dst, err := e.buf.AppendBytes(len(p))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEgressFailed, err)
		}
		copy(dst, p)
	}

	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: egress socket not open", ErrEgressFailed)
	}
	if _, err := conn.WriteTo(e.buf.Bytes(), nil, e.groupAddr); err != nil {
		return fmt.Errorf("%w: WriteTo: %v", ErrEgressFailed, err)
	}
	return nil
}

// Close releases the multicast socket. Safe to call on an egress that was
// never opened.
func (e *MulticastEgress) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}

func interfaceForAddr(ip net.IP) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			var candidate net.IP
			switch v := a.(type) {
			case *net.IPNet:
				candidate = v.IP
			case *net.IPAddr:
				candidate = v.IP
			}
			if candidate != nil && candidate.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no local interface has address %s", ip)
}
