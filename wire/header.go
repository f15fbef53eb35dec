// Package wire implements the FMTPv3 packet framing: the fixed 16-byte
// header shared by every datagram and stream frame, and the BOP body that
// follows a BOP/RETX_BOP header.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket"
)

// HeaderLen is the size in bytes of the fixed packet header on the wire.
const HeaderLen = 16

// Flag identifies the kind of a packet. Exactly one flag is set per packet.
type Flag uint16

const (
	BOP       Flag = 0x0001
	MemData   Flag = 0x0002
	EOP       Flag = 0x0004
	RetxReq   Flag = 0x0008
	RetxRej   Flag = 0x0010
	RetxData  Flag = 0x0020
	BopReq    Flag = 0x0040
	RetxBop   Flag = 0x0080
	EopReq    Flag = 0x0100
	RetxEop   Flag = 0x0200
	RetxEnd   Flag = 0x0400
)

func (f Flag) String() string {
	switch f {
	case BOP:
		return "BOP"
	case MemData:
		return "MEM_DATA"
	case EOP:
		return "EOP"
	case RetxReq:
		return "RETX_REQ"
	case RetxRej:
		return "RETX_REJ"
	case RetxData:
		return "RETX_DATA"
	case BopReq:
		return "BOP_REQ"
	case RetxBop:
		return "RETX_BOP"
	case EopReq:
		return "EOP_REQ"
	case RetxEop:
		return "RETX_EOP"
	case RetxEnd:
		return "RETX_END"
	default:
		return fmt.Sprintf("Flag(0x%04x)", uint16(f))
	}
}

// ErrMalformedHeader is returned when a header can't be decoded, either
// because fewer than HeaderLen bytes were available or a field failed
// validation.
var ErrMalformedHeader = errors.New("fmtp/wire: malformed header")

// Header is the fixed 16-byte framing that precedes every datagram and
// stream frame.
type Header struct {
	ProdIndex  uint32
	SeqNum     uint32
	PayloadLen uint16
	Flags      Flag
}

// EncodeHeader packs h into the first HeaderLen bytes of buf in network
// byte order. buf must be at least HeaderLen bytes; EncodeHeader never
// allocates.
func EncodeHeader(h Header, buf []byte) error {
	if len(buf) < HeaderLen {
		return fmt.Errorf("fmtp/wire: buffer too small for header: %d < %d", len(buf), HeaderLen)
	}
	binary.BigEndian.PutUint32(buf[0:4], h.ProdIndex)
	binary.BigEndian.PutUint32(buf[4:8], h.SeqNum)
	binary.BigEndian.PutUint16(buf[8:10], h.PayloadLen)
	binary.BigEndian.PutUint16(buf[10:12], uint16(h.Flags))
	buf[12], buf[13], buf[14], buf[15] = 0, 0, 0, 0
	return nil
}

// DecodeHeader unpacks the first HeaderLen bytes of buf into a Header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes, want %d", ErrMalformedHeader, len(buf), HeaderLen)
	}
	return Header{
		ProdIndex:  binary.BigEndian.Uint32(buf[0:4]),
		SeqNum:     binary.BigEndian.Uint32(buf[4:8]),
		PayloadLen: binary.BigEndian.Uint16(buf[8:10]),
		Flags:      Flag(binary.BigEndian.Uint16(buf[10:12])),
	}, nil
}

// AppendHeader writes h's wire encoding into buf via a gopacket
// SerializeBuffer, growing it as needed. The recovery worker's frame
// writer uses it, reusing the same buffer across frames.
func AppendHeader(buf gopacket.SerializeBuffer, h Header) error {
	b, err := buf.AppendBytes(HeaderLen)
	if err != nil {
		return err
	}
	return EncodeHeader(h, b)
}
