package wire

import (
	"encoding/binary"
	"fmt"
)

// VcmtpDataLen is the number of product-bytes carried per DATA datagram.
// Chosen so header + payload fits comfortably under a 1500-byte MTU.
const VcmtpDataLen = 1442

// AvailBOPLen is the maximum metadata size that fits in a BOP body
// alongside the prod_size/meta_size fields, given VcmtpDataLen.
const AvailBOPLen = VcmtpDataLen - 6

// BOPBody is the body of a BOP/RETX_BOP packet: product size, metadata size,
// and the metadata bytes themselves.
type BOPBody struct {
	ProdSize uint32
	MetaSize uint16
	Metadata []byte
}

// EncodeBOP packs b into buf (prod_size, meta_size, then len(b.Metadata)
// bytes of metadata) and returns the number of bytes written. buf must be
// at least 6+len(b.Metadata) bytes.
func EncodeBOP(b BOPBody, buf []byte) (int, error) {
	if int(b.MetaSize) > AvailBOPLen {
		return 0, fmt.Errorf("fmtp/wire: meta_size %d exceeds AVAIL_BOP_LEN %d", b.MetaSize, AvailBOPLen)
	}
	if int(b.MetaSize) != len(b.Metadata) {
		return 0, fmt.Errorf("fmtp/wire: meta_size %d does not match metadata length %d", b.MetaSize, len(b.Metadata))
	}
	need := 6 + len(b.Metadata)
	if len(buf) < need {
		return 0, fmt.Errorf("fmtp/wire: buffer too small for BOP body: %d < %d", len(buf), need)
	}
	binary.BigEndian.PutUint32(buf[0:4], b.ProdSize)
	binary.BigEndian.PutUint16(buf[4:6], b.MetaSize)
	copy(buf[6:need], b.Metadata)
	return need, nil
}

// DecodeBOP unpacks a BOP body from buf, validating that meta_size fits
// within AVAIL_BOP_LEN and that buf carries at least that many metadata
// bytes following the fixed 6-byte prefix.
func DecodeBOP(buf []byte) (BOPBody, error) {
	if len(buf) < 6 {
		return BOPBody{}, fmt.Errorf("%w: BOP body %d bytes, want at least 6", ErrMalformedHeader, len(buf))
	}
	prodSize := binary.BigEndian.Uint32(buf[0:4])
	metaSize := binary.BigEndian.Uint16(buf[4:6])
	if int(metaSize) > AvailBOPLen {
		return BOPBody{}, fmt.Errorf("%w: meta_size %d exceeds AVAIL_BOP_LEN %d", ErrMalformedHeader, metaSize, AvailBOPLen)
	}
	if len(buf) < 6+int(metaSize) {
		return BOPBody{}, fmt.Errorf("%w: BOP body truncated: %d bytes, want %d", ErrMalformedHeader, len(buf), 6+int(metaSize))
	}
	metadata := make([]byte, metaSize)
	copy(metadata, buf[6:6+int(metaSize)])
	return BOPBody{ProdSize: prodSize, MetaSize: metaSize, Metadata: metadata}, nil
}
