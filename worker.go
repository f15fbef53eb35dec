package fmtp

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/gopacket"
	"go.uber.org/atomic"

	"github.com/blockcast/go-fmtp/wire"
)

// RecoveryWorker services one accepted receiver socket: read a framed
// request, look up the product's metadata, and reply with the requested
// retransmission, a control re-emission, or a reject. RETX_END and a
// RETX_REQ with payload_len 0 for a registered product get no reply. One
// goroutine per connected receiver.
type RecoveryWorker struct {
	id       ReceiverID
	conn     *net.TCPConn
	registry *Registry
	listener *RecoveryListener
	notifier Notifier

	buf       gopacket.SerializeBuffer
	cancelled atomic.Bool
}

func newRecoveryWorker(id ReceiverID, conn *net.TCPConn, registry *Registry, listener *RecoveryListener, notifier Notifier) *RecoveryWorker {
	return &RecoveryWorker{
		id:       id,
		conn:     conn,
		registry: registry,
		listener: listener,
		notifier: notifier,
		buf:      gopacket.NewSerializeBuffer(),
	}
}

// Cancel unblocks a worker parked in its read syscall: closing the socket
// is what makes Go's net.Conn.Read return promptly, standing in for
// pthread_cancel at a cancellation point.
func (w *RecoveryWorker) Cancel() {
	w.cancelled.Store(true)
	_ = w.conn.Close()
}

// Run services requests until the connection closes, a protocol violation
// is seen, or Cancel is called. It always unregisters itself from the
// listener's connected set and closes its socket before returning. A
// Cancel-induced close is reported as a clean exit (nil), not ErrEgressFailed.
func (w *RecoveryWorker) Run() error {
	err := w.loop()
	w.listener.Remove(w.id)
	_ = w.conn.Close()
	if w.cancelled.Load() {
		return nil
	}
	return err
}

func (w *RecoveryWorker) loop() error {
	headerBuf := make([]byte, wire.HeaderLen)
	for {
		if _, err := io.ReadFull(w.conn, headerBuf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("%w: recovery read: %v", ErrEgressFailed, err)
		}
		h, err := wire.DecodeHeader(headerBuf)
		if err != nil {
			return err
		}

		meta, _ := w.registry.Lookup(h.ProdIndex)
		switch h.Flags {
		case wire.RetxReq:
			if meta != nil {
				err = w.retransmitData(h, meta)
			} else {
				err = w.reject(h.ProdIndex)
			}
		case wire.BopReq:
			if meta != nil {
				err = w.retransmitBOP(h, meta)
			} else {
				err = w.reject(h.ProdIndex)
			}
		case wire.EopReq:
			if meta != nil {
				err = w.retransmitEOP(h)
			} else {
				err = w.reject(h.ProdIndex)
			}
		case wire.RetxEnd:
			if meta != nil && w.registry.ClearReceiver(h.ProdIndex, w.id) {
				if w.notifier != nil {
					w.notifier.NotifyOfEOP(h.ProdIndex)
				}
			}
		default:
			return fmt.Errorf("%w: unexpected flag %s on recovery stream", wire.ErrMalformedHeader, h.Flags)
		}
		if err != nil {
			return err
		}
	}
}

// retransmitData sends the full block(s) covering the requested span as one
// or more RETX_DATA frames: start is floored and end is ceilinged to
// VcmtpDataLen boundaries, always realigned regardless of what the request
// claims, then end is clamped to prodLength.
func (w *RecoveryWorker) retransmitData(req wire.Header, meta *Metadata) error {
	if req.PayloadLen == 0 {
		return nil
	}
	start := (req.SeqNum / wire.VcmtpDataLen) * wire.VcmtpDataLen
	rawEnd := req.SeqNum + uint32(req.PayloadLen)
	end := ((rawEnd + wire.VcmtpDataLen - 1) / wire.VcmtpDataLen) * wire.VcmtpDataLen
	if end > meta.ProdLength {
		end = meta.ProdLength
	}
	for start < end {
		payLen := uint32(wire.VcmtpDataLen)
		if start+payLen > end {
			payLen = end - start
		}
		h := wire.Header{ProdIndex: req.ProdIndex, SeqNum: start, PayloadLen: uint16(payLen), Flags: wire.RetxData}
		if err := w.writeFrame(h, meta.Data[start:start+payLen]); err != nil {
			return err
		}
		start += payLen
	}
	return nil
}

func (w *RecoveryWorker) retransmitBOP(req wire.Header, meta *Metadata) error {
	body := wire.BOPBody{ProdSize: meta.ProdLength, MetaSize: meta.MetaSize, Metadata: meta.Metadata}
	bodyBuf := make([]byte, 6+len(meta.Metadata))
	n, err := wire.EncodeBOP(body, bodyBuf)
	if err != nil {
		return err
	}
	h := wire.Header{ProdIndex: req.ProdIndex, PayloadLen: uint16(n), Flags: wire.RetxBop}
	return w.writeFrame(h, bodyBuf[:n])
}

func (w *RecoveryWorker) retransmitEOP(req wire.Header) error {
	h := wire.Header{ProdIndex: req.ProdIndex, Flags: wire.RetxEop}
	return w.writeFrame(h, nil)
}

func (w *RecoveryWorker) reject(prodIndex uint32) error {
	h := wire.Header{ProdIndex: prodIndex, Flags: wire.RetxRej}
	return w.writeFrame(h, nil)
}

func (w *RecoveryWorker) writeFrame(h wire.Header, payload []byte) error {
	w.buf.Clear()
	if err := wire.AppendHeader(w.buf, h); err != nil {
		return fmt.Errorf("%w: %v", ErrEgressFailed, err)
	}
	if len(payload) > 0 {
		dst, err := w.buf.AppendBytes(len(payload))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEgressFailed, err)
		}
		copy(dst, payload)
	}
	if _, err := w.conn.Write(w.buf.Bytes()); err != nil {
		return fmt.Errorf("%w: recovery write: %v", ErrEgressFailed, err)
	}
	return nil
}
