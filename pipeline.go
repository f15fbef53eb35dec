package fmtp

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/blockcast/go-fmtp/wire"
)

// Pipeline fragments one product at a time into BOP/DATA*/EOP datagrams
// and arms its retention timer. Exactly one pipeline exists per Sender,
// and callers must serialize their own calls to SendProduct — the
// pipeline itself takes no lock around Egress.
type Pipeline struct {
	egress   Egress
	registry *Registry
	listener *RecoveryListener
	timer    *DelayQueue
	bopBuf   []byte

	// prodIndex is mutated only by SendProduct, which callers must
	// serialize, but NextProdIndex lets other goroutines (tests,
	// introspection) observe it concurrently without a data race.
	prodIndex atomic.Uint32

	timeoutRatio float32
}

func newPipeline(egress Egress, registry *Registry, listener *RecoveryListener, timer *DelayQueue, initProdIndex uint32, timeoutRatio float32) *Pipeline {
	p := &Pipeline{
		egress:       egress,
		registry:     registry,
		listener:     listener,
		timer:        timer,
		bopBuf:       make([]byte, 6+wire.AvailBOPLen),
		timeoutRatio: timeoutRatio,
	}
	p.prodIndex.Store(initProdIndex)
	return p
}

// NextProdIndex reports the product index the next SendProduct call will
// assign.
func (p *Pipeline) NextProdIndex() uint32 { return p.prodIndex.Load() }

// SendProduct registers data as a new product, multicasts BOP, DATA
// fragments, and EOP, arms the retention timer, and returns the assigned
// product index before post-incrementing it for the next call.
//
// data must be non-empty. If metadata is nil, it must be empty (len 0);
// otherwise its length must not exceed wire.AvailBOPLen.
//
// Any failure emitting BOP/DATA/EOP aborts with ErrEgressFailed. The
// partially-published registry entry is left in place: recovery workers
// may still service requests against it. No retention timer is armed for
// it; it is removed when the Sender stops.
func (p *Pipeline) SendProduct(data []byte, metadata []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: data must be non-empty", ErrInvalidArgument)
	}
	if len(metadata) > wire.AvailBOPLen {
		return 0, fmt.Errorf("%w: metadata of %d bytes exceeds maximum %d", ErrInvalidArgument, len(metadata), wire.AvailBOPLen)
	}

	prodIndex := p.prodIndex.Load()
	p.prodIndex.Store(prodIndex + 1)

	receivers := p.listener.ConnectedSet()
	meta := newMetadata(prodIndex, uint32(len(data)), metadata, data, p.timeoutRatio, receivers)
	meta.McastStart = time.Now()
	p.registry.Insert(meta)

	if err := p.sendBOP(prodIndex, meta); err != nil {
		return 0, err
	}
	if err := p.sendData(prodIndex, data); err != nil {
		return 0, err
	}
	if err := p.sendEOP(prodIndex); err != nil {
		return 0, err
	}

	meta.McastEnd = time.Now()
	timeoutPeriod := meta.McastEnd.Sub(meta.McastStart).Seconds() * float64(p.timeoutRatio)
	meta.setTimeoutPeriod(timeoutPeriod)

	p.timer.Push(prodIndex, time.Duration(timeoutPeriod*float64(time.Second)))

	return prodIndex, nil
}

func (p *Pipeline) sendBOP(prodIndex uint32, meta *Metadata) error {
	body := wire.BOPBody{ProdSize: meta.ProdLength, MetaSize: meta.MetaSize, Metadata: meta.Metadata}
	n, err := wire.EncodeBOP(body, p.bopBuf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEgressFailed, err)
	}
	h := wire.Header{ProdIndex: prodIndex, PayloadLen: uint16(n), Flags: wire.BOP}
	return p.sendFrame(h, p.bopBuf[:n])
}

func (p *Pipeline) sendData(prodIndex uint32, data []byte) error {
	total := uint32(len(data))
	for seq := uint32(0); seq < total; seq += wire.VcmtpDataLen {
		end := seq + wire.VcmtpDataLen
		if end > total {
			end = total
		}
		h := wire.Header{ProdIndex: prodIndex, SeqNum: seq, PayloadLen: uint16(end - seq), Flags: wire.MemData}
		if err := p.sendFrame(h, data[seq:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) sendEOP(prodIndex uint32) error {
	h := wire.Header{ProdIndex: prodIndex, Flags: wire.EOP}
	return p.sendFrame(h, nil)
}

func (p *Pipeline) sendFrame(h wire.Header, payload []byte) error {
	var hdr [wire.HeaderLen]byte
	if err := wire.EncodeHeader(h, hdr[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrEgressFailed, err)
	}
	if err := p.egress.SendDatagram(hdr[:], payload); err != nil {
		if errors.Is(err, ErrEgressFailed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrEgressFailed, err)
	}
	return nil
}
