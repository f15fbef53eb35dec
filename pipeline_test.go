package fmtp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockcast/go-fmtp/wire"
)

type recordingEgress struct {
	datagrams [][]byte
	failAfter int // -1 disables; N makes the (N+1)th SendDatagram call fail
	calls     int
}

func (e *recordingEgress) SendDatagram(parts ...[]byte) error {
	defer func() { e.calls++ }()
	if e.failAfter >= 0 && e.calls == e.failAfter {
		return errors.New("simulated egress failure")
	}
	var total []byte
	for _, p := range parts {
		total = append(total, p...)
	}
	e.datagrams = append(e.datagrams, total)
	return nil
}

func (e *recordingEgress) Close() error { return nil }

func newTestPipeline(egress Egress) (*Pipeline, *Registry, *DelayQueue) {
	registry := NewRegistry()
	timer := NewDelayQueue()
	p := newPipeline(egress, registry, &RecoveryListener{}, timer, 0, 20.0)
	return p, registry, timer
}

func decodeFrame(t *testing.T, datagram []byte) (wire.Header, []byte) {
	t.Helper()
	h, err := wire.DecodeHeader(datagram[:wire.HeaderLen])
	require.NoError(t, err)
	return h, datagram[wire.HeaderLen:]
}

func TestSendProductTinyNoReceivers(t *testing.T) {
	egress := &recordingEgress{failAfter: -1}
	p, registry, timer := newTestPipeline(egress)

	prodIndex, err := p.SendProduct([]byte("hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), prodIndex)

	require.Len(t, egress.datagrams, 3)

	bopHdr, bopBody := decodeFrame(t, egress.datagrams[0])
	assert.Equal(t, wire.BOP, bopHdr.Flags)
	body, err := wire.DecodeBOP(bopBody)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), body.ProdSize)
	assert.Equal(t, uint16(0), body.MetaSize)

	dataHdr, dataBody := decodeFrame(t, egress.datagrams[1])
	assert.Equal(t, wire.MemData, dataHdr.Flags)
	assert.Equal(t, uint32(0), dataHdr.SeqNum)
	assert.Equal(t, []byte("hello"), dataBody)

	eopHdr, eopBody := decodeFrame(t, egress.datagrams[2])
	assert.Equal(t, wire.EOP, eopHdr.Flags)
	assert.Empty(t, eopBody)

	_, ok := registry.Lookup(0)
	assert.True(t, ok, "entry stays registered until the timer or a drain removes it")

	meta, _ := registry.Lookup(0)
	assert.Greater(t, meta.TimeoutPeriod(), float64(0))

	prodIndex2, err := p.SendProduct([]byte("hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), prodIndex2, "prod_index is strictly monotonic across calls")

	_ = timer
}

func TestSendProductExactlyOneDataBlock(t *testing.T) {
	egress := &recordingEgress{failAfter: -1}
	p, _, _ := newTestPipeline(egress)

	data := make([]byte, wire.VcmtpDataLen)
	_, err := p.SendProduct(data, nil)
	require.NoError(t, err)
	require.Len(t, egress.datagrams, 3, "BOP, one DATA, EOP")
}

func TestSendProductTwoDataBlocksLastShort(t *testing.T) {
	egress := &recordingEgress{failAfter: -1}
	p, _, _ := newTestPipeline(egress)

	data := make([]byte, wire.VcmtpDataLen+1)
	_, err := p.SendProduct(data, nil)
	require.NoError(t, err)
	require.Len(t, egress.datagrams, 4, "BOP, two DATA, EOP")

	_, lastBody := decodeFrame(t, egress.datagrams[2])
	assert.Len(t, lastBody, 1)
}

func TestSendProductRejectsEmptyData(t *testing.T) {
	egress := &recordingEgress{failAfter: -1}
	p, _, _ := newTestPipeline(egress)

	_, err := p.SendProduct(nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSendProductRejectsOversizeMetadata(t *testing.T) {
	egress := &recordingEgress{failAfter: -1}
	p, _, _ := newTestPipeline(egress)

	oversized := make([]byte, wire.AvailBOPLen+1)
	_, err := p.SendProduct([]byte("x"), oversized)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSendProductAbortsOnEgressFailureLeavesEntryRegistered(t *testing.T) {
	egress := &recordingEgress{failAfter: 1} // fails on the first DATA frame
	p, registry, _ := newTestPipeline(egress)

	_, err := p.SendProduct(make([]byte, wire.VcmtpDataLen*2), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEgressFailed)

	_, ok := registry.Lookup(0)
	assert.True(t, ok, "a partially-published entry remains until Stop removes it")
}
