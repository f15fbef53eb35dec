package fmtp

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockcast/go-fmtp/wire"
)

func newTestSender(t *testing.T, opts ...Option) *Sender {
	t.Helper()
	s, err := New("127.0.0.1", 0, "239.1.2.3", 5345, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestSenderStartAssignsRecoveryPort(t *testing.T) {
	s := newTestSender(t)
	assert.NotZero(t, s.LocalPort())
}

func TestSenderSendProductThenReceiverDrainsAndNotifies(t *testing.T) {
	notified := make(chan uint32, 1)
	s := newTestSender(t, WithNotifier(NotifierFunc(func(prodIndex uint32) {
		notified <- prodIndex
	})), WithTimeoutRatio(1000)) // keep the entry alive long enough for the test to drain it explicitly

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(s.LocalPort()))))
	require.NoError(t, err)
	defer conn.Close()

	// Give the accept loop a moment to register the connection before the
	// product is sent, so it's captured in the receiver snapshot.
	time.Sleep(50 * time.Millisecond)

	prodIndex, err := s.SendProduct([]byte("payload"), nil)
	require.NoError(t, err)

	var hdrBuf [wire.HeaderLen]byte
	require.NoError(t, wire.EncodeHeader(wire.Header{ProdIndex: prodIndex, Flags: wire.RetxEnd}, hdrBuf[:]))
	_, err = conn.Write(hdrBuf[:])
	require.NoError(t, err)

	select {
	case got := <-notified:
		assert.Equal(t, prodIndex, got)
	case <-time.After(2 * time.Second):
		t.Fatal("notifier never fired after RETX_END drained the last receiver")
	}
}

func TestSenderStopIsIdempotent(t *testing.T) {
	s, err := New("127.0.0.1", 0, "239.1.2.3", 5346)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestSenderStartTwiceFails(t *testing.T) {
	s := newTestSender(t)
	err := s.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
