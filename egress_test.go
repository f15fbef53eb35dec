package fmtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMulticastEgressRejectsInvalidAddress(t *testing.T) {
	_, err := NewMulticastEgress("not-an-ip", 5000, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigFailed)

	_, err = NewMulticastEgress("2001:db8::1", 5000, 1)
	require.Error(t, err, "IPv6 group addresses are rejected; this sender speaks IPv4 multicast only")
}

func TestMulticastEgressSendBeforeOpenFails(t *testing.T) {
	e, err := NewMulticastEgress("239.1.2.3", 5000, 1)
	require.NoError(t, err)

	err = e.SendDatagram([]byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEgressFailed)
}

func TestMulticastEgressSendDatagramRejectsOversize(t *testing.T) {
	e, err := NewMulticastEgress("239.1.2.3", 5000, 1)
	require.NoError(t, err)
	require.NoError(t, e.Open())
	defer e.Close()

	huge := make([]byte, maxDatagramLen+1)
	err = e.SendDatagram(huge)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEgressFailed)
}

func TestMulticastEgressOpenAndSend(t *testing.T) {
	e, err := NewMulticastEgress("239.1.2.3", 5347, 1)
	require.NoError(t, err)
	require.NoError(t, e.Open())
	defer e.Close()

	require.NoError(t, e.SendDatagram([]byte("header"), []byte("body")))
}

func TestMulticastEgressCloseWithoutOpenIsNoop(t *testing.T) {
	e, err := NewMulticastEgress("239.1.2.3", 5348, 1)
	require.NoError(t, err)
	assert.NoError(t, e.Close())
}
