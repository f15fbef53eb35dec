package fmtp

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoveryListenerAcceptAssignsDistinctIDs(t *testing.T) {
	l := NewRecoveryListener("127.0.0.1", 0)
	require.NoError(t, l.Open())
	defer l.Close()

	require.NotZero(t, l.LocalPort())

	dial := func() net.Conn {
		c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(l.LocalPort()))))
		require.NoError(t, err)
		return c
	}

	c1 := dial()
	defer c1.Close()
	id1, conn1, err := l.Accept()
	require.NoError(t, err)
	defer conn1.Close()

	c2 := dial()
	defer c2.Close()
	id2, conn2, err := l.Accept()
	require.NoError(t, err)
	defer conn2.Close()

	assert.NotEqual(t, id1, id2)

	set := l.ConnectedSet()
	assert.ElementsMatch(t, []ReceiverID{id1, id2}, set)
}

func TestRecoveryListenerRemove(t *testing.T) {
	l := NewRecoveryListener("127.0.0.1", 0)
	require.NoError(t, l.Open())
	defer l.Close()

	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(l.LocalPort()))))
	require.NoError(t, err)
	defer c.Close()

	id, conn, err := l.Accept()
	require.NoError(t, err)
	defer conn.Close()

	assert.Contains(t, l.ConnectedSet(), id)
	l.Remove(id)
	assert.NotContains(t, l.ConnectedSet(), id)
}

func TestRecoveryListenerCloseStopsAccepting(t *testing.T) {
	l := NewRecoveryListener("127.0.0.1", 0)
	require.NoError(t, l.Open())
	require.NoError(t, l.Close())

	_, _, err := l.Accept()
	require.Error(t, err)
}
