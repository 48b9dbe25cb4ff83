package connqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorbit/probetun/pkg/conn"
	"github.com/mirrorbit/probetun/pkg/wire"
)

func req1(iv byte) *wire.Packet {
	return &wire.Packet{
		SrvID:    9,
		Seq:      1,
		IsCtrl:   true,
		CtrlType: wire.CtrlInitReq1,
		Pay1:     []byte{byte(wire.CtrlInitReq1), 0, 0, 0, iv},
	}
}

func TestProvideNewClientSocket_AllocatesAndIndexes(t *testing.T) {
	q := New(9, 3, nil)

	c, rsp1, err := q.ProvideNewClientSocket(req1(1), nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), c.ClientID, "IDs come off the top of a 1..max stack, so the first grant is the highest")
	assert.Equal(t, uint8(3), rsp1.ClientID)

	got, ok := q.GetByClientIV(c.ClientIV)
	assert.True(t, ok)
	assert.Same(t, c, got)

	got, ok = q.GetByClientID(3)
	assert.True(t, ok)
	assert.Same(t, c, got)
}

func TestProvideNewClientSocket_ExhaustionAndRelease(t *testing.T) {
	q := New(9, 2, nil)

	c1, _, err := q.ProvideNewClientSocket(req1(1), nil)
	require.NoError(t, err)
	_, _, err = q.ProvideNewClientSocket(req1(2), nil)
	require.NoError(t, err)

	_, _, err = q.ProvideNewClientSocket(req1(3), nil)
	require.Error(t, err)
	var exhausted *ErrExhausted
	assert.ErrorAs(t, err, &exhausted)

	c1.Shutdown()
	// Shutdown alone only reaches PENDING_CLOSE; force drain to DELETE
	// as an empty-queue HandleInbound would.
	c1.HandleInbound(&wire.Packet{ClientID: c1.ClientID, SrvID: 9})
	require.Equal(t, conn.StateDelete, c1.State())

	n := q.Sweep()
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, q.Len())

	_, _, err = q.ProvideNewClientSocket(req1(3), nil)
	assert.NoError(t, err, "the swept ID must be available again")
}

func TestAccept_WakesOnPendingAcceptTransition(t *testing.T) {
	q := New(9, 3, nil)
	c, _, err := q.ProvideNewClientSocket(req1(1), nil)
	require.NoError(t, err)

	type result struct {
		c  *conn.Connection
		ok bool
	}
	done := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		got, ok := q.Accept(ctx)
		done <- result{got, ok}
	}()

	// Drive the connection to PENDING_ACCEPT from another goroutine,
	// exactly as the dispatcher would on receiving stage-2.
	req2 := &wire.Packet{
		ClientID: c.ClientID,
		SrvID:    9,
		Seq:      2,
		Ack:      1,
		IsCtrl:   true,
		CtrlType: wire.CtrlInitReq2,
		Pay1:     []byte{byte(wire.CtrlInitReq2), 0, 0, 0, 0, 0x01},
	}
	c.HandleInbound(req2)

	select {
	case r := <-done:
		require.True(t, r.ok)
		assert.Same(t, c, r.c)
		assert.Equal(t, conn.StateOpen, c.State())
	case <-time.After(3 * time.Second):
		t.Fatal("Accept did not wake on PENDING_ACCEPT transition")
	}
}

func TestAccept_CancelledContext(t *testing.T) {
	q := New(9, 3, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := q.Accept(ctx)
	assert.False(t, ok)
}

func TestExpireIdle_ShutsDownStaleOpenConnections(t *testing.T) {
	q := New(9, 3, nil)
	c, _, err := q.ProvideNewClientSocket(req1(1), nil)
	require.NoError(t, err)

	req2 := &wire.Packet{
		ClientID: c.ClientID, SrvID: 9, Seq: 2, Ack: 1,
		IsCtrl: true, CtrlType: wire.CtrlInitReq2,
		Pay1: []byte{byte(wire.CtrlInitReq2), 0, 0, 0, 0, 0x01},
	}
	c.HandleInbound(req2)
	require.True(t, c.Accept())

	n := q.ExpireIdle(0)
	assert.Equal(t, 1, n)
	assert.Equal(t, conn.StatePendingClose, c.State())
}
