package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorbit/probetun/pkg/frame"
	"github.com/mirrorbit/probetun/pkg/wire"
)

// loopbackTransport is an in-memory frame.Transport standing in for a
// real inbound source / outbound sink in tests: everything written
// via inject() is delivered to Recv, and everything the dispatcher
// sends via Send is captured for assertions.
type loopbackTransport struct {
	mu     sync.Mutex
	inbox  []frame.Frame
	cond   *sync.Cond
	closed bool

	sentMu sync.Mutex
	sent   []frame.Frame
}

func newLoopbackTransport() *loopbackTransport {
	lt := &loopbackTransport{}
	lt.cond = sync.NewCond(&lt.mu)
	return lt
}

func (lt *loopbackTransport) inject(f frame.Frame) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.inbox = append(lt.inbox, f)
	lt.cond.Broadcast()
}

func (lt *loopbackTransport) Recv(ctx context.Context) (frame.Frame, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for len(lt.inbox) == 0 && !lt.closed {
		if ctx.Err() != nil {
			return frame.Frame{}, ctx.Err()
		}
		// Poll with a short sleep instead of a context-aware cond
		// wait, mirroring the real transport's bounded poll.
		lt.mu.Unlock()
		time.Sleep(time.Millisecond)
		lt.mu.Lock()
	}
	if lt.closed && len(lt.inbox) == 0 {
		return frame.Frame{}, context.Canceled
	}
	f := lt.inbox[0]
	lt.inbox = lt.inbox[1:]
	return f, nil
}

func (lt *loopbackTransport) Send(ctx context.Context, f frame.Frame) error {
	lt.sentMu.Lock()
	defer lt.sentMu.Unlock()
	lt.sent = append(lt.sent, f)
	return nil
}

func (lt *loopbackTransport) Close() error {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.closed = true
	return nil
}

func (lt *loopbackTransport) lastSent() (frame.Frame, bool) {
	lt.sentMu.Lock()
	defer lt.sentMu.Unlock()
	if len(lt.sent) == 0 {
		return frame.Frame{}, false
	}
	return lt.sent[len(lt.sent)-1], true
}

func (lt *loopbackTransport) waitForSent(t *testing.T, n int) frame.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		lt.sentMu.Lock()
		count := len(lt.sent)
		lt.sentMu.Unlock()
		if count >= n {
			f, _ := lt.lastSent()
			return f
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent frames", n)
	return frame.Frame{}
}

func req1Frame(srvID uint8, iv [4]byte) frame.Frame {
	p := &wire.Packet{
		SrvID: srvID, Seq: 1, IsCtrl: true, CtrlType: wire.CtrlInitReq1,
		Pay1: append([]byte{byte(wire.CtrlInitReq1)}, iv[:]...),
	}
	return frame.Frame{SSIDIE: wire.GenerateSSIDIE(p)}
}

func TestServer_Stage1Exhaustion(t *testing.T) {
	lt := newLoopbackTransport()
	srv := New(9, nil)
	require.NoError(t, srv.Bind(lt))
	require.NoError(t, srv.Listen(2))
	defer srv.Unbind()

	lt.inject(req1Frame(9, [4]byte{1, 1, 1, 1}))
	lt.waitForSent(t, 1)
	lt.inject(req1Frame(9, [4]byte{2, 2, 2, 2}))
	lt.waitForSent(t, 2)

	assert.Equal(t, 2, srv.Queue().Len())

	// Third distinct IV exceeds max=2: no new connection, no third
	// response; the first two must keep progressing.
	lt.inject(req1Frame(9, [4]byte{3, 3, 3, 3}))
	time.Sleep(50 * time.Millisecond)

	lt.sentMu.Lock()
	sentCount := len(lt.sent)
	lt.sentMu.Unlock()
	assert.Equal(t, 2, sentCount, "exhausted pool must not produce a third response")
	assert.Equal(t, 2, srv.Queue().Len())
}

func TestServer_WrongSrvIDIsDropped(t *testing.T) {
	lt := newLoopbackTransport()
	srv := New(9, nil)
	require.NoError(t, srv.Bind(lt))
	require.NoError(t, srv.Listen(2))
	defer srv.Unbind()

	lt.inject(req1Frame(3, [4]byte{1, 1, 1, 1}))
	time.Sleep(50 * time.Millisecond)

	lt.sentMu.Lock()
	defer lt.sentMu.Unlock()
	assert.Empty(t, lt.sent)
	assert.Equal(t, 0, srv.Queue().Len())
}

func TestServer_FullHandshakeAndAccept(t *testing.T) {
	lt := newLoopbackTransport()
	srv := New(9, nil)
	require.NoError(t, srv.Bind(lt))
	require.NoError(t, srv.Listen(3))
	defer srv.Unbind()

	lt.inject(req1Frame(9, [4]byte{7, 7, 7, 7}))
	rsp1Frame := lt.waitForSent(t, 1)

	rsp1, err := wire.Parse([6]byte{}, [6]byte{}, rsp1Frame.SSIDIE, rsp1Frame.VendorIE)
	require.NoError(t, err)
	require.Equal(t, wire.CtrlInitRsp1, rsp1.CtrlType)
	clientID := rsp1.ClientID
	require.NotZero(t, clientID)

	req2 := &wire.Packet{
		SrvID: 9, ClientID: clientID, Seq: 2, Ack: 1,
		IsCtrl: true, CtrlType: wire.CtrlInitReq2,
		Pay1: []byte{byte(wire.CtrlInitReq2), 0, 0, 0, 0, 0x01},
	}
	lt.inject(frame.Frame{SSIDIE: wire.GenerateSSIDIE(req2)})
	rsp2Frame := lt.waitForSent(t, 2)
	rsp2, err := wire.Parse([6]byte{}, [6]byte{}, rsp2Frame.SSIDIE, rsp2Frame.VendorIE)
	require.NoError(t, err)
	assert.Equal(t, wire.CtrlInitRsp2, rsp2.CtrlType)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := srv.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, clientID, c.ClientID)
	assert.Equal(t, 28, c.MTU())
}
