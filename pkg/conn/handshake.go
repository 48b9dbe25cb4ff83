package conn

import (
	"time"

	"github.com/mirrorbit/probetun/pkg/wire"
)

// HandleInbound processes one inbound Packet already routed to this
// connection by the dispatcher, mutating ARQ/handshake state as
// needed, and returns the response Packet to send (if any) and
// whether to send it at all. It is called only from the listener
// goroutine: all mutation here is single-threaded by
// construction, the mutex exists only to let Read/Send/State observe
// consistent values from the application goroutine.
func (c *Connection) HandleInbound(req *wire.Packet) (*wire.Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()

	switch c.state {
	case StateDelete:
		return nil, false

	case StatePendingClose:
		if req.IsCtrl && req.CtrlType == wire.CtrlReset {
			c.setState(StateDelete)
			return nil, false
		}
		// Hand the stored RESET back for transmission; once both queues
		// have drained the connection is finished the moment that send
		// goes out, so the dispatcher's next Sweep can reclaim the ID.
		resp := c.txPacket
		if c.inQueue.Len() == 0 && c.outQueue.Len() == 0 {
			c.setState(StateDelete)
		}
		return resp, true
	}

	if req.IsCtrl && req.CtrlType == wire.CtrlReset {
		c.setState(StateDelete)
		return nil, false
	}

	if req.IsCtrl {
		return c.handleControlLocked(req)
	}
	return c.handleDataLocked(req)
}

func (c *Connection) handleControlLocked(req *wire.Packet) (*wire.Packet, bool) {
	switch req.CtrlType {
	case wire.CtrlInitReq1:
		if c.state == StatePendingOpen && req.Ack == 0 {
			c.lastRxPacket = req
			return c.txPacket, true
		}
		return c.resetOrDropLocked(req)

	case wire.CtrlInitReq2:
		switch {
		case c.state == StatePendingOpen:
			return c.handleReq2Locked(req)
		case c.state == StatePendingAccept:
			c.lastRxPacket = req
			return c.txPacket, true
		case c.state == StateOpen && c.lastRxPacket != nil && c.lastRxPacket.IsCtrl && c.lastRxPacket.CtrlType == wire.CtrlInitReq2:
			return c.txPacket, true
		default:
			return c.resetOrDropLocked(req)
		}

	default:
		// CON_INIT_RSP1/RSP2 are server->client only; seeing one
		// inbound is a protocol violation.
		return c.resetOrDropLocked(req)
	}
}

func (c *Connection) handleReq2Locked(req *wire.Packet) (*wire.Packet, bool) {
	if len(req.Pay1) < 6 {
		return c.resetOrDropLocked(req)
	}

	switch req.Pay1[5] {
	case capVendorIESupported:
		c.txVendorIEAllowed = true
		c.mtu = MTUVendorIE
	case capVendorIEUnsupported:
		c.txVendorIEAllowed = false
		c.mtu = MTUNoVendorIE
	default:
		return c.resetOrDropLocked(req)
	}

	rsp2 := &wire.Packet{
		SrcMAC:   req.DstMAC,
		DstMAC:   req.SrcMAC,
		ClientID: c.ClientID,
		SrvID:    c.SrvID,
		Seq:      2,
		Ack:      2,
		IsCtrl:   true,
		CtrlType: wire.CtrlInitRsp2,
		Pay1:     append([]byte{byte(wire.CtrlInitRsp2)}, c.ClientIVBytes[:]...),
	}
	c.txPacket = rsp2
	c.lastRxPacket = req
	c.setState(StatePendingAccept)
	return rsp2, true
}

// resetOrDropLocked answers a protocol violation on a connection we
// already have a row for with CON_RESET rather than a silent drop —
// there is somewhere to address the response, and the reset lets the
// client restart its handshake instead of retrying into a dead state.
func (c *Connection) resetOrDropLocked(req *wire.Packet) (*wire.Packet, bool) {
	reset := &wire.Packet{
		SrcMAC:   req.DstMAC,
		DstMAC:   req.SrcMAC,
		ClientID: c.ClientID,
		SrvID:    c.SrvID,
		IsCtrl:   true,
		CtrlType: wire.CtrlReset,
		Pay1:     []byte{byte(wire.CtrlReset)},
	}
	c.txPacket = reset
	c.setState(StatePendingClose)
	if c.log != nil {
		c.log.WithField("ctrl_type", req.CtrlType.String()).Warn("protocol violation, emitting reset")
	}
	return reset, true
}

// Shutdown requests an orderly teardown: it stores a CON_RESET as the
// outstanding response and moves to PENDING_CLOSE. The actual frame is
// carried to the client on the next inbound probe, since the server
// has no channel to push a frame outside of a response.
func (c *Connection) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDelete || c.state == StatePendingClose {
		return
	}
	c.txPacket = &wire.Packet{
		ClientID: c.ClientID,
		SrvID:    c.SrvID,
		IsCtrl:   true,
		CtrlType: wire.CtrlReset,
		Pay1:     []byte{byte(wire.CtrlReset)},
	}
	c.setState(StatePendingClose)
}
