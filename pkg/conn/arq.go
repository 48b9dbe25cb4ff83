package conn

import "github.com/mirrorbit/probetun/pkg/wire"

func mod16Inc(x uint8) uint8 { return (x + 1) & 0x0F }

// handleDataLocked implements the stop-and-wait ARQ joint rule on
// (req.seq, req.ack). Only meaningful in OPEN; any other state drops
// the frame silently (data cannot flow before accept()).
func (c *Connection) handleDataLocked(req *wire.Packet) (*wire.Packet, bool) {
	if c.state != StateOpen {
		return nil, false
	}

	L := c.lastRxPacket
	T := c.txPacket

	// T may still carry CON_INIT_RSP2's IsCtrl/CtrlType from the
	// handshake; once data transfer starts every response is a plain
	// data frame.
	T.IsCtrl = false
	T.CtrlType = 0

	seqIsNext := req.Seq == mod16Inc(L.Seq)
	ackMatchesTx := req.Ack == T.Seq

	switch {
	case seqIsNext && ackMatchesTx:
		c.enqueueInboundLocked(req)
		c.lastRxPacket = req
		T.Seq = mod16Inc(T.Seq)
		T.Ack = req.Seq
		c.popNextOutboundLocked(T)

	case seqIsNext && !ackMatchesTx:
		c.enqueueInboundLocked(req)
		c.lastRxPacket = req
		T.Ack = req.Seq
		// tx_packet's seq/payload are unchanged: this is a retransmit.

	case !seqIsNext && ackMatchesTx:
		T.Seq = mod16Inc(T.Seq)
		T.Ack = L.Seq
		c.popNextOutboundLocked(T)

	default:
		// Neither matches: retransmit T verbatim.
	}

	return T, true
}

func (c *Connection) enqueueInboundLocked(req *wire.Packet) {
	chunk := make([]byte, 0, len(req.Pay1)+len(req.Pay2))
	chunk = append(chunk, req.Pay1...)
	chunk = append(chunk, req.Pay2...)
	c.inQueue.Push(chunk)
}

// popNextOutboundLocked pulls the next MTU-sized chunk off out_queue
// (if any) and splits it into T's pay1/pay2: pay1 gets the first <=28
// bytes, pay2 gets the rest (omitted entirely, i.e. nil, when there
// is no remainder).
func (c *Connection) popNextOutboundLocked(T *wire.Packet) {
	chunk, ok := c.outQueue.PopOne()
	if !ok {
		T.Pay1 = nil
		T.Pay2 = nil
		return
	}
	if len(chunk) <= wire.MaxPay1 {
		T.Pay1 = chunk
		T.Pay2 = nil
		return
	}
	T.Pay1 = chunk[:wire.MaxPay1]
	T.Pay2 = chunk[wire.MaxPay1:]
}
