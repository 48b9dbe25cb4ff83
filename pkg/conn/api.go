package conn

// Read returns up to n bytes of data delivered by the peer, dequeuing
// whole chunks only. It returns nil in any non-OPEN state or when no
// data is queued — it never blocks.
func (c *Connection) Read(n int) []byte {
	c.mu.Lock()
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open {
		return nil
	}
	return c.inQueue.PopUpTo(n)
}

// Send appends b to the outbound queue, split into chunks of exactly
// MTU bytes (the last chunk may be shorter). It is non-blocking:
// chunks are always appended, and are drained by the listener on
// subsequent ARQ round-trips. Returns the number of chunks queued.
func (c *Connection) Send(b []byte) int {
	c.mu.Lock()
	mtu := c.mtu
	c.mu.Unlock()
	if mtu <= 0 {
		mtu = MTUNoVendorIE
	}

	n := 0
	for len(b) > 0 {
		end := mtu
		if end > len(b) {
			end = len(b)
		}
		c.outQueue.Push(append([]byte(nil), b[:end]...))
		b = b[end:]
		n++
	}
	return n
}

// InQueueDepth and OutQueueDepth report queued chunk counts, used by
// pkg/metrics.
func (c *Connection) InQueueDepth() int  { return c.inQueue.Len() }
func (c *Connection) OutQueueDepth() int { return c.outQueue.Len() }

// LastSeqAck reports the sequence/ack pair of the last stored tx
// packet, for metrics/debugging only.
func (c *Connection) LastSeqAck() (txSeq, txAck uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txPacket == nil {
		return 0, 0
	}
	return c.txPacket.Seq, c.txPacket.Ack
}
