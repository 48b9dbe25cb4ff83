// Package conn implements the per-client connection state machine:
// the two-stage handshake, MTU negotiation, stop-and-wait ARQ with
// 4-bit sequence/ack fields, and teardown.
package conn

import (
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/mirrorbit/probetun/pkg/wire"
)

// Connection is one logical tunnel to a client. All fields below
// mtu/state-affecting ones are written only by the listener goroutine
// that owns the dispatcher; Read/Send/Shutdown are the
// only methods an application goroutine calls directly, and they only
// ever touch the queues and the state field through mu.
type Connection struct {
	mu sync.Mutex

	ClientID uint8
	SrvID    uint8

	ClientIV      uint32
	ClientIVBytes [4]byte
	ClientSAFirst [6]byte

	state State

	txVendorIEAllowed  bool
	rxVendorIEPossible bool
	mtu                int

	lastRxPacket *wire.Packet
	txPacket     *wire.Packet

	inQueue  chunkQueue
	outQueue chunkQueue

	lastActivity time.Time

	// TraceID correlates log lines and metrics for this connection. It
	// is never placed on the wire and never used as protocol identity.
	TraceID xid.ID

	log *logrus.Entry

	// onAcceptChange is set by the connection table so that a
	// transition into or out of PENDING_ACCEPT can wake accept()
	// waiters. nil is a valid value (used in unit tests).
	onAcceptChange func()
}

// serverVendorIECapable reports whether this server implementation
// can itself emit a vendor IE. It is a build-time/config capability,
// not negotiated per connection, and is read by newFromReq1.
var serverVendorIECapable = true

// SetServerVendorIECapable overrides the default (true) capability
// advertised in CON_INIT_RSP1. Intended for tests and for
// cmd/probetund wiring an adapter that cannot emit vendor IEs.
func SetServerVendorIECapable(v bool) { serverVendorIECapable = v }

// NewFromReq1 creates a Connection in response to the first valid
// CON_INIT_REQ1 seen for an unassigned IV. clientID is allocated by
// the caller's connection table; id 0 is never passed
// here. It returns the new Connection together with the RSP1 it must
// be sent — the caller (the dispatcher) is responsible for actually
// transmitting it.
func NewFromReq1(clientID, srvID uint8, req *wire.Packet, log *logrus.Logger) (*Connection, *wire.Packet, error) {
	if err := validateReq1(req); err != nil {
		return nil, nil, err
	}

	var ivBytes [4]byte
	copy(ivBytes[:], req.Pay1[1:5])
	iv := uint32(ivBytes[0])<<24 | uint32(ivBytes[1])<<16 | uint32(ivBytes[2])<<8 | uint32(ivBytes[3])

	c := &Connection{
		ClientID:           clientID,
		SrvID:              srvID,
		ClientIV:           iv,
		ClientIVBytes:      ivBytes,
		ClientSAFirst:      req.SrcMAC,
		state:              StatePendingOpen,
		rxVendorIEPossible: req.Pay2 != nil,
		lastRxPacket:       req,
		lastActivity:       time.Now(),
		TraceID:            xid.New(),
	}
	if log != nil {
		c.log = log.WithFields(logrus.Fields{"trace_id": c.TraceID.String(), "client_id": clientID})
	}

	caps := capVendorIEUnsupported
	if serverVendorIECapable {
		caps = capVendorIESupported
	}

	rsp1 := &wire.Packet{
		SrcMAC:   req.DstMAC,
		DstMAC:   req.SrcMAC,
		ClientID: clientID,
		SrvID:    srvID,
		Seq:      1,
		Ack:      req.Seq,
		IsCtrl:   true,
		CtrlType: wire.CtrlInitRsp1,
		Pay1:     append([]byte{byte(wire.CtrlInitRsp1)}, append(append([]byte{}, ivBytes[:]...), caps)...),
	}
	if caps == capVendorIESupported {
		rsp1.Pay2 = append([]byte{}, ivBytes[:]...)
	}

	c.txPacket = rsp1
	return c, rsp1, nil
}

func validateReq1(req *wire.Packet) error {
	if !req.IsCtrl || req.CtrlType != wire.CtrlInitReq1 {
		return errInvalidStage("REQ1", "not a CON_INIT_REQ1 frame")
	}
	if len(req.Pay1) < 5 {
		return errInvalidStage("REQ1", "pay1 too short to carry an IV")
	}
	return nil
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MTU returns the negotiated maximum chunk size. It is 0 until stage 2
// completes.
func (c *Connection) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

func (c *Connection) setState(s State) {
	was := c.state
	c.state = s
	if (was == StatePendingAccept) != (s == StatePendingAccept) && c.onAcceptChange != nil {
		c.onAcceptChange()
	}
	if c.log != nil {
		c.log.WithFields(logrus.Fields{"from": was.String(), "to": s.String()}).Debug("state transition")
	}
}

// SetAcceptChangeNotify wires the connection table's broadcast hook.
// Called exactly once, by the table, right after NewFromReq1.
func (c *Connection) SetAcceptChangeNotify(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAcceptChange = fn
	// The connection is created already in PENDING_OPEN, so there is
	// nothing to signal yet; the hook only matters for later
	// transitions.
}

// Accept transitions a PENDING_ACCEPT connection to OPEN. It is
// called by the connection table's Accept(), never directly.
func (c *Connection) Accept() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePendingAccept {
		return false
	}
	c.setState(StateOpen)
	return true
}

// Delete force-finalises the connection. Used by the idle sweep for a
// connection stuck in PENDING_CLOSE whose peer never probed again to
// collect the RESET — without it the client ID would never return to
// the free pool.
func (c *Connection) Delete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setState(StateDelete)
}

// IdleSince reports how long it has been since the last inbound frame
// on this connection.
func (c *Connection) IdleSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

type invalidStageError struct {
	stage, reason string
}

func (e *invalidStageError) Error() string { return "conn: invalid " + e.stage + ": " + e.reason }

func errInvalidStage(stage, reason string) error { return &invalidStageError{stage, reason} }
