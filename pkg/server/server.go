// Package server implements the tunnel dispatcher:
// bind/listen/accept/unbind, inbound-frame validation and routing, and
// response emission, wiring pkg/wire, pkg/conn, pkg/connqueue and
// pkg/frame together.
package server

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirrorbit/probetun/pkg/conn"
	"github.com/mirrorbit/probetun/pkg/connqueue"
	"github.com/mirrorbit/probetun/pkg/frame"
	"github.com/mirrorbit/probetun/pkg/kernelcaps"
	"github.com/mirrorbit/probetun/pkg/wire"
)

// maxConnectionsCap is the hard ceiling on Listen's max argument:
// client IDs are 4 bits and 0 is reserved.
const maxConnectionsCap = 15

// defaultIdleTimeout bounds how long an abandoned connection holds a
// client ID before the sweep reclaims it.
const defaultIdleTimeout = 120 * time.Second

var (
	// ErrAlreadyBound is returned by Bind when called on an already
	// bound Server without an intervening Unbind.
	ErrAlreadyBound = errors.New("server: already bound")
	// ErrNotBound is returned by Listen/Accept/Unbind when called
	// before a successful Bind.
	ErrNotBound = errors.New("server: not bound")
	// ErrNotListening is returned by Accept before Listen has run.
	ErrNotListening = errors.New("server: not listening")
)

// Server is one bound tunnel endpoint. The zero value is not usable;
// construct with New.
type Server struct {
	srvID uint8
	log   *logrus.Logger

	mu        sync.Mutex
	transport frame.Transport
	queue     *connqueue.ConnectionQueue

	IdleTimeout time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics is an optional observer invoked on every dispatch
	// decision. nil is valid and simply means no metrics are recorded;
	// pkg/metrics.DispatchCounters implements this.
	Metrics Observer
}

// Observer receives dispatch-level events for pkg/metrics to turn into
// Prometheus counters, without pkg/server importing pkg/metrics.
type Observer interface {
	FrameDropped(reason string)
	ChecksumFailure()
	HandshakeStarted()
}

// New creates an unbound Server for srvID (1..15). log may be nil.
func New(srvID uint8, log *logrus.Logger) *Server {
	return &Server{srvID: srvID, log: log, IdleTimeout: defaultIdleTimeout}
}

// Bind attaches t as this server's inbound/outbound channel. Calling
// it twice without an intervening Unbind is refused with
// ErrAlreadyBound plus a log line.
func (s *Server) Bind(t frame.Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != nil {
		if s.log != nil {
			s.log.WithField("srv_id", s.srvID).Warn("bind called while already bound")
		}
		return ErrAlreadyBound
	}
	s.transport = t
	if s.log != nil {
		kernelcaps.Check().LogWarnings(s.log)
	}
	return nil
}

// Listen creates the connection table, capping max at the 4-bit ID
// space's ceiling of 15, and starts the inbound dispatch loop.
func (s *Server) Listen(max int) error {
	s.mu.Lock()
	if s.transport == nil {
		s.mu.Unlock()
		return ErrNotBound
	}
	if max > maxConnectionsCap {
		max = maxConnectionsCap
	}
	s.queue = connqueue.New(s.srvID, max, s.log)
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	t := s.transport
	s.mu.Unlock()

	s.wg.Add(2)
	go s.inboundLoop(ctx, t)
	go s.idleSweepLoop(ctx)
	return nil
}

// Accept blocks until a connection reaches PENDING_ACCEPT, transitions
// it to OPEN, and returns it.
func (s *Server) Accept(ctx context.Context) (*conn.Connection, error) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return nil, ErrNotListening
	}
	c, ok := q.Accept(ctx)
	if !ok {
		return nil, ctx.Err()
	}
	return c, nil
}

// Unbind stops the inbound loop and closes the transport.
func (s *Server) Unbind() error {
	s.mu.Lock()
	t := s.transport
	cancel := s.cancel
	s.transport = nil
	s.queue = nil
	s.mu.Unlock()

	if t == nil {
		return ErrNotBound
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return t.Close()
}

func (s *Server) idleSweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.IdleTimeout / 4)
	if s.IdleTimeout <= 0 {
		ticker = time.NewTicker(time.Minute)
	}
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			q := s.queue
			s.mu.Unlock()
			if q == nil {
				continue
			}
			if n := q.ExpireIdle(s.IdleTimeout); n > 0 && s.log != nil {
				s.log.WithField("count", n).Info("expired idle connections")
			}
			q.Sweep()
		}
	}
}

// inboundLoop takes the transport it was started with rather than
// re-reading s.transport, which Unbind nils out before the loop has
// necessarily observed cancellation.
func (s *Server) inboundLoop(ctx context.Context, t frame.Transport) {
	defer s.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		f, err := t.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.drop("transport_error")
			continue
		}
		s.handleInboundFrame(ctx, f)
	}
}

func (s *Server) handleInboundFrame(ctx context.Context, f frame.Frame) {
	if err := wire.CheckLengthChecksum(f.SSIDIE, f.VendorIE); err != nil {
		if errors.Is(err, wire.ErrChecksumMismatch) && s.Metrics != nil {
			s.Metrics.ChecksumFailure()
		}
		s.drop("malformed_frame")
		return
	}

	req, err := wire.Parse(f.SrcMAC, f.DstMAC, f.SSIDIE, f.VendorIE)
	if err != nil {
		s.drop("malformed_frame")
		return
	}

	resp, send := s.dispatch(req)
	if !send || resp == nil {
		return
	}
	s.emit(ctx, req, resp)
}

// dispatch routes one validated inbound Packet. Control frames are
// admitted by type: stage-1 REQ1 for an unseen IV allocates a row,
// everything else — repeated REQ1, REQ2, and a peer's CON_RESET — is
// routed to the existing Connection by client_id. Any other control
// type and any data frame for an unknown client_id is dropped.
func (s *Server) dispatch(req *wire.Packet) (*wire.Packet, bool) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return nil, false
	}

	if req.IsCtrl {
		switch req.CtrlType {
		case wire.CtrlInitReq1, wire.CtrlInitReq2, wire.CtrlReset:
			if req.SrvID != s.srvID {
				s.drop("wrong_srv_id")
				return nil, false
			}
			return s.dispatchControl(q, req)
		default:
			s.drop("unexpected_ctrl_type")
			return nil, false
		}
	}

	c, ok := q.GetByClientID(req.ClientID)
	if !ok {
		s.drop("unknown_client_id")
		return nil, false
	}
	return c.HandleInbound(req)
}

func (s *Server) dispatchControl(q *connqueue.ConnectionQueue, req *wire.Packet) (*wire.Packet, bool) {
	if req.CtrlType == wire.CtrlInitReq1 && req.Seq == 1 {
		iv := ivFromPay1(req.Pay1)
		if c, ok := q.GetByClientIV(iv); ok {
			return c.HandleInbound(req)
		}
		_, rsp1, err := q.ProvideNewClientSocket(req, s.log)
		if err != nil {
			s.drop("no_free_client_id")
			return nil, false
		}
		if s.Metrics != nil {
			s.Metrics.HandshakeStarted()
		}
		return rsp1, true
	}

	c, ok := q.GetByClientID(req.ClientID)
	if !ok {
		s.drop("unknown_client_id")
		return nil, false
	}
	return c.HandleInbound(req)
}

func ivFromPay1(pay1 []byte) uint32 {
	if len(pay1) < 5 {
		return 0
	}
	return uint32(pay1[1])<<24 | uint32(pay1[2])<<16 | uint32(pay1[3])<<8 | uint32(pay1[4])
}

func (s *Server) drop(reason string) {
	if s.Metrics != nil {
		s.Metrics.FrameDropped(reason)
	}
	if s.log != nil {
		s.log.WithField("reason", reason).Debug("dropped inbound frame")
	}
}

// emit serialises resp and forwards it to the outbound sink,
// randomising src_mac when the response carries none.
func (s *Server) emit(ctx context.Context, req, resp *wire.Packet) {
	srcMAC := resp.SrcMAC
	if srcMAC == ([6]byte{}) {
		srcMAC = randomMAC()
	}
	dstMAC := resp.DstMAC
	if dstMAC == ([6]byte{}) {
		dstMAC = req.SrcMAC
	}

	out := frame.Frame{
		SrcMAC:   srcMAC,
		DstMAC:   dstMAC,
		SSIDIE:   wire.GenerateSSIDIE(resp),
		VendorIE: wire.GenerateVendorIE(resp),
	}

	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return
	}
	if err := t.Send(ctx, out); err != nil && s.log != nil {
		s.log.WithError(err).Warn("failed to send response frame")
	}
}

// randomMAC generates a locally-administered, non-multicast MAC
// address, so probe responses can't be fingerprinted across scans by
// a fixed placeholder source address.
func randomMAC() [6]byte {
	var m [6]byte
	rand.Read(m[:])
	m[0] = (m[0] | 0x02) & 0xfe
	return m
}

// Queue exposes the underlying ConnectionQueue for diagnostics and
// pkg/metrics; nil before Listen.
func (s *Server) Queue() *connqueue.ConnectionQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue
}
