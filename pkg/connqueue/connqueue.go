// Package connqueue implements the server-side connection table:
// client-ID allocation, indexing by client-IV and client-ID, and the
// accept-queue change signal accept() blocks on.
package connqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirrorbit/probetun/pkg/conn"
	"github.com/mirrorbit/probetun/pkg/wire"
)

// ErrExhausted is returned by ProvideNewClientSocket when every client
// ID in 1..max is already assigned.
type ErrExhausted struct{ Max int }

func (e *ErrExhausted) Error() string {
	return fmt.Sprintf("connqueue: all client IDs in use (max %d)", e.Max)
}

// ConnectionQueue owns every live Connection for one bound server ID.
// It is the only place client IDs are allocated or released, and the
// only place a Connection is looked up by client-IV or client-ID.
// Source MAC is never a lookup key: some clients rotate it between
// scans.
type ConnectionQueue struct {
	mu sync.Mutex

	srvID uint8
	max   int

	freeIDs []uint8 // stack, popped from the top
	byIV    map[uint32]*conn.Connection
	byID    map[uint8]*conn.Connection

	// acceptCh is closed and replaced every time a Connection enters or
	// leaves PENDING_ACCEPT, waking any blocked Accept call. Holding a
	// reference to the channel before checking state and then selecting
	// on it afterwards is what makes the wait race-free: a change that
	// lands between the check and the select still closes the channel
	// the waiter already holds.
	acceptCh chan struct{}

	log *logrus.Entry
}

// New creates an empty table for srvID with client IDs 1..max
// available (max must be in 1..15; the client-ID field is 4 bits and
// 0 is reserved for unassigned clients).
func New(srvID uint8, max int, log *logrus.Logger) *ConnectionQueue {
	if max > 15 {
		max = 15
	}
	free := make([]uint8, 0, max)
	for i := 1; i <= max; i++ {
		free = append(free, uint8(i)) // pre-pushed 1..max, so max is on top and popped first
	}

	q := &ConnectionQueue{
		srvID:    srvID,
		max:      max,
		freeIDs:  free,
		byIV:     make(map[uint32]*conn.Connection),
		byID:     make(map[uint8]*conn.Connection),
		acceptCh: make(chan struct{}),
	}
	if log != nil {
		q.log = log.WithField("srv_id", srvID)
	}
	return q
}

// GetByClientIV returns the Connection tracking iv, if any. Used to
// detect a repeated stage-1 CON_INIT_REQ1 before a client ID exists.
func (q *ConnectionQueue) GetByClientIV(iv uint32) (*conn.Connection, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.byIV[iv]
	return c, ok
}

// GetByClientID returns the Connection assigned id, if any.
func (q *ConnectionQueue) GetByClientID(id uint8) (*conn.Connection, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.byID[id]
	return c, ok
}

// GetByState returns every tracked Connection currently in state s.
// Linear scan, acceptable at max 15 connections.
func (q *ConnectionQueue) GetByState(s conn.State) []*conn.Connection {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*conn.Connection
	for _, c := range q.byID {
		if c.State() == s {
			out = append(out, c)
		}
	}
	return out
}

// Snapshot returns every tracked Connection regardless of state. It is
// used by pkg/metrics to scrape per-connection gauges on every
// Prometheus Collect call: the live set is walked fresh under the
// mutex each scrape, nothing is cached between scrapes.
func (q *ConnectionQueue) Snapshot() []*conn.Connection {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*conn.Connection, 0, len(q.byID))
	for _, c := range q.byID {
		out = append(out, c)
	}
	return out
}

// ProvideNewClientSocket allocates the lowest free client ID and
// builds the Connection for req (a validated stage-1 CON_INIT_REQ1),
// indexing it by both its IV and its new ID. It returns ErrExhausted
// if every ID is in use.
func (q *ConnectionQueue) ProvideNewClientSocket(req *wire.Packet, log *logrus.Logger) (*conn.Connection, *wire.Packet, error) {
	q.mu.Lock()
	if len(q.freeIDs) == 0 {
		q.mu.Unlock()
		return nil, nil, &ErrExhausted{Max: q.max}
	}
	id := q.freeIDs[len(q.freeIDs)-1]
	q.freeIDs = q.freeIDs[:len(q.freeIDs)-1]
	q.mu.Unlock()

	c, rsp1, err := conn.NewFromReq1(id, q.srvID, req, log)
	if err != nil {
		q.mu.Lock()
		q.freeIDs = append(q.freeIDs, id)
		q.mu.Unlock()
		return nil, nil, err
	}
	c.SetAcceptChangeNotify(q.broadcastAcceptChange)

	q.mu.Lock()
	q.byIV[c.ClientIV] = c
	q.byID[id] = c
	q.mu.Unlock()

	if q.log != nil {
		q.log.WithFields(logrus.Fields{"client_id": id, "trace_id": c.TraceID.String()}).Info("new connection")
	}
	return c, rsp1, nil
}

// broadcastAcceptChange wakes every Accept waiter. It is wired into
// every Connection this table creates via SetAcceptChangeNotify.
func (q *ConnectionQueue) broadcastAcceptChange() {
	q.mu.Lock()
	defer q.mu.Unlock()
	close(q.acceptCh)
	q.acceptCh = make(chan struct{})
}

// Accept blocks until a Connection is in PENDING_ACCEPT, transitions
// it to OPEN, and returns it. It returns false if ctx is done first.
func (q *ConnectionQueue) Accept(ctx context.Context) (*conn.Connection, bool) {
	for {
		q.mu.Lock()
		ch := q.acceptCh
		var candidate *conn.Connection
		for _, c := range q.byID {
			if c.State() == conn.StatePendingAccept {
				candidate = c
				break
			}
		}
		q.mu.Unlock()

		if candidate != nil {
			if candidate.Accept() {
				return candidate, true
			}
			// Lost a race with a reset/delete between the scan and
			// Accept(); loop and look again.
			continue
		}

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Sweep removes every Connection in DELETE from the index and returns
// its client ID to the free stack. It must be called periodically by
// the dispatcher loop — nothing else reclaims IDs.
func (q *ConnectionQueue) Sweep() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, c := range q.byID {
		if c.State() != conn.StateDelete {
			continue
		}
		delete(q.byID, id)
		delete(q.byIV, c.ClientIV)
		q.freeIDs = append(q.freeIDs, id)
		n++
		if q.log != nil {
			q.log.WithField("client_id", id).Debug("client id reclaimed")
		}
	}
	return n
}

// ExpireIdle tears down every connection that has been idle longer
// than maxIdle: OPEN and mid-handshake connections are moved
// to PENDING_CLOSE via Shutdown; a connection already in PENDING_CLOSE
// whose peer never probed again to collect the RESET is finalised
// directly, so its client ID can be swept back into the free pool. It
// returns the number of connections it acted on.
func (q *ConnectionQueue) ExpireIdle(maxIdle time.Duration) int {
	q.mu.Lock()
	conns := make([]*conn.Connection, 0, len(q.byID))
	for _, c := range q.byID {
		conns = append(conns, c)
	}
	q.mu.Unlock()

	n := 0
	for _, c := range conns {
		if c.IdleSince() <= maxIdle {
			continue
		}
		switch c.State() {
		case conn.StateOpen, conn.StatePendingOpen, conn.StatePendingAccept:
			c.Shutdown()
			n++
		case conn.StatePendingClose:
			c.Delete()
			n++
		}
	}
	return n
}

// Len reports the number of Connections currently tracked, regardless
// of state.
func (q *ConnectionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}
