// Package frame defines the boundary between the tunnel core
// (pkg/wire, pkg/conn, pkg/connqueue, pkg/server) and whatever
// actually carries 802.11 management frames: the kernel multicast
// transport, the driver transmit path and the MAC/IE parser all live
// behind this interface, implemented by two concrete adapters
// (pkg/frame/monitor, pkg/frame/udpmcast).
package frame

import "context"

// Frame is one inbound or outbound management frame, reduced to the
// fields pkg/server needs: addressing plus the two information
// elements. SSIDIE is always present on something worth dispatching;
// VendorIE is nil when the frame carries no vendor-specific IE at all.
type Frame struct {
	SrcMAC, DstMAC [6]byte
	SSIDIE         []byte
	VendorIE       []byte
}

// Source is an inbound channel of Frames. Recv blocks until a frame is
// available, ctx is cancelled, or the underlying transport is closed,
// in which case it returns an error satisfying errors.Is(err,
// context.Canceled) or a transport-specific close error respectively.
// Implementations are free to apply their own short poll timeout
// internally as long as Recv still honours ctx.
type Source interface {
	Recv(ctx context.Context) (Frame, error)
}

// Sink is an outbound channel of Frames.
type Sink interface {
	Send(ctx context.Context, f Frame) error
}

// Transport is a bidirectional frame channel with a lifetime of its
// own, implemented by both pkg/frame/monitor and pkg/frame/udpmcast.
type Transport interface {
	Source
	Sink
	Close() error
}
