// Package udpmcast implements frame.Transport over a UDP multicast
// group, standing in for real 802.11 hardware so the server and
// cmd/probectl can run on a laptop with no monitor-mode interface or
// modified WLAN firmware at all.
package udpmcast

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"

	"github.com/mirrorbit/probetun/pkg/frame"
)

// pollInterval bounds how long a single ReadFromUDP call blocks before
// Recv re-checks ctx, so Unbind never waits longer than this for the
// inbound loop to notice cancellation.
const pollInterval = 500 * time.Millisecond

const maxDatagram = 6 + 6 + 1 + 32 + 1 + 2 + 238 // srcmac+dstmac+ssidlen+ssid+hasvendor+vendorlen+vendor

// Adapter is a frame.Transport carrying (src_mac, dst_mac, ssid_ie,
// vendor_ie) tuples as UDP multicast datagrams instead of real
// management frames.
type Adapter struct {
	conn  *net.UDPConn
	group *net.UDPAddr
}

// Open joins the multicast group addr (e.g. "239.7.7.7:7734") on
// iface. iface may be empty to let the kernel pick.
func Open(addr, iface string) (*Adapter, error) {
	group, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udpmcast: resolve %s: %w", addr, err)
	}

	var ifi *net.Interface
	if iface != "" {
		ifi, err = net.InterfaceByName(iface)
		if err != nil {
			return nil, fmt.Errorf("udpmcast: interface %s: %w", iface, err)
		}
	}

	conn, err := net.ListenMulticastUDP("udp", ifi, group)
	if err != nil {
		return nil, fmt.Errorf("udpmcast: listen %s: %w", addr, err)
	}

	return &Adapter{conn: conn, group: group}, nil
}

// Fd returns the raw file descriptor of the multicast socket, via
// github.com/higebu/netfd, for the SO_RCVBUF / queued-byte
// diagnostics pkg/metrics scrapes.
func (a *Adapter) Fd() int {
	return netfd.GetFdFromConn(a.conn)
}

// RecvBufDiagnostics reports the kernel's configured receive buffer
// size and the number of bytes currently queued on the socket, read
// via golang.org/x/sys/unix directly on Fd().
func (a *Adapter) RecvBufDiagnostics() (rcvbuf, queued int, err error) {
	fd := a.Fd()
	rcvbuf, err = unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
	if err != nil {
		return 0, 0, fmt.Errorf("udpmcast: SO_RCVBUF: %w", err)
	}
	n, err := unix.IoctlGetInt(fd, unix.SIOCINQ)
	if err != nil {
		return rcvbuf, 0, fmt.Errorf("udpmcast: SIOCINQ: %w", err)
	}
	return rcvbuf, n, nil
}

// Recv blocks until a datagram arrives, ctx is cancelled, or the
// socket is closed.
func (a *Adapter) Recv(ctx context.Context) (frame.Frame, error) {
	buf := make([]byte, maxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return frame.Frame{}, err
		}
		a.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, _, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return frame.Frame{}, fmt.Errorf("udpmcast: read: %w", err)
		}
		return decode(buf[:n])
	}
}

// Send writes f to the multicast group.
func (a *Adapter) Send(ctx context.Context, f frame.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.conn.WriteToUDP(encode(f), a.group)
	if err != nil {
		return fmt.Errorf("udpmcast: write: %w", err)
	}
	return nil
}

// Close leaves the multicast group and closes the socket.
func (a *Adapter) Close() error {
	return a.conn.Close()
}

// encode/decode are this adapter's own wire format: they carry the
// same tuple real hardware would, not the tunnel's SSID/vendor IE
// bytes reinterpreted as anything — pkg/wire never sees this format.
func encode(f frame.Frame) []byte {
	out := make([]byte, 0, maxDatagram)
	out = append(out, f.SrcMAC[:]...)
	out = append(out, f.DstMAC[:]...)

	ssidLen := byte(len(f.SSIDIE))
	out = append(out, ssidLen)
	out = append(out, f.SSIDIE...)

	if f.VendorIE == nil {
		out = append(out, 0)
		return out
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(f.VendorIE)))
	out = append(out, 1)
	out = append(out, lenBuf[:]...)
	out = append(out, f.VendorIE...)
	return out
}

func decode(b []byte) (frame.Frame, error) {
	var f frame.Frame
	if len(b) < 6+6+1 {
		return f, fmt.Errorf("udpmcast: datagram too short")
	}
	copy(f.SrcMAC[:], b[0:6])
	copy(f.DstMAC[:], b[6:12])

	ssidLen := int(b[12])
	rest := b[13:]
	if len(rest) < ssidLen+1 {
		return f, fmt.Errorf("udpmcast: truncated ssid ie")
	}
	f.SSIDIE = append([]byte(nil), rest[:ssidLen]...)
	rest = rest[ssidLen:]

	hasVendor := rest[0]
	rest = rest[1:]
	if hasVendor == 0 {
		return f, nil
	}
	if len(rest) < 2 {
		return f, fmt.Errorf("udpmcast: truncated vendor ie length")
	}
	vendorLen := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) < vendorLen {
		return f, fmt.Errorf("udpmcast: truncated vendor ie")
	}
	f.VendorIE = append([]byte(nil), rest[:vendorLen]...)
	return f, nil
}
