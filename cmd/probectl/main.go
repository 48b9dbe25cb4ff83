// Command probectl is a scriptable smoke-test client: it drives one
// tunnel connection against pkg/frame/udpmcast's development adapter,
// running the stage-1/stage-2 handshake and one stop-and-wait data
// round trip, then exits. It is deliberately not an interactive shell
// or a general client product, just enough to exercise pkg/wire and a
// frame.Transport end to end without real 802.11 hardware.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/mirrorbit/probetun/pkg/frame"
	"github.com/mirrorbit/probetun/pkg/frame/udpmcast"
	"github.com/mirrorbit/probetun/pkg/wire"
)

func main() {
	var (
		srvID    = flag.Uint8("srv-id", 1, "server ID to address (must match probetund's --srv-id)")
		udpAddr  = flag.String("udp-addr", "239.7.7.7:7734", "multicast group:port matching probetund's --udp-addr")
		udpIface = flag.String("udp-iface", "", "interface to join the udpmcast group on")
		payload  = flag.String("payload", "hello from probectl", "payload to send once the connection is open")
		timeout  = flag.Duration("timeout", 5*time.Second, "overall deadline for the handshake and round trip")
	)
	flag.Parse()

	if err := run(*srvID, *udpAddr, *udpIface, *payload, *timeout); err != nil {
		fmt.Fprintln(os.Stderr, "probectl:", err)
		os.Exit(1)
	}
}

func run(srvID uint8, udpAddr, udpIface, payload string, timeout time.Duration) error {
	t, err := udpmcast.Open(udpAddr, udpIface)
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer t.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var iv [4]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return fmt.Errorf("generate client IV: %w", err)
	}

	rsp1, err := stage1(ctx, t, srvID, iv)
	if err != nil {
		return fmt.Errorf("stage 1: %w", err)
	}
	fmt.Printf("stage 1 complete: client_id=%d server_vendor_ie=%v\n", rsp1.ClientID, rsp1.Pay1[5] == 0x02)

	clientID := rsp1.ClientID
	clientVendorIE := true // probectl always offers a vendor IE in REQ1

	if _, err := stage2(ctx, t, srvID, clientID, clientVendorIE); err != nil {
		return fmt.Errorf("stage 2: %w", err)
	}
	mtu := 28
	if clientVendorIE && rsp1.Pay1[5] == 0x02 {
		mtu = 264
	}
	fmt.Printf("stage 2 complete: mtu=%d\n", mtu)

	resp, err := dataRoundTrip(ctx, t, srvID, clientID, []byte(payload))
	if err != nil {
		return fmt.Errorf("data round trip: %w", err)
	}
	fmt.Printf("echoed %d bytes: %q\n", len(resp), resp)
	return nil
}

// stage1 sends CON_INIT_REQ1 and waits for the matching CON_INIT_RSP1,
// retrying on timeout the way a real client would on a lost frame.
func stage1(ctx context.Context, t frame.Transport, srvID uint8, iv [4]byte) (*wire.Packet, error) {
	req := &wire.Packet{
		SrvID:    srvID,
		ClientID: 0,
		Seq:      1,
		IsCtrl:   true,
		CtrlType: wire.CtrlInitReq1,
		Pay1:     append([]byte{byte(wire.CtrlInitReq1)}, iv[:]...),
		Pay2:     append([]byte{}, iv[:]...), // offering vendor-IE support
	}
	return roundTrip(ctx, t, req, wire.CtrlInitRsp1)
}

func stage2(ctx context.Context, t frame.Transport, srvID, clientID uint8, vendorIECapable bool) (*wire.Packet, error) {
	capByte := byte(0x01)
	if vendorIECapable {
		capByte = 0x02
	}
	req := &wire.Packet{
		SrvID:    srvID,
		ClientID: clientID,
		Seq:      2,
		Ack:      1,
		IsCtrl:   true,
		CtrlType: wire.CtrlInitReq2,
		Pay1:     []byte{byte(wire.CtrlInitReq2), 0, 0, 0, 0, capByte},
	}
	return roundTrip(ctx, t, req, wire.CtrlInitRsp2)
}

// dataRoundTrip delivers payload and then polls with empty data frames
// until the server's echo drains back: the server can only carry bytes
// to us inside a response, and its application loop enqueues the echo
// asynchronously, so the first response after the payload is usually
// empty.
func dataRoundTrip(ctx context.Context, t frame.Transport, srvID, clientID uint8, payload []byte) ([]byte, error) {
	pay1, pay2 := payload, []byte(nil)
	if len(pay1) > wire.MaxPay1 {
		pay2 = pay1[wire.MaxPay1:]
		pay1 = pay1[:wire.MaxPay1]
		if len(pay2) > wire.MaxPay2 {
			pay2 = pay2[:wire.MaxPay2]
		}
	}

	seq := uint8(3) // stage-2 used seq 2
	req := &wire.Packet{
		SrvID: srvID, ClientID: clientID,
		Seq: seq, Ack: 2,
		Pay1: pay1, Pay2: pay2,
	}
	for {
		resp, err := sendAndRecv(ctx, t, req)
		if err != nil {
			return nil, err
		}
		if len(resp.Pay1)+len(resp.Pay2) > 0 {
			return append(append([]byte{}, resp.Pay1...), resp.Pay2...), nil
		}

		seq = (seq + 1) & 0x0F
		req = &wire.Packet{SrvID: srvID, ClientID: clientID, Seq: seq, Ack: resp.Seq}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// roundTrip sends req once, then reads frames until one decodes to a
// control packet of the expected type or ctx's deadline expires —
// multicast loopback means probectl typically receives its own
// request back first, which this simply skips.
func roundTrip(ctx context.Context, t frame.Transport, req *wire.Packet, want wire.CtrlType) (*wire.Packet, error) {
	if err := send(ctx, t, req); err != nil {
		return nil, err
	}
	for {
		p, err := recvPacket(ctx, t)
		if err != nil {
			return nil, err
		}
		if p.IsCtrl && p.CtrlType == want {
			return p, nil
		}
	}
}

// sendAndRecv sends a data frame and waits for the server's data
// response. Multicast loopback delivers our own request back to us
// too, and a data frame can't be told apart by control type the way
// the handshake stages can — so anything that re-serialises to the
// exact SSID IE we just sent is skipped.
func sendAndRecv(ctx context.Context, t frame.Transport, req *wire.Packet) (*wire.Packet, error) {
	sent := wire.GenerateSSIDIE(req)
	if err := send(ctx, t, req); err != nil {
		return nil, err
	}
	for {
		p, err := recvPacket(ctx, t)
		if err != nil {
			return nil, err
		}
		if p.IsCtrl || bytes.Equal(wire.GenerateSSIDIE(p), sent) {
			continue
		}
		return p, nil
	}
}

func send(ctx context.Context, t frame.Transport, req *wire.Packet) error {
	out := frame.Frame{
		SSIDIE:   wire.GenerateSSIDIE(req),
		VendorIE: wire.GenerateVendorIE(req),
	}
	return t.Send(ctx, out)
}

func recvPacket(ctx context.Context, t frame.Transport) (*wire.Packet, error) {
	for {
		f, err := t.Recv(ctx)
		if err != nil {
			return nil, err
		}
		if err := wire.CheckLengthChecksum(f.SSIDIE, f.VendorIE); err != nil {
			continue
		}
		p, err := wire.Parse(f.SrcMAC, f.DstMAC, f.SSIDIE, f.VendorIE)
		if err != nil {
			continue
		}
		return p, nil
	}
}
