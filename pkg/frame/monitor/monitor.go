// Package monitor implements frame.Transport over a real monitor-mode
// 802.11 interface using github.com/google/gopacket and
// github.com/google/gopacket/pcap, the same libraries the retrieved
// sniffer/injector pack uses for raw 802.11 frame capture and
// injection.
package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/sirupsen/logrus"

	"github.com/mirrorbit/probetun/pkg/frame"
)

// ErrClosed is returned by Recv once the underlying pcap handle has
// been closed and its packet channel has drained.
var ErrClosed = errors.New("monitor: transport closed")

// Adapter is a frame.Transport backed by one pcap handle opened in
// monitor mode. Inbound frames are filtered to probe requests;
// outbound frames are serialised as probe responses and written back
// out the same handle.
type Adapter struct {
	handle  *pcap.Handle
	packets chan gopacket.Packet
	log     *logrus.Entry
}

// Open starts capturing on iface, which must already be in monitor
// mode — this only consumes the interface, it never reconfigures it.
func Open(iface string, log *logrus.Logger) (*Adapter, error) {
	handle, err := pcap.OpenLive(iface, 65536, true, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("monitor: open %s: %w", iface, err)
	}
	if err := handle.SetBPFFilter("type mgt subtype probe-req"); err != nil {
		handle.Close()
		return nil, fmt.Errorf("monitor: set filter: %w", err)
	}

	src := gopacket.NewPacketSource(handle, handle.LinkType())
	a := &Adapter{handle: handle, packets: src.Packets()}
	if log != nil {
		a.log = log.WithField("iface", iface)
	}
	return a, nil
}

// Recv blocks for the next probe request, extracting SA/DA and the IE
// TLV list: SSID (IE type 0) is required, vendor-specific (IE type
// 221) is optional.
func (a *Adapter) Recv(ctx context.Context) (frame.Frame, error) {
	select {
	case pkt, ok := <-a.packets:
		if !ok {
			return frame.Frame{}, ErrClosed
		}
		return a.toFrame(pkt)
	case <-ctx.Done():
		return frame.Frame{}, ctx.Err()
	}
}

func (a *Adapter) toFrame(pkt gopacket.Packet) (frame.Frame, error) {
	dot11Layer := pkt.Layer(layers.LayerTypeDot11)
	if dot11Layer == nil {
		return frame.Frame{}, fmt.Errorf("monitor: packet has no 802.11 layer")
	}
	dot11, _ := dot11Layer.(*layers.Dot11)

	var f frame.Frame
	copy(f.SrcMAC[:], dot11.Address2)
	copy(f.DstMAC[:], dot11.Address1)

	for _, l := range pkt.Layers() {
		ie, ok := l.(*layers.Dot11InformationElement)
		if !ok {
			continue
		}
		switch ie.ID {
		case layers.Dot11InformationElementIDSSID:
			f.SSIDIE = append([]byte(nil), ie.Info...)
		case 221:
			f.VendorIE = append([]byte(nil), ie.Info...)
		}
	}

	if f.SSIDIE == nil {
		return frame.Frame{}, fmt.Errorf("monitor: probe request missing SSID IE")
	}
	return f, nil
}

// Send serialises f as a probe response and writes it to the pcap
// handle. f.SSIDIE/f.VendorIE are raw, un-framed IE bodies (pkg/wire's
// GenerateSSIDIE/GenerateVendorIE, not the *Framed variants); the
// type/length TLV header itself is added here via
// layers.Dot11InformationElement so toFrame can parse its own injected
// frames back the same way it parses a real client's.
func (a *Adapter) Send(ctx context.Context, f frame.Frame) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	dot11 := &layers.Dot11{
		Type:     layers.Dot11TypeMgmtProbeResp,
		Address1: f.DstMAC[:],
		Address2: f.SrcMAC[:],
		Address3: f.DstMAC[:],
	}
	probeResp := &layers.Dot11MgmtProbeResp{}

	ssidIE := &layers.Dot11InformationElement{
		ID:     layers.Dot11InformationElementIDSSID,
		Length: uint8(len(f.SSIDIE)),
		Info:   f.SSIDIE,
	}

	layersToSerialize := []gopacket.SerializableLayer{
		&layers.RadioTap{},
		dot11,
		probeResp,
		ssidIE,
	}
	if f.VendorIE != nil {
		vendorIE := &layers.Dot11InformationElement{
			ID:     221,
			Length: uint8(len(f.VendorIE)),
			Info:   f.VendorIE,
		}
		layersToSerialize = append(layersToSerialize, vendorIE)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, layersToSerialize...); err != nil {
		return fmt.Errorf("monitor: serialise probe response: %w", err)
	}

	if err := a.handle.WritePacketData(buf.Bytes()); err != nil {
		if a.log != nil {
			a.log.WithError(err).Warn("probe response injection failed")
		}
		return fmt.Errorf("monitor: write packet: %w", err)
	}
	return nil
}

// Close releases the pcap handle.
func (a *Adapter) Close() error {
	a.handle.Close()
	return nil
}
