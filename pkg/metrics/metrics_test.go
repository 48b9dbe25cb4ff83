package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorbit/probetun/pkg/connqueue"
	"github.com/mirrorbit/probetun/pkg/wire"
)

func req1(iv byte) *wire.Packet {
	return &wire.Packet{
		SrvID:    9,
		Seq:      1,
		IsCtrl:   true,
		CtrlType: wire.CtrlInitReq1,
		Pay1:     []byte{byte(wire.CtrlInitReq1), 0, 0, 0, iv},
	}
}

func TestConnectionCollector_ScrapesLiveConnections(t *testing.T) {
	q := connqueue.New(9, 3, nil)
	_, _, err := q.ProvideNewClientSocket(req1(1), nil)
	require.NoError(t, err)

	collector := NewConnectionCollector(9, q)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(collector))

	families, err := reg.Gather()
	require.NoError(t, err)

	var sawState bool
	for _, f := range families {
		if f.GetName() == "probetun_connection_state" {
			sawState = true
			require.Len(t, f.Metric, 1)
			assertHasLabel(t, f.Metric[0], "srv_id", "9")
			assertHasLabel(t, f.Metric[0], "client_id", "3")
		}
	}
	assert.True(t, sawState, "expected probetun_connection_state to be scraped")
}

func TestDispatchCounters_IncrementOnEvents(t *testing.T) {
	d := NewDispatchCounters(9)
	reg := prometheus.NewPedanticRegistry()
	for _, c := range d.Collectors() {
		require.NoError(t, reg.Register(c))
	}

	d.FrameDropped("malformed_frame")
	d.FrameDropped("malformed_frame")
	d.ChecksumFailure()
	d.HandshakeStarted()

	families, err := reg.Gather()
	require.NoError(t, err)

	var droppedTotal, checksumTotal, handshakeTotal float64
	for _, f := range families {
		switch f.GetName() {
		case "probetun_frames_dropped_total":
			droppedTotal = f.Metric[0].GetCounter().GetValue()
		case "probetun_checksum_failures_total":
			checksumTotal = f.Metric[0].GetCounter().GetValue()
		case "probetun_handshakes_total":
			handshakeTotal = f.Metric[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(2), droppedTotal)
	assert.Equal(t, float64(1), checksumTotal)
	assert.Equal(t, float64(1), handshakeTotal)
}

type fakeDiag struct {
	rcvbuf, queued int
	err            error
}

func (f *fakeDiag) RecvBufDiagnostics() (int, int, error) { return f.rcvbuf, f.queued, f.err }

func TestRecvBufCollector_ScrapesSocketState(t *testing.T) {
	c := NewRecvBufCollector(9, &fakeDiag{rcvbuf: 212992, queued: 1024})
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	got := map[string]float64{}
	for _, f := range families {
		got[f.GetName()] = f.Metric[0].GetGauge().GetValue()
	}
	assert.Equal(t, float64(212992), got["probetun_transport_rcvbuf_bytes"])
	assert.Equal(t, float64(1024), got["probetun_transport_rcvbuf_queued_bytes"])
}

func TestRecvBufCollector_SkipsScrapeOnError(t *testing.T) {
	c := NewRecvBufCollector(9, &fakeDiag{err: assert.AnError})
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}

func assertHasLabel(t *testing.T, m *dto.Metric, name, value string) {
	t.Helper()
	for _, lp := range m.Label {
		if lp.GetName() == name {
			assert.Equal(t, value, lp.GetValue())
			return
		}
	}
	t.Fatalf("label %s not found", name)
}
