package udpmcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorbit/probetun/pkg/frame"
)

func TestEncodeDecode_RoundTrip_NoVendorIE(t *testing.T) {
	f := frame.Frame{
		SrcMAC: [6]byte{1, 2, 3, 4, 5, 6},
		DstMAC: [6]byte{9, 9, 9, 9, 9, 9},
		SSIDIE: make([]byte, 32),
	}
	got, err := decode(encode(f))
	require.NoError(t, err)
	assert.Equal(t, f.SrcMAC, got.SrcMAC)
	assert.Equal(t, f.DstMAC, got.DstMAC)
	assert.Equal(t, f.SSIDIE, got.SSIDIE)
	assert.Nil(t, got.VendorIE)
}

func TestEncodeDecode_RoundTrip_WithVendorIE(t *testing.T) {
	f := frame.Frame{
		SrcMAC:   [6]byte{1, 2, 3, 4, 5, 6},
		DstMAC:   [6]byte{9, 9, 9, 9, 9, 9},
		SSIDIE:   make([]byte, 32),
		VendorIE: make([]byte, 238),
	}
	for i := range f.VendorIE {
		f.VendorIE[i] = byte(i)
	}

	got, err := decode(encode(f))
	require.NoError(t, err)
	assert.Equal(t, f.VendorIE, got.VendorIE)
}

func TestDecode_TooShort(t *testing.T) {
	_, err := decode([]byte{1, 2, 3})
	assert.Error(t, err)
}
