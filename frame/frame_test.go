package frame

import (
	"bytes"
	"net"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFrame_MarshalBRDGolden(t *testing.T) {
	f := &Frame{Datagrams: []*Datagram{NewRead(BRD, Broadcast(0x0000), 2)}}

	b, err := f.MarshalBinary()
	require.NoError(t, err)

	want := []byte{
		0x0E, 0x10, // len 14, type 1
		0x07, 0x00, // BRD, idx 0
		0x00, 0x00, 0x00, 0x00, // adp, ado
		0x02, 0x00, // len 2, last datagram
		0x00, 0x00, // irq
		0x00, 0x00, // data
		0x00, 0x00, // wkc
	}
	assert.Equal(t, want, b)
}

func TestFrame_MarshalMoreBit(t *testing.T) {
	d1 := New(APWR, Position(2, 0x0010), []byte{0x02, 0x10})
	d1.Index = 7
	d2 := NewRead(FPRD, Station(0x1002, 0x0130), 2)
	d2.Index = 8
	f := &Frame{Datagrams: []*Datagram{d1, d2}}

	b, err := f.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, f.Size())

	// APWR at position 2 addresses ADP 0xFFFE
	assert.Equal(t, []byte{0x02, 0x07, 0xFE, 0xFF, 0x10, 0x00, 0x02, 0x80}, b[2:10])
	assert.Equal(t, []byte{0x04, 0x08, 0x02, 0x10, 0x30, 0x01, 0x02, 0x00}, b[16:24])
}

func TestFrame_UnmarshalRoundTrip(t *testing.T) {
	d := New(LRW, 0x00010000, []byte{1, 2, 3, 4})
	d.Index = 0x42
	d.WKC = 3
	d.IRQ = 0x0102
	d.Circulating = true
	src := &Frame{Datagrams: []*Datagram{d, NewRead(BRD, Broadcast(0x0130), 2)}}

	b, err := src.MarshalBinary()
	require.NoError(t, err)

	// trailing padding is ignored
	b = append(b, make([]byte, 20)...)

	var got Frame
	require.NoError(t, got.UnmarshalBinary(b))
	if diff := cmp.Diff(src, &got); diff != "" {
		t.Fatalf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestFrame_UnmarshalErrors(t *testing.T) {
	good, err := (&Frame{Datagrams: []*Datagram{NewRead(BRD, 0, 4)}}).MarshalBinary()
	require.NoError(t, err)

	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"empty", nil, ErrShortBuffer},
		{"bad type", []byte{0x10, 0x20, 0, 0}, ErrFrameType},
		{"truncated", good[:len(good)-3], ErrShortBuffer},
		{"header too short for datagram", func() []byte {
			b := bytes.Clone(good)
			b[0] = 0x05
			return b
		}(), ErrShortBuffer},
		{"header longer than chain", func() []byte {
			b := append(bytes.Clone(good), 0, 0)
			b[0] += 2
			return b
		}(), ErrLengthMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Frame
			err := f.UnmarshalBinary(tt.in)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFrame_MarshalLimits(t *testing.T) {
	_, err := (&Frame{}).MarshalBinary()
	require.ErrorIs(t, err, ErrEmptyFrame)

	_, err = (&Frame{Datagrams: []*Datagram{NewRead(LRD, 0, MaxDataSize+1)}}).MarshalBinary()
	require.ErrorIs(t, err, ErrFrameTooLarge)

	b, err := (&Frame{Datagrams: []*Datagram{NewRead(LRD, 0, MaxDataSize)}}).MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, b, 1500)
}

func TestPack(t *testing.T) {
	dgs := []*Datagram{
		NewRead(LRW, 0, 1000),
		NewRead(LRW, 1000, 400),
		NewRead(LRW, 1400, 200),
		NewRead(FRMW, Station(0x1000, 0x0910), 8),
	}

	frames, err := Pack(dgs)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Len(t, frames[0].Datagrams, 2)
	assert.Len(t, frames[1].Datagrams, 2)
	for _, f := range frames {
		assert.LessOrEqual(t, f.Size()-HeaderSize, MaxPayload)
	}

	_, err = Pack([]*Datagram{NewRead(LRW, 0, MaxDataSize+1)})
	require.ErrorIs(t, err, ErrDatagramTooLarge)

	frames, err = Pack(nil)
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestPack_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sizes := rapid.SliceOfN(rapid.IntRange(0, MaxDataSize), 1, 12).Draw(t, "sizes")
		dgs := make([]*Datagram, len(sizes))
		for i, n := range sizes {
			dgs[i] = NewRead(LRD, uint32(i), n)
		}

		frames, err := Pack(dgs)
		if err != nil {
			t.Fatalf("pack: %v", err)
		}

		i := 0
		for _, f := range frames {
			if f.Size()-HeaderSize > MaxPayload {
				t.Fatalf("frame exceeds payload: %d", f.Size())
			}
			for _, d := range f.Datagrams {
				if d != dgs[i] {
					t.Fatalf("datagram order changed at %d", i)
				}
				i++
			}
		}
		if i != len(dgs) {
			t.Fatalf("packed %d of %d datagrams", i, len(dgs))
		}
	})
}

func TestDatagram_CodecProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "count")
		src := &Frame{}
		for i := 0; i < n; i++ {
			d := &Datagram{
				Command:     Command(rapid.IntRange(0, int(FRMW)).Draw(t, "cmd")),
				Index:       rapid.Byte().Draw(t, "idx"),
				Address:     rapid.Uint32().Draw(t, "addr"),
				Circulating: rapid.Bool().Draw(t, "c"),
				IRQ:         rapid.Uint16().Draw(t, "irq"),
				Data:        rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "data"),
				WKC:         rapid.Uint16().Draw(t, "wkc"),
			}
			src.Datagrams = append(src.Datagrams, d)
		}

		b, err := src.MarshalBinary()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var got Frame
		if err := got.UnmarshalBinary(b); err != nil {
			t.Fatalf("unmarshal %s: %v", spew.Sdump(b), err)
		}
		if diff := cmp.Diff(src, &got, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestEthernet_RoundTrip(t *testing.T) {
	f := &Frame{Datagrams: []*Datagram{NewRead(BRD, 0, 2)}}

	b, err := MarshalEthernet(DefaultSourceMAC, f)
	require.NoError(t, err)
	assert.Len(t, b, 60, "padded to the Ethernet minimum")
	assert.Equal(t, []byte{0x88, 0xA4}, b[12:14])

	got, src, err := UnmarshalEthernet(b)
	require.NoError(t, err)
	assert.Equal(t, DefaultSourceMAC, src)
	require.Len(t, got.Datagrams, 1)
	assert.Equal(t, BRD, got.Datagrams[0].Command)
}

func TestEthernet_NotEtherCAT(t *testing.T) {
	b, err := MarshalEthernet(DefaultSourceMAC, &Frame{Datagrams: []*Datagram{NewRead(BRD, 0, 2)}})
	require.NoError(t, err)
	b[12], b[13] = 0x08, 0x00

	_, _, err = UnmarshalEthernet(b)
	require.ErrorIs(t, err, ErrNotEtherCAT)
}

func TestReturnedSource(t *testing.T) {
	src := net.HardwareAddr{0x01, 0x01, 0x01, 0x01, 0x01, 0x01}
	ret := ReturnedSource(src)
	assert.Equal(t, net.HardwareAddr{0x03, 0x01, 0x01, 0x01, 0x01, 0x01}, ret)
	assert.Equal(t, byte(0x01), src[0])
}

func TestCommand(t *testing.T) {
	assert.Equal(t, "LRW", LRW.String())
	assert.Equal(t, "Command(0x20)", Command(0x20).String())
	assert.True(t, APRD.IsPositional())
	assert.True(t, FRMW.IsConfigured())
	assert.True(t, BWR.IsBroadcast())
	assert.True(t, LRW.IsLogical())
	assert.True(t, LRW.Reads() && LRW.Writes())
	assert.False(t, BWR.Reads())
	assert.False(t, FPRD.Writes())
	assert.False(t, Command(0x0F).Valid())
}
