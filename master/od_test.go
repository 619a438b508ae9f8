package master

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-ecat/coe"
	"github.com/arloliu/go-ecat/sim"
)

func odIndexes(od *ObjectDictionary) []uint16 {
	idx := make([]uint16, 0, len(od.Objects))
	for _, o := range od.Objects {
		idx = append(idx, o.Index)
	}

	return idx
}

func TestReadODList(t *testing.T) {
	m, _, _ := configured(t, []sim.SlaveConfig{coeSlave("dev")})

	od, err := m.ReadODList(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, SlaveID(0), od.Slave)
	assert.Equal(t, []uint16{0x1000, 0x1008, 0x1018, 0x1600, 0x1A00, 0x1C00, 0x1C12, 0x1C13, 0x8000}, odIndexes(od))

	identity, ok := od.Object(0x1018)
	require.True(t, ok)
	want := coe.ObjectDescription{
		Index:       0x1018,
		DataType:    coe.TypeUint32,
		MaxSubIndex: 4,
		ObjectCode:  coe.ObjectArray,
		Name:        "Identity",
	}
	if diff := cmp.Diff(want, identity.ObjectDescription); diff != "" {
		t.Fatalf("object description mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, identity.Entries, 5)

	e, ok := od.Entry(0x1018, 2)
	require.True(t, ok)
	assert.Equal(t, coe.EntryDescription{
		Index: 0x1018, SubIndex: 2, DataType: coe.TypeUint32, BitLen: 32,
		Access: coe.AccessRead, Name: "Product code",
	}, e)

	name, ok := od.Object(0x1008)
	require.True(t, ok)
	assert.Equal(t, coe.ObjectVar, name.ObjectCode)
	assert.Equal(t, coe.TypeVisibleString, name.DataType)

	vendor, ok := od.Object(0x8000)
	require.True(t, ok)
	assert.Equal(t, coe.ObjectRecord, vendor.ObjectCode)
	e, ok = vendor.Entry(1)
	require.True(t, ok)
	assert.True(t, e.Access.Writable())
	assert.Equal(t, coe.TypeUint16, e.DataType)

	_, ok = od.Object(0x9999)
	assert.False(t, ok)
	_, ok = od.Entry(0x1018, 9)
	assert.False(t, ok)

	cached, err := m.ObjectDictionary(0)
	require.NoError(t, err)
	assert.Same(t, od, cached)
}

func TestReadODList_Fragmented(t *testing.T) {
	c := sim.EchoIO("dev", 1, 1)
	for i := range 60 {
		c.Objects = append(c.Objects, sim.Object{
			Index: 0x2000 + uint16(i), Value: []byte{byte(i)}, Name: fmt.Sprintf("Parameter %d", i),
		})
	}
	m, _, _ := configured(t, []sim.SlaveConfig{c}, WithCoEMapping(false))

	od, err := m.ReadODList(context.Background(), 0)
	require.NoError(t, err)
	// standard and PDO objects plus the parameters
	require.Len(t, od.Objects, 68)

	p, ok := od.Object(0x2000 + 59)
	require.True(t, ok)
	assert.Equal(t, "Parameter 59", p.Name)
	assert.Equal(t, coe.TypeUint8, p.DataType)
}

func TestReadODList_Unsupported(t *testing.T) {
	noInfo := coeSlave("noinfo")
	noInfo.NoSDOInfo = true
	m, _, _ := configured(t, []sim.SlaveConfig{sim.IO("plain", 1, 1), noInfo})
	ctx := context.Background()

	_, err := m.ReadODList(ctx, 0)
	require.ErrorIs(t, err, ErrNoSDOInfo)
	_, err = m.ReadODList(ctx, 1)
	require.ErrorIs(t, err, ErrNoSDOInfo)
	_, err = m.ReadSDOEntry(ctx, 1, 0x1018, 1)
	require.ErrorIs(t, err, ErrNoSDOInfo)
	_, err = m.ReadODList(ctx, 5)
	require.ErrorIs(t, err, ErrUnknownSlave)

	// plain SDO access is unaffected
	data, err := m.ReadSDO(ctx, 1, 0x1018, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0, 0, 0}, data)

	od, err := m.ObjectDictionary(1)
	require.NoError(t, err)
	assert.Nil(t, od)
}

func TestReadSDOEntry(t *testing.T) {
	m, _, _ := configured(t, []sim.SlaveConfig{coeSlave("dev")})
	ctx := context.Background()

	tests := []struct {
		name  string
		index uint16
		sub   uint8
		want  any
	}{
		{name: "uint32", index: 0x1018, sub: 2, want: uint32(0x04D23052)},
		{name: "uint8", index: 0x1018, sub: 0, want: uint8(4)},
		{name: "string", index: 0x1008, sub: 0, want: "dev"},
		{name: "segmented octets", index: 0x8000, sub: 2, want: bytes.Repeat([]byte{0xAB}, 200)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := m.ReadSDOEntry(ctx, 0, tt.index, tt.sub)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}

	// read on first use
	od, err := m.ObjectDictionary(0)
	require.NoError(t, err)
	require.NotNil(t, od)

	_, err = m.ReadSDOEntry(ctx, 0, 0x9999, 0)
	require.ErrorIs(t, err, ErrUnknownObject)
	_, err = m.ReadSDOEntry(ctx, 0, 0x1018, 7)
	require.ErrorIs(t, err, ErrUnknownObject)
}

func TestReadSDOObject(t *testing.T) {
	c := coeSlave("dev")
	c.Serial = 77
	m, _, _ := configured(t, []sim.SlaveConfig{c}, WithObjectDictionary(true))
	ctx := context.Background()

	identity, err := m.ReadSDOObject(ctx, 0, 0x1018)
	require.NoError(t, err)
	assert.Equal(t, []any{uint8(4), uint32(0x02), uint32(0x04D23052), uint32(0x00100000), uint32(77)}, identity)

	// a complete access beyond the mailbox continues in segments
	obj, err := m.ReadSDOObject(ctx, 0, 0x8000)
	require.NoError(t, err)
	assert.Equal(t, []any{uint8(2), uint16(0), bytes.Repeat([]byte{0xAB}, 200)}, obj)

	_, err = m.ReadSDOObject(ctx, 0, 0x9999)
	require.ErrorIs(t, err, ErrUnknownObject)
}

func TestWriteSDOEntry(t *testing.T) {
	m, seg, _ := configured(t, []sim.SlaveConfig{coeSlave("dev")})
	ctx := context.Background()

	require.NoError(t, m.WriteSDOEntry(ctx, 0, 0x8000, 1, uint16(0x1234)))
	v, ok := seg.ObjectValue(0, 0x8000, 1)
	require.True(t, ok)
	assert.Equal(t, []byte{0x34, 0x12}, v)

	got, err := m.ReadSDOEntry(ctx, 0, 0x8000, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), got)

	err = m.WriteSDOEntry(ctx, 0, 0x8000, 1, "text")
	require.ErrorIs(t, err, coe.ErrUnsupportedType)

	err = m.WriteSDOEntry(ctx, 0, 0x1018, 1, uint32(1))
	var abort *SDOAbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, coe.AbortReadOnly, abort.Code)

	err = m.WriteSDOEntry(ctx, 0, 0x8000, 9, uint8(1))
	require.ErrorIs(t, err, ErrUnknownObject)
}

func TestConfigure_ObjectDictionary(t *testing.T) {
	configs := []sim.SlaveConfig{sim.IO("plain", 1, 1), coeSlave("dev")}

	m, _, _ := configured(t, configs, WithObjectDictionary(true))
	od, err := m.ObjectDictionary(1)
	require.NoError(t, err)
	require.NotNil(t, od)
	assert.Len(t, od.Objects, 9)

	od, err = m.ObjectDictionary(0)
	require.NoError(t, err)
	assert.Nil(t, od)

	m, _, _ = configured(t, configs)
	od, err = m.ObjectDictionary(1)
	require.NoError(t, err)
	assert.Nil(t, od)
}
