package master

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-ecat/coe"
	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/sim"
)

func coeSlave(name string) sim.SlaveConfig {
	c := sim.EchoIO(name, 2, 2)
	c.Objects = []sim.Object{
		{Index: 0x8000, SubIndex: 0, Value: []byte{2}, ReadOnly: true},
		{Index: 0x8000, SubIndex: 1, Value: []byte{0, 0}},
		{Index: 0x8000, SubIndex: 2, Value: bytes.Repeat([]byte{0xAB}, 200)},
	}

	return c
}

func TestSDO_Upload(t *testing.T) {
	m, _, _ := configured(t, []sim.SlaveConfig{coeSlave("dev")})
	ctx := context.Background()

	data, err := m.ReadSDO(ctx, 0, 0x1018, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0, 0, 0}, data)

	v, err := m.ReadSDOValue(ctx, 0, 0x1018, 2, coe.TypeUint32)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04D23052), v)

	name, err := m.ReadSDOValue(ctx, 0, 0x1008, 0, coe.TypeVisibleString)
	require.NoError(t, err)
	assert.Equal(t, "dev", name)

	all, err := m.ReadSDOComplete(ctx, 0, 0x1C12)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 0x00, 0x16}, all)
}

func TestSDO_Download(t *testing.T) {
	m, seg, _ := configured(t, []sim.SlaveConfig{coeSlave("dev")})

	require.NoError(t, m.WriteSDO(context.Background(), 0, 0x8000, 1, []byte{0x34, 0x12}))
	v, ok := seg.ObjectValue(0, 0x8000, 1)
	require.True(t, ok)
	assert.Equal(t, []byte{0x34, 0x12}, v)

	// mailbox access keeps working in Op
	require.NoError(t, m.RequestState(context.Background(), esc.StateOp))
	require.NoError(t, m.WriteSDO(context.Background(), 0, 0x8000, 1, []byte{0x78, 0x56}))
	v, _ = seg.ObjectValue(0, 0x8000, 1)
	assert.Equal(t, []byte{0x78, 0x56}, v)
}

func TestSDO_Abort(t *testing.T) {
	m, _, _ := configured(t, []sim.SlaveConfig{coeSlave("dev")})
	ctx := context.Background()

	tests := []struct {
		name  string
		call  func() error
		index uint16
		sub   uint8
		code  coe.AbortCode
	}{
		{
			name:  "missing object",
			call:  func() error { _, err := m.ReadSDO(ctx, 0, 0x9999, 0); return err },
			index: 0x9999, code: coe.AbortNoObject,
		},
		{
			name:  "missing subindex",
			call:  func() error { _, err := m.ReadSDO(ctx, 0, 0x1018, 9); return err },
			index: 0x1018, sub: 9, code: coe.AbortNoSubindex,
		},
		{
			name:  "read only",
			call:  func() error { return m.WriteSDO(ctx, 0, 0x1018, 1, []byte{1, 2, 3, 4}) },
			index: 0x1018, sub: 1, code: coe.AbortReadOnly,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()

			var abort *SDOAbortError
			require.ErrorAs(t, err, &abort)
			assert.Equal(t, SlaveID(0), abort.Slave)
			assert.Equal(t, tt.index, abort.Index)
			assert.Equal(t, tt.sub, abort.SubIndex)
			assert.Equal(t, tt.code, abort.Code)
			assert.Contains(t, err.Error(), tt.code.Description())
		})
	}
}

func TestSDO_SegmentedUpload(t *testing.T) {
	m, _, _ := configured(t, []sim.SlaveConfig{coeSlave("dev")})
	ctx := context.Background()

	data, err := m.ReadSDO(ctx, 0, 0x8000, 2)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, 200), data)

	all, err := m.ReadSDOComplete(ctx, 0, 0x8000)
	require.NoError(t, err)
	require.Len(t, all, 204)
	assert.Equal(t, []byte{2, 0, 0, 0}, all[:4])
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, 200), all[4:])

	// the mailbox serves ordinary transfers after a segmented one
	data, err = m.ReadSDO(ctx, 0, 0x1018, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0, 0, 0}, data)
}

func TestSDO_SegmentedUploadSizes(t *testing.T) {
	// sizes around the initiate capacity and the segment capacity
	for _, n := range []int{112, 113, 119 + 112, 119 + 113, 1000} {
		t.Run(fmt.Sprintf("%d bytes", n), func(t *testing.T) {
			value := make([]byte, n)
			for i := range value {
				value[i] = byte(i)
			}
			c := sim.EchoIO("dev", 1, 1)
			c.Objects = []sim.Object{{Index: 0x2000, Value: value}}
			m, _, _ := configured(t, []sim.SlaveConfig{c}, WithCoEMapping(false))

			data, err := m.ReadSDO(context.Background(), 0, 0x2000, 0)
			require.NoError(t, err)
			assert.Equal(t, value, data)
		})
	}
}

func TestSDO_TooLarge(t *testing.T) {
	m, _, _ := configured(t, []sim.SlaveConfig{coeSlave("dev")})

	err := m.WriteSDO(context.Background(), 0, 0x8000, 2, bytes.Repeat([]byte{1}, 200))
	require.ErrorIs(t, err, ErrSDOTooLarge)
}

func TestSDO_SlowMailbox(t *testing.T) {
	c := coeSlave("slow")
	c.MailboxRefusals = 3
	c.ReplyPolls = 4
	m, _, _ := configured(t, []sim.SlaveConfig{c}, WithCoEMapping(false))

	data, err := m.ReadSDO(context.Background(), 0, 0x1018, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0, 0, 0}, data)
}

func TestSDO_Timeout(t *testing.T) {
	c := coeSlave("silent")
	c.MailboxSilent = true
	m, _, _ := configured(t, []sim.SlaveConfig{c},
		WithCoEMapping(false), WithMailboxTimeout(10*time.Millisecond), WithRetryCount(1))

	start := time.Now()
	_, err := m.ReadSDO(context.Background(), 0, 0x1018, 1)
	require.ErrorIs(t, err, ErrMailboxTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Positive(t, m.Metrics().Retries.Load())
}

func TestSDO_Unavailable(t *testing.T) {
	m, _, _ := configured(t, []sim.SlaveConfig{sim.IO("plain", 1, 1), coeSlave("dev")})
	ctx := context.Background()

	_, err := m.ReadSDO(ctx, 0, 0x1018, 1)
	require.ErrorIs(t, err, ErrNoCoE)

	_, err = m.ReadSDO(ctx, 2, 0x1018, 1)
	require.ErrorIs(t, err, ErrUnknownSlave)

	require.NoError(t, m.RequestState(ctx, esc.StateInit))
	_, err = m.ReadSDO(ctx, 1, 0x1018, 1)
	require.ErrorIs(t, err, ErrInvalidState)
}
