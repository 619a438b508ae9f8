package master

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-ecat/frame"
	"github.com/arloliu/go-ecat/logger"
	"github.com/arloliu/go-ecat/nic"
)

// startPeer answers frames received on link with the frames fn returns.
func startPeer(t *testing.T, link *nic.PipeLink, fn func(f *frame.Frame) []*frame.Frame) {
	t.Helper()

	src := frame.ReturnedSource(frame.DefaultSourceMAC)
	go func() {
		for {
			b, err := link.Recv(10 * time.Millisecond)
			if errors.Is(err, nic.ErrClosed) {
				return
			}
			if err != nil {
				continue
			}
			f, _, err := frame.UnmarshalEthernet(b)
			if err != nil {
				continue
			}
			for _, out := range fn(f) {
				reply, err := frame.MarshalEthernet(src, out)
				if err != nil {
					continue
				}
				_ = link.Send(reply)
			}
		}
	}()
}

// answer sets the working counter of every datagram to its data length
// and increments each data byte.
func answer(f *frame.Frame) []*frame.Frame {
	for _, d := range f.Datagrams {
		d.WKC = uint16(len(d.Data))
		for i := range d.Data {
			d.Data[i]++
		}
	}

	return []*frame.Frame{f}
}

func newTestTransport(t *testing.T, fn func(f *frame.Frame) []*frame.Frame) (*transport, *Metrics) {
	t.Helper()

	local, remote := nic.Pipe()
	metrics := &Metrics{}
	tr := newTransport(local, frame.DefaultSourceMAC, metrics, logger.NewMockLogger().AllowAll())
	startPeer(t, remote, fn)

	go func() {
		for tr.receive() {
		}
	}()
	t.Cleanup(func() {
		tr.close()
		_ = local.Close()
		_ = remote.Close()
	})

	return tr, metrics
}

func TestTransport_RoundTrip(t *testing.T) {
	require := require.New(t)
	tr, metrics := newTestTransport(t, answer)

	reqs := []*frame.Datagram{
		frame.NewRead(frame.BRD, frame.Broadcast(0x0130), 2),
		frame.New(frame.FPWR, frame.Station(0x1001, 0x0120), []byte{1, 2, 3}),
	}
	replies, err := tr.roundTrip(context.Background(), reqs, time.Second)
	require.NoError(err)
	require.Len(replies, 2)

	require.Equal(frame.BRD, replies[0].Command)
	require.Equal(uint16(2), replies[0].WKC)
	require.Equal([]byte{1, 1}, replies[0].Data)
	require.Equal(uint16(3), replies[1].WKC)
	require.Equal([]byte{2, 3, 4}, replies[1].Data)
	require.NoError(lostError(reqs, replies))

	// requests keep their data
	require.Equal([]byte{1, 2, 3}, reqs[1].Data)
	require.Equal(reqs[0].Index, reqs[1].Index)
	require.Equal(uint64(1), metrics.FramesSent.Load())
}

func TestTransport_RoundTripSeveralFrames(t *testing.T) {
	require := require.New(t)
	tr, metrics := newTestTransport(t, answer)

	lengths := []int{1000, 900, 800, 10}
	reqs := make([]*frame.Datagram, len(lengths))
	for i, n := range lengths {
		reqs[i] = frame.NewRead(frame.FPRD, frame.Station(0x1000, 0x1000), n)
	}

	replies, err := tr.roundTrip(context.Background(), reqs, time.Second)
	require.NoError(err)
	for i, n := range lengths {
		require.NotNil(replies[i])
		require.Equal(uint16(n), replies[i].WKC)
	}
	require.Equal(uint64(3), metrics.FramesSent.Load())
}

func TestTransport_DiscardsStaleFrames(t *testing.T) {
	require := require.New(t)
	tr, metrics := newTestTransport(t, func(f *frame.Frame) []*frame.Frame {
		stale := &frame.Frame{}
		for _, d := range f.Datagrams {
			c := frame.New(d.Command, d.Address, d.Data)
			c.Index = d.Index + 100
			stale.Datagrams = append(stale.Datagrams, c)
		}
		garbage := &frame.Frame{Datagrams: []*frame.Datagram{frame.NewRead(frame.NOP, 0, 7)}}
		garbage.Datagrams[0].Index = f.Datagrams[0].Index

		return append([]*frame.Frame{stale, garbage}, answer(f)...)
	})

	reqs := []*frame.Datagram{frame.NewRead(frame.APRD, frame.Position(0, 0x0000), 4)}
	replies, err := tr.roundTrip(context.Background(), reqs, time.Second)
	require.NoError(err)
	require.Equal(uint16(4), replies[0].WKC)
	require.Equal(uint64(2), metrics.FramesDiscarded.Load())
}

func TestTransport_Lost(t *testing.T) {
	require := require.New(t)
	tr, metrics := newTestTransport(t, func(*frame.Frame) []*frame.Frame { return nil })

	reqs := []*frame.Datagram{frame.NewRead(frame.BRD, frame.Broadcast(0), 2)}
	start := time.Now()
	replies, err := tr.roundTrip(context.Background(), reqs, 20*time.Millisecond)
	require.NoError(err)
	require.GreaterOrEqual(time.Since(start), 20*time.Millisecond)
	require.Nil(replies[0])
	require.ErrorIs(lostError(reqs, replies), ErrFrameLost)
	require.Equal(uint64(1), metrics.FramesLost.Load())
}

func TestTransport_Close(t *testing.T) {
	require := require.New(t)
	tr, _ := newTestTransport(t, func(*frame.Frame) []*frame.Frame { return nil })

	done := make(chan error, 1)
	go func() {
		_, err := tr.roundTrip(context.Background(), []*frame.Datagram{frame.NewRead(frame.BRD, 0, 2)}, 10*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	tr.close()

	select {
	case err := <-done:
		require.ErrorIs(err, ErrClosed)
	case <-time.After(time.Second):
		require.Fail("round trip not unblocked")
	}

	_, err := tr.roundTrip(context.Background(), []*frame.Datagram{frame.NewRead(frame.BRD, 0, 2)}, time.Second)
	require.ErrorIs(err, ErrClosed)
}

func TestTransport_ContextCanceled(t *testing.T) {
	tr, _ := newTestTransport(t, func(*frame.Frame) []*frame.Frame { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := tr.roundTrip(ctx, []*frame.Datagram{frame.NewRead(frame.BRD, 0, 2)}, 10*time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTransport_LinkClosed(t *testing.T) {
	local, remote := nic.Pipe()
	defer remote.Close()
	tr := newTransport(local, frame.DefaultSourceMAC, &Metrics{}, logger.NewMockLogger().AllowAll())

	require.NoError(t, local.Close())
	assert.False(t, tr.receive())
	assert.True(t, tr.isClosed())
}
