package master

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-ecat/frame"
	"github.com/arloliu/go-ecat/internal/pool"
	"github.com/arloliu/go-ecat/logger"
	"github.com/arloliu/go-ecat/nic"
)

// receivePoll bounds a single Recv of the receiver task so it notices a
// stopped task manager.
const receivePoll = 100 * time.Millisecond

var errNoFreeIndex = errors.New("master: no free datagram index")

// pendingFrame is a frame waiting for its return.
type pendingFrame struct {
	sent  *frame.Frame
	reply chan *frame.Frame
}

// matches reports whether f is the returned form of the sent frame.
func (p *pendingFrame) matches(f *frame.Frame) bool {
	if len(f.Datagrams) != len(p.sent.Datagrams) {
		return false
	}
	for i, d := range f.Datagrams {
		s := p.sent.Datagrams[i]
		if d.Command != s.Command || d.Index != s.Index || len(d.Data) != len(s.Data) {
			return false
		}
	}

	return true
}

// transport sends frames on a link and hands returned frames to the
// goroutine waiting for them. Frames are matched by the index of their
// datagrams; every datagram of a frame carries the same index.
type transport struct {
	link    nic.Link
	src     net.HardwareAddr
	metrics *Metrics
	logger  logger.Logger

	sendMu  sync.Mutex
	nextIdx atomic.Uint32
	pending *xsync.MapOf[uint8, *pendingFrame]

	done      chan struct{}
	closeOnce sync.Once
}

func newTransport(link nic.Link, src net.HardwareAddr, metrics *Metrics, l logger.Logger) *transport {
	return &transport{
		link:    link,
		src:     src,
		metrics: metrics,
		logger:  l,
		pending: xsync.NewMapOf[uint8, *pendingFrame](),
		done:    make(chan struct{}),
	}
}

// close wakes every waiter with ErrClosed. It does not close the link.
func (t *transport) close() {
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *transport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// receive is the body of the receiver task. It returns false when the
// link is closed.
func (t *transport) receive() bool {
	b, err := t.link.Recv(receivePoll)
	if err != nil {
		switch {
		case nic.IsTimeout(err):
			return true
		case errors.Is(err, nic.ErrClosed):
			t.close()
			return false
		default:
			t.logger.Error("receive failed", "error", err)
			return !t.isClosed()
		}
	}

	f, _, err := frame.UnmarshalEthernet(b)
	if err != nil || len(f.Datagrams) == 0 {
		t.logger.Debug("discard undecodable frame", "error", err)
		t.metrics.incFramesDiscarded()

		return true
	}

	idx := f.Datagrams[0].Index
	p, ok := t.pending.Load(idx)
	if !ok || !p.matches(f) {
		t.logger.Debug("discard stale frame", "index", idx)
		t.metrics.incFramesDiscarded()

		return true
	}

	select {
	case p.reply <- f:
		t.metrics.incFramesReceived()
	default:
		t.metrics.incFramesDiscarded()
	}

	return true
}

// register assigns a free index to every datagram of f and records it as pending.
func (t *transport) register(f *frame.Frame) (uint8, *pendingFrame, error) {
	p := &pendingFrame{sent: f, reply: make(chan *frame.Frame, 1)}
	for range 256 {
		idx := uint8(t.nextIdx.Add(1))
		if _, loaded := t.pending.LoadOrStore(idx, p); loaded {
			continue
		}
		for _, d := range f.Datagrams {
			d.Index = idx
		}

		return idx, p, nil
	}

	return 0, nil, errNoFreeIndex
}

func (t *transport) send(f *frame.Frame) error {
	b, err := frame.MarshalEthernet(t.src, f)
	if err != nil {
		return err
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	if t.isClosed() {
		return ErrClosed
	}
	if err := t.link.Send(b); err != nil {
		if errors.Is(err, nic.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	t.metrics.incFramesSent()

	return nil
}

// roundTrip sends datagrams packed into as few frames as possible and
// waits at most timeout in total for their return. The result has one
// entry per request datagram, nil where the frame was lost. The request
// datagrams are not modified except for their index.
func (t *transport) roundTrip(ctx context.Context, datagrams []*frame.Datagram, timeout time.Duration) ([]*frame.Datagram, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	frames, err := frame.Pack(datagrams)
	if err != nil {
		return nil, err
	}

	type inflight struct {
		idx   uint8
		p     *pendingFrame
		first int
	}
	sent := make([]inflight, 0, len(frames))
	defer func() {
		for _, s := range sent {
			t.pending.Delete(s.idx)
		}
	}()

	first := 0
	for _, f := range frames {
		idx, p, err := t.register(f)
		if err != nil {
			return nil, err
		}
		sent = append(sent, inflight{idx: idx, p: p, first: first})
		first += len(f.Datagrams)

		if err := t.send(f); err != nil {
			return nil, err
		}
	}

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	result := make([]*frame.Datagram, len(datagrams))
	for i, s := range sent {
		select {
		case f := <-s.p.reply:
			copy(result[s.first:], f.Datagrams)
		case <-timer.C:
			for _, lost := range sent[i:] {
				select {
				case f := <-lost.p.reply:
					copy(result[lost.first:], f.Datagrams)
				default:
					t.metrics.incFramesLost()
				}
			}

			return result, nil
		case <-t.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return result, nil
}

// lostError describes the first lost datagram of a round trip.
func lostError(datagrams []*frame.Datagram, replies []*frame.Datagram) error {
	for i, r := range replies {
		if r == nil {
			return fmt.Errorf("%w: %s", ErrFrameLost, datagrams[i])
		}
	}

	return nil
}
