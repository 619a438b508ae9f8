package nic

import (
	"bytes"
	"sync"
	"time"

	"github.com/arloliu/go-ecat/internal/pool"
)

// PipeQueueSize is the number of frames an end of a Pipe buffers. Frames
// sent to a full end are dropped like on a congested wire.
const PipeQueueSize = 64

// PipeLink is one end of an in-memory link created by Pipe.
type PipeLink struct {
	in        chan []byte
	done      chan struct{}
	closeOnce sync.Once
	peer      *PipeLink
}

var _ Link = (*PipeLink)(nil)

// Pipe returns two connected links. A frame sent on one end is received on
// the other.
func Pipe() (*PipeLink, *PipeLink) {
	a := &PipeLink{in: make(chan []byte, PipeQueueSize), done: make(chan struct{})}
	b := &PipeLink{in: make(chan []byte, PipeQueueSize), done: make(chan struct{})}
	a.peer, b.peer = b, a

	return a, b
}

// Send implements Link. It never blocks.
func (l *PipeLink) Send(b []byte) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}

	select {
	case <-l.peer.done:
	case l.peer.in <- bytes.Clone(b):
	default:
	}

	return nil
}

// Recv implements Link.
func (l *PipeLink) Recv(timeout time.Duration) ([]byte, error) {
	select {
	case <-l.done:
		return nil, ErrClosed
	case b := <-l.in:
		return b, nil
	default:
	}

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case <-l.done:
		return nil, ErrClosed
	case b := <-l.in:
		return b, nil
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Close implements Link. It closes this end only.
func (l *PipeLink) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}
