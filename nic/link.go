// Package nic provides the raw Ethernet links an EtherCAT master sends
// frames over.
//
// A Link carries whole Ethernet frames. RawLink binds an AF_PACKET socket
// to the EtherCAT EtherType on a network interface; Pipe connects two
// in-memory links for tests.
package nic

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is returned by Recv when no frame arrived in time. It is
	// an expected outcome of a cycle, not a link failure.
	ErrTimeout = errors.New("nic: receive timeout")

	// ErrClosed is returned by operations on a closed link.
	ErrClosed = errors.New("nic: link closed")
)

// Link is a bidirectional raw Ethernet link.
//
// Send and Recv may be called concurrently with each other. Close unblocks
// a pending Recv and is idempotent.
type Link interface {
	// Send transmits one Ethernet frame.
	Send(b []byte) error

	// Recv waits at most timeout for the next frame. It returns ErrTimeout
	// when nothing arrived and ErrClosed after Close.
	Recv(timeout time.Duration) ([]byte, error)

	Close() error
}

// IsTimeout reports whether err is a receive timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IOError is a failure of the underlying interface or socket.
type IOError struct {
	Op    string
	Iface string
	Err   error
}

func (e *IOError) Error() string {
	if e.Iface == "" {
		return fmt.Sprintf("nic: %s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("nic: %s %s: %v", e.Op, e.Iface, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
