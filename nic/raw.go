package nic

import (
	"bytes"
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/packet"

	"github.com/arloliu/go-ecat/frame"
	"github.com/arloliu/go-ecat/internal/pool"
)

// RawLink is a Link on an AF_PACKET socket bound to the EtherCAT EtherType.
//
// Frames the master sent itself are looped back by the kernel to every
// packet socket on the interface; RawLink drops them by source address.
type RawLink struct {
	conn   *packet.Conn
	iface  string
	src    net.HardwareAddr
	closed atomic.Bool
}

var _ Link = (*RawLink)(nil)

// LinkOption configures Open.
type LinkOption interface {
	apply(*linkOptions) error
}

type linkOptions struct {
	promiscuous bool
	src         net.HardwareAddr
}

type linkOptFunc struct {
	name      string
	applyFunc func(*linkOptions) error
}

func (o *linkOptFunc) apply(opts *linkOptions) error { return o.applyFunc(opts) }

func newLinkOptFunc(name string, f func(*linkOptions) error) *linkOptFunc {
	return &linkOptFunc{name: name, applyFunc: f}
}

// WithPromiscuous enables or disables promiscuous mode. Enabled by default,
// returned frames carry a modified source address.
func WithPromiscuous(enable bool) LinkOption {
	return newLinkOptFunc("WithPromiscuous", func(opts *linkOptions) error {
		opts.promiscuous = enable
		return nil
	})
}

// WithSourceMAC sets the source address of sent frames and of the loopback
// filter. Defaults to frame.DefaultSourceMAC.
func WithSourceMAC(mac net.HardwareAddr) LinkOption {
	return newLinkOptFunc("WithSourceMAC", func(opts *linkOptions) error {
		if len(mac) != 6 {
			return errors.New("source MAC must be 6 bytes")
		}
		opts.src = append(net.HardwareAddr(nil), mac...)

		return nil
	})
}

// Open binds a raw socket on the named interface. Failures, including a
// missing interface or missing privileges, are *IOError.
func Open(name string, opts ...LinkOption) (*RawLink, error) {
	o := &linkOptions{promiscuous: true, src: frame.DefaultSourceMAC}
	for _, opt := range opts {
		if err := opt.apply(o); err != nil {
			return nil, &IOError{Op: "open", Iface: name, Err: err}
		}
	}

	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, &IOError{Op: "open", Iface: name, Err: err}
	}

	conn, err := packet.Listen(ifi, packet.Raw, int(frame.EtherType), nil)
	if err != nil {
		return nil, &IOError{Op: "open", Iface: name, Err: err}
	}

	if o.promiscuous {
		if err := conn.SetPromiscuous(true); err != nil {
			_ = conn.Close()
			return nil, &IOError{Op: "promiscuous", Iface: name, Err: err}
		}
	}

	return &RawLink{conn: conn, iface: name, src: o.src}, nil
}

// SourceMAC returns the address sent frames carry.
func (l *RawLink) SourceMAC() net.HardwareAddr { return l.src }

// Send implements Link.
func (l *RawLink) Send(b []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}

	_, err := l.conn.WriteTo(b, &packet.Addr{HardwareAddr: ethernet.Broadcast})
	if err != nil {
		return l.wrap("send", err)
	}

	return nil
}

// Recv implements Link.
func (l *RawLink) Recv(timeout time.Duration) ([]byte, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	if err := l.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, l.wrap("deadline", err)
	}

	bufp := pool.GetBuffer()
	defer pool.PutBuffer(bufp)
	buf := *bufp

	for {
		n, _, err := l.conn.ReadFrom(buf)
		if err != nil {
			return nil, l.wrap("recv", err)
		}
		// destination (6) then source address
		if n >= 12 && bytes.Equal(buf[6:12], l.src) {
			continue
		}

		return bytes.Clone(buf[:n]), nil
	}
}

// Close implements Link.
func (l *RawLink) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}

	if err := l.conn.Close(); err != nil {
		return &IOError{Op: "close", Iface: l.iface, Err: err}
	}

	return nil
}

func (l *RawLink) wrap(op string, err error) error {
	if l.closed.Load() || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}

	var nerr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return ErrTimeout
	}

	return &IOError{Op: op, Iface: l.iface, Err: err}
}
