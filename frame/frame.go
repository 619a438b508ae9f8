package frame

import (
	"encoding/binary"
	"fmt"
)

// typeCommands is the EtherCAT header type for command datagrams.
const typeCommands = 0x1

// Frame is an EtherCAT frame: an ordered chain of datagrams.
type Frame struct {
	Datagrams []*Datagram
}

// Size returns the EtherCAT payload size of f including its header.
func (f *Frame) Size() int {
	n := HeaderSize
	for _, d := range f.Datagrams {
		n += d.Size()
	}

	return n
}

// MarshalBinary encodes f as an EtherCAT payload.
func (f *Frame) MarshalBinary() ([]byte, error) {
	return f.AppendBinary(make([]byte, 0, f.Size()))
}

// AppendBinary appends the encoding of f to b.
func (f *Frame) AppendBinary(b []byte) ([]byte, error) {
	if len(f.Datagrams) == 0 {
		return nil, ErrEmptyFrame
	}

	size := f.Size() - HeaderSize
	if size > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	for _, d := range f.Datagrams {
		if len(d.Data) > MaxDataSize {
			return nil, fmt.Errorf("%w: %s", ErrDatagramTooLarge, d)
		}
	}

	b = binary.LittleEndian.AppendUint16(b, uint16(size)&lenMask|typeCommands<<12)
	last := len(f.Datagrams) - 1
	for i, d := range f.Datagrams {
		b = d.appendTo(b, i < last)
	}

	return b, nil
}

// UnmarshalBinary decodes an EtherCAT payload. Trailing bytes after the
// datagram chain, such as Ethernet padding, are ignored.
func (f *Frame) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("%w: frame header", ErrShortBuffer)
	}

	hdr := binary.LittleEndian.Uint16(b)
	if hdr>>12 != typeCommands {
		return fmt.Errorf("%w: %d", ErrFrameType, hdr>>12)
	}
	size := int(hdr & lenMask)
	b = b[HeaderSize:]
	if len(b) < size {
		return fmt.Errorf("%w: header announces %d bytes, have %d", ErrShortBuffer, size, len(b))
	}
	b = b[:size]

	f.Datagrams = f.Datagrams[:0]
	for {
		d, more, rest, err := decodeDatagram(b)
		if err != nil {
			return err
		}
		f.Datagrams = append(f.Datagrams, d)
		b = rest

		if !more {
			break
		}
	}

	if len(b) != 0 {
		return fmt.Errorf("%w: %d bytes after last datagram", ErrLengthMismatch, len(b))
	}

	return nil
}

// Pack distributes datagrams over as few frames as possible, keeping their
// order. A datagram that can't fit into any frame is an error.
func Pack(datagrams []*Datagram) ([]*Frame, error) {
	frames := make([]*Frame, 0, 1)
	cur := &Frame{}
	size := 0

	for _, d := range datagrams {
		if len(d.Data) > MaxDataSize {
			return nil, fmt.Errorf("%w: %s", ErrDatagramTooLarge, d)
		}
		if size+d.Size() > MaxPayload {
			frames = append(frames, cur)
			cur = &Frame{}
			size = 0
		}
		cur.Datagrams = append(cur.Datagrams, d)
		size += d.Size()
	}
	if len(cur.Datagrams) > 0 {
		frames = append(frames, cur)
	}

	return frames, nil
}
