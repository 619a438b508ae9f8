package frame

import "errors"

var (
	// ErrShortBuffer means the input ended before a complete header or datagram.
	ErrShortBuffer = errors.New("frame: short buffer")

	// ErrFrameType means the EtherCAT header does not announce command datagrams.
	ErrFrameType = errors.New("frame: unsupported EtherCAT frame type")

	// ErrLengthMismatch means the header length disagrees with the datagram chain.
	ErrLengthMismatch = errors.New("frame: header length does not match datagrams")

	// ErrDatagramTooLarge means a datagram does not fit into a single frame.
	ErrDatagramTooLarge = errors.New("frame: datagram exceeds maximum data length")

	// ErrFrameTooLarge means the datagrams exceed the EtherCAT payload limit.
	ErrFrameTooLarge = errors.New("frame: frame exceeds maximum payload")

	// ErrEmptyFrame means a frame without datagrams was marshalled.
	ErrEmptyFrame = errors.New("frame: frame has no datagrams")

	// ErrNotEtherCAT means an Ethernet frame carries another EtherType.
	ErrNotEtherCAT = errors.New("frame: not an EtherCAT frame")
)
