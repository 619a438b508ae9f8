// Package coe encodes mailbox and CANopen over EtherCAT (CoE) messages.
//
// A mailbox message is a 6-byte mailbox header followed by a protocol
// payload. For CoE the payload starts with a 2-byte CoE header; SDO
// services follow with a CiA 301 command byte, index, subindex and data.
package coe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MailboxHeaderSize is the size of the mailbox header.
const MailboxHeaderSize = 6

// MailboxType is the protocol carried in a mailbox message.
type MailboxType uint8

// Mailbox protocol types.
const (
	MailboxError MailboxType = 0x00
	MailboxAoE   MailboxType = 0x01
	MailboxEoE   MailboxType = 0x02
	MailboxCoE   MailboxType = 0x03
	MailboxFoE   MailboxType = 0x04
	MailboxSoE   MailboxType = 0x05
	MailboxVoE   MailboxType = 0x0F
)

func (t MailboxType) String() string {
	switch t {
	case MailboxError:
		return "ERR"
	case MailboxAoE:
		return "AoE"
	case MailboxEoE:
		return "EoE"
	case MailboxCoE:
		return "CoE"
	case MailboxFoE:
		return "FoE"
	case MailboxSoE:
		return "SoE"
	case MailboxVoE:
		return "VoE"
	default:
		return fmt.Sprintf("MailboxType(%d)", uint8(t))
	}
}

var (
	// ErrShortMessage is returned when a message is shorter than its headers.
	ErrShortMessage = errors.New("coe: message too short")

	// ErrUnexpectedType is returned when a mailbox carries another protocol.
	ErrUnexpectedType = errors.New("coe: unexpected mailbox type")

	// ErrUnexpectedService is returned when a CoE message is not an SDO response.
	ErrUnexpectedService = errors.New("coe: unexpected CoE service")

	// ErrUnexpectedCommand is returned for an SDO command the codec does not handle.
	ErrUnexpectedCommand = errors.New("coe: unexpected SDO command")

	// ErrSegmented is returned for downloads that need SDO segments.
	ErrSegmented = errors.New("coe: segmented download not supported")

	// ErrToggle is returned when an upload segment repeats the toggle bit.
	ErrToggle = errors.New("coe: segment toggle bit not alternated")

	// ErrSegmentLength is returned when segments disagree with the announced size.
	ErrSegmentLength = errors.New("coe: segmented upload length mismatch")

	// ErrFragment is returned when an SDO information fragment is missing.
	ErrFragment = errors.New("coe: SDO information fragment missing")
)

// MailboxHeader is the common header of every mailbox message.
type MailboxHeader struct {
	// Length of the payload following the header.
	Length   uint16
	Address  uint16
	Channel  uint8
	Priority uint8
	Type     MailboxType

	// Counter is 1..7 and 0 means "not used".
	Counter uint8
}

// AppendBinary appends the encoded header to b.
func (h MailboxHeader) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, h.Length)
	b = binary.LittleEndian.AppendUint16(b, h.Address)
	b = append(b, h.Channel&0x3F|h.Priority<<6, byte(h.Type)&0x0F|(h.Counter&0x07)<<4)

	return b
}

// ParseMailboxHeader decodes the mailbox header at the start of b.
func ParseMailboxHeader(b []byte) (MailboxHeader, error) {
	if len(b) < MailboxHeaderSize {
		return MailboxHeader{}, fmt.Errorf("%w: %d bytes", ErrShortMessage, len(b))
	}

	return MailboxHeader{
		Length:   binary.LittleEndian.Uint16(b[0:]),
		Address:  binary.LittleEndian.Uint16(b[2:]),
		Channel:  b[4] & 0x3F,
		Priority: b[4] >> 6,
		Type:     MailboxType(b[5] & 0x0F),
		Counter:  (b[5] >> 4) & 0x07,
	}, nil
}

// NextCounter returns the session counter that follows c, cycling 1..7.
func NextCounter(c uint8) uint8 {
	c++
	if c > 7 {
		c = 1
	}

	return c
}

// Message is a decoded mailbox message.
type Message struct {
	Header  MailboxHeader
	Payload []byte
}

// Encode builds a mailbox message of at least size bytes. The mailbox
// area must be written completely so the SyncManager reports it full.
func Encode(h MailboxHeader, payload []byte, size int) []byte {
	h.Length = uint16(len(payload))
	n := max(MailboxHeaderSize+len(payload), size)

	b := make([]byte, 0, n)
	b = h.AppendBinary(b)
	b = append(b, payload...)

	return b[:n]
}

// Decode parses a mailbox area read from the slave. Bytes beyond the
// header length are ignored.
func Decode(b []byte) (*Message, error) {
	h, err := ParseMailboxHeader(b)
	if err != nil {
		return nil, err
	}
	if int(h.Length) > len(b)-MailboxHeaderSize {
		return nil, fmt.Errorf("%w: header length %d exceeds %d available bytes",
			ErrShortMessage, h.Length, len(b)-MailboxHeaderSize)
	}

	return &Message{Header: h, Payload: b[MailboxHeaderSize : MailboxHeaderSize+int(h.Length)]}, nil
}

// MailboxErrorCode is the detail code of a mailbox error reply.
type MailboxErrorCode uint16

var mailboxErrorText = map[MailboxErrorCode]string{
	0x0001: "syntax of the mailbox header is wrong",
	0x0002: "mailbox protocol not supported",
	0x0003: "channel field contains wrong value",
	0x0004: "service in the mailbox protocol not supported",
	0x0005: "mailbox protocol header is faulty",
	0x0006: "length of received mailbox data is too short",
	0x0007: "mailbox protocol cannot be processed",
	0x0008: "no memory for the mailbox data",
	0x0009: "mailbox data length is inconsistent",
}

// MailboxErrorReply is the error a slave returns for a mailbox it cannot
// process.
type MailboxErrorReply struct {
	Code MailboxErrorCode
}

func (e *MailboxErrorReply) Error() string {
	if text, ok := mailboxErrorText[e.Code]; ok {
		return fmt.Sprintf("coe: mailbox error 0x%04X: %s", uint16(e.Code), text)
	}

	return fmt.Sprintf("coe: mailbox error 0x%04X", uint16(e.Code))
}

// ParseMailboxError decodes the payload of a MailboxError message.
func ParseMailboxError(payload []byte) *MailboxErrorReply {
	if len(payload) < 4 {
		return &MailboxErrorReply{}
	}

	return &MailboxErrorReply{Code: MailboxErrorCode(binary.LittleEndian.Uint16(payload[2:]))}
}

// EncodeMailboxError builds the payload of a MailboxError message.
func EncodeMailboxError(code MailboxErrorCode) []byte {
	b := binary.LittleEndian.AppendUint16(nil, 0x0001)
	return binary.LittleEndian.AppendUint16(b, uint16(code))
}
