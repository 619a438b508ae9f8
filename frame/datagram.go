package frame

import (
	"encoding/binary"
	"fmt"
)

// Frame geometry.
const (
	// HeaderSize is the size of the EtherCAT frame header.
	HeaderSize = 2
	// DatagramHeaderSize is the size of a datagram header.
	DatagramHeaderSize = 10
	// WKCSize is the size of the working counter trailer.
	WKCSize = 2
	// DatagramOverhead is the per-datagram overhead in a frame.
	DatagramOverhead = DatagramHeaderSize + WKCSize
	// MaxPayload is the maximum size of the datagram chain in one frame.
	MaxPayload = 1500 - HeaderSize
	// MaxDataSize is the maximum data length of a single datagram.
	MaxDataSize = MaxPayload - DatagramOverhead
)

const (
	lenMask        = 0x07FF
	circulatingBit = 0x4000
	moreBit        = 0x8000
)

// Datagram is one EtherCAT command with its data and working counter.
type Datagram struct {
	Command Command
	Index   uint8

	// Address holds the 32-bit address field. For physical commands the low
	// word is the slave address (ADP) and the high word the register offset
	// (ADO); logical commands use the whole field.
	Address uint32

	// Circulating is the C bit, set by a slave that closes the ring behind a
	// datagram that already passed the processing unit.
	Circulating bool

	IRQ  uint16
	Data []byte
	WKC  uint16
}

// Position encodes an auto increment address for the slave at ring
// position pos and register offset.
func Position(pos uint16, offset uint16) uint32 {
	return uint32(-pos) | uint32(offset)<<16
}

// Station encodes a configured station address with a register offset.
func Station(station uint16, offset uint16) uint32 {
	return uint32(station) | uint32(offset)<<16
}

// Broadcast encodes a broadcast address for a register offset.
func Broadcast(offset uint16) uint32 {
	return uint32(offset) << 16
}

// Logical encodes a logical address. The whole field is the address.
func Logical(addr uint32) uint32 { return addr }

// New returns a datagram for cmd at addr carrying a copy of data.
func New(cmd Command, addr uint32, data []byte) *Datagram {
	d := make([]byte, len(data))
	copy(d, data)
	return &Datagram{Command: cmd, Address: addr, Data: d}
}

// NewRead returns a datagram for cmd at addr with n zero data bytes.
func NewRead(cmd Command, addr uint32, n int) *Datagram {
	return &Datagram{Command: cmd, Address: addr, Data: make([]byte, n)}
}

// ADP returns the slave address part of a physical address.
func (d *Datagram) ADP() uint16 { return uint16(d.Address) }

// ADO returns the register offset part of a physical address.
func (d *Datagram) ADO() uint16 { return uint16(d.Address >> 16) }

// Size returns the number of bytes d occupies on the wire.
func (d *Datagram) Size() int { return DatagramOverhead + len(d.Data) }

// String implements fmt.Stringer for diagnostics.
func (d *Datagram) String() string {
	if d.Command.IsLogical() {
		return fmt.Sprintf("%s idx=%d addr=0x%08X len=%d wkc=%d", d.Command, d.Index, d.Address, len(d.Data), d.WKC)
	}
	return fmt.Sprintf("%s idx=%d adp=0x%04X ado=0x%04X len=%d wkc=%d",
		d.Command, d.Index, d.ADP(), d.ADO(), len(d.Data), d.WKC)
}

// appendTo writes d to b. more sets the M bit.
func (d *Datagram) appendTo(b []byte, more bool) []byte {
	lw := uint16(len(d.Data)) & lenMask
	if d.Circulating {
		lw |= circulatingBit
	}
	if more {
		lw |= moreBit
	}

	b = append(b, byte(d.Command), d.Index)
	b = binary.LittleEndian.AppendUint32(b, d.Address)
	b = binary.LittleEndian.AppendUint16(b, lw)
	b = binary.LittleEndian.AppendUint16(b, d.IRQ)
	b = append(b, d.Data...)
	b = binary.LittleEndian.AppendUint16(b, d.WKC)

	return b
}

// decodeDatagram parses one datagram from b and returns it, the M bit and
// the remaining bytes. The datagram data is copied.
func decodeDatagram(b []byte) (*Datagram, bool, []byte, error) {
	if len(b) < DatagramOverhead {
		return nil, false, nil, fmt.Errorf("%w: datagram header needs %d bytes, have %d", ErrShortBuffer, DatagramOverhead, len(b))
	}

	lw := binary.LittleEndian.Uint16(b[6:8])
	n := int(lw & lenMask)
	if len(b) < DatagramOverhead+n {
		return nil, false, nil, fmt.Errorf("%w: datagram needs %d data bytes, have %d", ErrShortBuffer, n, len(b)-DatagramOverhead)
	}

	d := &Datagram{
		Command:     Command(b[0]),
		Index:       b[1],
		Address:     binary.LittleEndian.Uint32(b[2:6]),
		Circulating: lw&circulatingBit != 0,
		IRQ:         binary.LittleEndian.Uint16(b[8:10]),
		Data:        make([]byte, n),
	}
	copy(d.Data, b[DatagramHeaderSize:DatagramHeaderSize+n])
	d.WKC = binary.LittleEndian.Uint16(b[DatagramHeaderSize+n:])

	return d, lw&moreBit != 0, b[DatagramOverhead+n:], nil
}
