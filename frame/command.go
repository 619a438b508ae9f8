package frame

import "fmt"

// Command is the datagram command type.
type Command uint8

// EtherCAT datagram commands.
const (
	NOP  Command = 0x00 // no operation
	APRD Command = 0x01 // auto increment physical read
	APWR Command = 0x02 // auto increment physical write
	APRW Command = 0x03 // auto increment physical read write
	FPRD Command = 0x04 // configured address physical read
	FPWR Command = 0x05 // configured address physical write
	FPRW Command = 0x06 // configured address physical read write
	BRD  Command = 0x07 // broadcast read
	BWR  Command = 0x08 // broadcast write
	BRW  Command = 0x09 // broadcast read write
	LRD  Command = 0x0A // logical memory read
	LWR  Command = 0x0B // logical memory write
	LRW  Command = 0x0C // logical memory read write
	ARMW Command = 0x0D // auto increment physical read multiple write
	FRMW Command = 0x0E // configured address physical read multiple write
)

var commandNames = [...]string{
	NOP: "NOP", APRD: "APRD", APWR: "APWR", APRW: "APRW",
	FPRD: "FPRD", FPWR: "FPWR", FPRW: "FPRW",
	BRD: "BRD", BWR: "BWR", BRW: "BRW",
	LRD: "LRD", LWR: "LWR", LRW: "LRW",
	ARMW: "ARMW", FRMW: "FRMW",
}

// String returns the mnemonic of the command.
func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return fmt.Sprintf("Command(0x%02X)", uint8(c))
}

// Valid reports whether c is a defined command.
func (c Command) Valid() bool { return c <= FRMW }

// IsPositional reports whether c uses auto increment addressing.
func (c Command) IsPositional() bool {
	return c == APRD || c == APWR || c == APRW || c == ARMW
}

// IsConfigured reports whether c uses configured station addressing.
func (c Command) IsConfigured() bool {
	return c == FPRD || c == FPWR || c == FPRW || c == FRMW
}

// IsBroadcast reports whether c addresses every slave.
func (c Command) IsBroadcast() bool {
	return c == BRD || c == BWR || c == BRW
}

// IsLogical reports whether c uses the logical address space.
func (c Command) IsLogical() bool {
	return c == LRD || c == LWR || c == LRW
}

// Reads reports whether slaves put their data into the datagram.
func (c Command) Reads() bool {
	switch c {
	case APRD, APRW, FPRD, FPRW, BRD, BRW, LRD, LRW, ARMW, FRMW:
		return true
	default:
		return false
	}
}

// Writes reports whether slaves take data from the datagram.
func (c Command) Writes() bool {
	switch c {
	case APWR, APRW, FPWR, FPRW, BWR, BRW, LWR, LRW, ARMW, FRMW:
		return true
	default:
		return false
	}
}
