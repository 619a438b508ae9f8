// Package sim is an in-process EtherCAT segment.
//
// A Segment implements nic.Link. Frames sent to it pass every simulated
// slave in ring order; each slave applies the datagrams to its register
// file with EtherCAT addressing and working counter rules, then the frame
// is queued for Recv with the returned source address.
//
// Slaves emulate the parts of an ESC a master relies on: station address,
// AL state machine, SII EEPROM access, SyncManagers and FMMUs, a CoE SDO
// server on the standard mailbox, and the distributed clock registers.
// Faults can be configured up front or injected at runtime.
package sim

import (
	"time"

	"github.com/arloliu/go-ecat/coe"
	"github.com/arloliu/go-ecat/esc"
)

// Physical memory layout of simulated slaves.
const (
	MailboxOutStart uint16 = 0x1000
	MailboxInStart  uint16 = 0x1080
	MailboxSize     uint16 = 0x0080
	ProcessRAM      uint16 = 0x1100

	// ProcessRAMNoMailbox is the first SyncManager address of slaves
	// without a mailbox.
	ProcessRAMNoMailbox uint16 = 0x0F00
)

// DefaultHopDelay is the propagation delay between neighbouring slaves.
const DefaultHopDelay = 150 * time.Nanosecond

// App is a slave application. It runs once per process data frame in Op
// after outputs were written and before inputs are read.
type App func(outputs, inputs []byte)

// Echo copies outputs to inputs.
func Echo(outputs, inputs []byte) {
	copy(inputs, outputs)
}

// Object is a CoE object dictionary entry. DataType and Name are
// published through the SDO information service; a zero DataType is
// derived from the value size. The Name of subindex 0 names the object.
type Object struct {
	Index    uint16
	SubIndex uint8
	Value    []byte
	ReadOnly bool

	DataType coe.DataType
	Name     string
}

// SlaveConfig describes one simulated slave.
type SlaveConfig struct {
	Name     string
	Vendor   uint32
	Product  uint32
	Revision uint32
	Serial   uint32

	// OutputBytes and InputBytes size the process data image.
	OutputBytes int
	InputBytes  int

	// CoE gives the slave a standard mailbox with a CoE server whose
	// dictionary holds the PDO mapping and Objects.
	CoE     bool
	Objects []Object

	// NoSDOInfo removes the SDO information service from the CoE server.
	NoSDOInfo bool

	// DC marks the slave distributed clock capable.
	DC bool

	// FMMUs is the number of FMMUs. Zero means 3.
	FMMUs int

	// HopDelay is the delay from the previous slave or the master. Zero
	// means DefaultHopDelay.
	HopDelay time.Duration

	// ClockOffset is added to the reference time to get the local clock.
	ClockOffset time.Duration

	App App

	// Branch reports a link on port 3, making the topology a tree.
	Branch bool

	// RefuseState makes every transition into that state fail with
	// RefuseCode and the error flag.
	RefuseState esc.ALState
	RefuseCode  esc.ALStatusCode

	// HoldState makes the slave silently stay below that state.
	HoldState esc.ALState

	// StatePolls delays each transition by that many AL status reads.
	StatePolls int

	// EEPROMBusyReads is the number of control reads an EEPROM access
	// stays busy. Zero means 1.
	EEPROMBusyReads int

	// MailboxRefusals is the number of mailbox writes refused before the
	// slave accepts one.
	MailboxRefusals int

	// MailboxSilent makes the slave accept requests and never answer.
	MailboxSilent bool

	// ReplyPolls delays each mailbox answer by that many status reads.
	ReplyPolls int
}

func (c SlaveConfig) fmmuCount() int {
	if c.FMMUs <= 0 {
		return 3
	}
	return min(c.FMMUs, esc.MaxFMMUs)
}

func (c SlaveConfig) hopDelay() int64 {
	if c.HopDelay <= 0 {
		return DefaultHopDelay.Nanoseconds()
	}
	return c.HopDelay.Nanoseconds()
}

// IO returns the configuration of a plain IO slave named name with the
// given process data sizes.
func IO(name string, outputs, inputs int) SlaveConfig {
	return SlaveConfig{
		Name:        name,
		Vendor:      0x00000002,
		Product:     0x04D23052,
		Revision:    0x00100000,
		OutputBytes: outputs,
		InputBytes:  inputs,
	}
}

// EchoIO returns a CoE and DC capable slave running Echo.
func EchoIO(name string, outputs, inputs int) SlaveConfig {
	c := IO(name, outputs, inputs)
	c.CoE = true
	c.DC = true
	c.App = Echo

	return c
}

// pdoEntryBytes is the size of one generated PDO entry.
const pdoEntryBytes = 4

// maxEntriesPerPDO bounds generated PDOs so large images span several.
const maxEntriesPerPDO = 32

// pdoLayout splits n bytes into PDOs of 32-bit entries with byte sized
// entries for the remainder. Each PDO is a list of entry bit lengths.
func pdoLayout(n int) [][]uint8 {
	var pdos [][]uint8
	var cur []uint8
	for n > 0 {
		size := pdoEntryBytes
		if n < size {
			size = 1
		}
		cur = append(cur, uint8(size*8))
		n -= size
		if len(cur) == maxEntriesPerPDO {
			pdos = append(pdos, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		pdos = append(pdos, cur)
	}

	return pdos
}

// coeDataType returns the CoE data type of a generated entry.
func coeDataType(bits uint8) coe.DataType {
	if bits == 32 {
		return coe.TypeUint32
	}
	return coe.TypeUint8
}
