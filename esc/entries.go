package esc

import (
	"encoding/binary"
	"fmt"
)

// FMMUType selects the direction of an FMMU.
type FMMUType uint8

// FMMU directions.
const (
	FMMURead  FMMUType = 0x01
	FMMUWrite FMMUType = 0x02
)

// FMMU is one fieldbus memory management unit entry. It maps Length bytes
// of the logical address space starting at LogicalStart onto the physical
// memory of the slave starting at PhysicalStart.
type FMMU struct {
	LogicalStart     uint32
	Length           uint16
	LogicalStartBit  uint8
	LogicalEndBit    uint8
	PhysicalStart    uint16
	PhysicalStartBit uint8
	Type             FMMUType
	Active           bool
}

// MarshalBinary encodes f as a 16-byte register entry.
func (f FMMU) MarshalBinary() ([]byte, error) {
	b := make([]byte, FMMUEntrySize)
	binary.LittleEndian.PutUint32(b[0:4], f.LogicalStart)
	binary.LittleEndian.PutUint16(b[4:6], f.Length)
	b[6] = f.LogicalStartBit
	b[7] = f.LogicalEndBit
	binary.LittleEndian.PutUint16(b[8:10], f.PhysicalStart)
	b[10] = f.PhysicalStartBit
	b[11] = uint8(f.Type)
	if f.Active {
		b[12] = 1
	}

	return b, nil
}

// UnmarshalBinary decodes a 16-byte register entry.
func (f *FMMU) UnmarshalBinary(b []byte) error {
	if len(b) < FMMUEntrySize {
		return fmt.Errorf("esc: FMMU entry needs %d bytes, have %d", FMMUEntrySize, len(b))
	}
	f.LogicalStart = binary.LittleEndian.Uint32(b[0:4])
	f.Length = binary.LittleEndian.Uint16(b[4:6])
	f.LogicalStartBit = b[6]
	f.LogicalEndBit = b[7]
	f.PhysicalStart = binary.LittleEndian.Uint16(b[8:10])
	f.PhysicalStartBit = b[10]
	f.Type = FMMUType(b[11])
	f.Active = b[12]&0x01 != 0

	return nil
}

// SyncManager control byte values used by the master.
const (
	SMControlMailboxOut uint8 = 0x26 // mailbox mode, ECAT writes, interrupt to PDI
	SMControlMailboxIn  uint8 = 0x22 // mailbox mode, ECAT reads
	SMControlOutputs    uint8 = 0x64 // 3-buffer mode, ECAT writes, watchdog
	SMControlInputs     uint8 = 0x20 // 3-buffer mode, ECAT reads
)

// SyncManager is one SyncManager channel entry.
type SyncManager struct {
	Start      uint16
	Length     uint16
	Control    uint8
	Status     uint8
	Activate   uint8
	PDIControl uint8
}

// Enabled reports whether the channel is activated.
func (s SyncManager) Enabled() bool { return s.Activate&0x01 != 0 }

// Contains reports whether physical address addr lies within the channel.
func (s SyncManager) Contains(addr uint16) bool {
	return s.Enabled() && addr >= s.Start && uint32(addr) < uint32(s.Start)+uint32(s.Length)
}

// MarshalBinary encodes s as an 8-byte register entry.
func (s SyncManager) MarshalBinary() ([]byte, error) {
	b := make([]byte, SMEntrySize)
	binary.LittleEndian.PutUint16(b[0:2], s.Start)
	binary.LittleEndian.PutUint16(b[2:4], s.Length)
	b[4] = s.Control
	b[5] = s.Status
	b[6] = s.Activate
	b[7] = s.PDIControl

	return b, nil
}

// UnmarshalBinary decodes an 8-byte register entry.
func (s *SyncManager) UnmarshalBinary(b []byte) error {
	if len(b) < SMEntrySize {
		return fmt.Errorf("esc: SyncManager entry needs %d bytes, have %d", SMEntrySize, len(b))
	}
	s.Start = binary.LittleEndian.Uint16(b[0:2])
	s.Length = binary.LittleEndian.Uint16(b[2:4])
	s.Control = b[4]
	s.Status = b[5]
	s.Activate = b[6]
	s.PDIControl = b[7]

	return nil
}
