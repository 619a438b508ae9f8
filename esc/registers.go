package esc

// ESC register addresses.
const (
	RegType           uint16 = 0x0000
	RegRevision       uint16 = 0x0001
	RegBuild          uint16 = 0x0002
	RegFMMUCount      uint16 = 0x0004
	RegSMCount        uint16 = 0x0005
	RegRAMSize        uint16 = 0x0006
	RegPortDescriptor uint16 = 0x0007
	RegFeatures       uint16 = 0x0008

	RegStationAddress uint16 = 0x0010
	RegStationAlias   uint16 = 0x0012

	RegDLControl uint16 = 0x0100
	RegDLStatus  uint16 = 0x0110

	RegALControl    uint16 = 0x0120
	RegALStatus     uint16 = 0x0130
	RegALStatusCode uint16 = 0x0134
	RegPDIControl   uint16 = 0x0140

	RegEEPROMConfig  uint16 = 0x0500
	RegEEPROMControl uint16 = 0x0502
	RegEEPROMAddress uint16 = 0x0504
	RegEEPROMData    uint16 = 0x0508

	RegFMMUBase uint16 = 0x0600
	RegSMBase   uint16 = 0x0800

	RegDCPortTime0      uint16 = 0x0900
	RegDCSystemTime     uint16 = 0x0910
	RegDCReceiveTime    uint16 = 0x0918
	RegDCSystemOffset   uint16 = 0x0920
	RegDCSystemDelay    uint16 = 0x0928
	RegDCSystemTimeDiff uint16 = 0x092C
	RegDCActivation     uint16 = 0x0981
)

// Register block sizes.
const (
	FMMUEntrySize = 16
	SMEntrySize   = 8
	MaxFMMUs      = 16
	MaxSMs        = 16

	// ALStatusBlockSize covers AL status, reserved word and AL status code.
	ALStatusBlockSize = 6
	// DCPortTimesSize covers the receive times of port 0 to 3.
	DCPortTimesSize = 16
)

// FMMUAddr returns the register address of FMMU i.
func FMMUAddr(i int) uint16 { return RegFMMUBase + uint16(i*FMMUEntrySize) }

// SMAddr returns the register address of SyncManager i.
func SMAddr(i int) uint16 { return RegSMBase + uint16(i*SMEntrySize) }

// SMStatusAddr returns the address of the status byte of SyncManager i.
func SMStatusAddr(i int) uint16 { return SMAddr(i) + 5 }

// Feature bits of RegFeatures.
const (
	FeatureFMMUBitOperation uint16 = 1 << 0
	FeatureDC               uint16 = 1 << 2
	FeatureDC64             uint16 = 1 << 3
)

// DLStatusPortLink returns the DL status bit signalling a physical link on port p.
func DLStatusPortLink(p int) uint16 { return 1 << (4 + p) }

// DLStatusPortOpen returns the DL status bit signalling communication on port p.
func DLStatusPortOpen(p int) uint16 { return 1 << (9 + 2*p) }

// EEPROM control/status word.
const (
	EEPROMCmdRead    uint16 = 0x0100
	EEPROMCmdWrite   uint16 = 0x0201
	EEPROMCmdReload  uint16 = 0x0300
	EEPROMBusy       uint16 = 0x8000
	EEPROMErrorMask  uint16 = 0x6000
	EEPROMReadSize64 uint16 = 0x0040
)

// SyncManager status bits.
const (
	SMStatusMailboxFull uint8 = 0x08
)
