package coe

import "fmt"

// AbortCode is a CiA 301 SDO abort code.
type AbortCode uint32

// SDO abort codes.
const (
	AbortToggleBit            AbortCode = 0x05030000
	AbortTimeout              AbortCode = 0x05040000
	AbortCommandSpecifier     AbortCode = 0x05040001
	AbortBlockSize            AbortCode = 0x05040002
	AbortSequenceNumber       AbortCode = 0x05040003
	AbortCRC                  AbortCode = 0x05040004
	AbortOutOfMemory          AbortCode = 0x05040005
	AbortUnsupportedAccess    AbortCode = 0x06010000
	AbortWriteOnly            AbortCode = 0x06010001
	AbortReadOnly             AbortCode = 0x06010002
	AbortSubindexWrite        AbortCode = 0x06010003
	AbortCompleteAccess       AbortCode = 0x06010004
	AbortObjectLength         AbortCode = 0x06010005
	AbortObjectMapped         AbortCode = 0x06010006
	AbortNoObject             AbortCode = 0x06020000
	AbortNotMappable          AbortCode = 0x06040041
	AbortPDOLength            AbortCode = 0x06040042
	AbortIncompatible         AbortCode = 0x06040043
	AbortInternalIncompatible AbortCode = 0x06040047
	AbortHardware             AbortCode = 0x06060000
	AbortLength               AbortCode = 0x06070010
	AbortLengthTooHigh        AbortCode = 0x06070012
	AbortLengthTooLow         AbortCode = 0x06070013
	AbortNoSubindex           AbortCode = 0x06090011
	AbortValueRange           AbortCode = 0x06090030
	AbortValueTooHigh         AbortCode = 0x06090031
	AbortValueTooLow          AbortCode = 0x06090032
	AbortMaxBelowMin          AbortCode = 0x06090036
	AbortGeneral              AbortCode = 0x08000000
	AbortTransfer             AbortCode = 0x08000020
	AbortLocalControl         AbortCode = 0x08000021
	AbortDeviceState          AbortCode = 0x08000022
	AbortDictionary           AbortCode = 0x08000023
)

var abortText = map[AbortCode]string{
	AbortToggleBit:            "toggle bit not alternated",
	AbortTimeout:              "SDO protocol timeout",
	AbortCommandSpecifier:     "client/server command specifier not valid or unknown",
	AbortBlockSize:            "invalid block size",
	AbortSequenceNumber:       "invalid sequence number",
	AbortCRC:                  "CRC error",
	AbortOutOfMemory:          "out of memory",
	AbortUnsupportedAccess:    "unsupported access to an object",
	AbortWriteOnly:            "attempt to read a write only object",
	AbortReadOnly:             "attempt to write a read only object",
	AbortSubindexWrite:        "subindex cannot be written, subindex 0 must be 0 for write access",
	AbortCompleteAccess:       "complete access not supported for variable length objects",
	AbortObjectLength:         "object length exceeds mailbox size",
	AbortObjectMapped:         "object mapped to RxPDO, SDO download blocked",
	AbortNoObject:             "object does not exist in the object dictionary",
	AbortNotMappable:          "object cannot be mapped to the PDO",
	AbortPDOLength:            "number and length of the objects to be mapped would exceed the PDO length",
	AbortIncompatible:         "general parameter incompatibility",
	AbortInternalIncompatible: "general internal incompatibility in the device",
	AbortHardware:             "access failed due to a hardware error",
	AbortLength:               "data type does not match, length of service parameter does not match",
	AbortLengthTooHigh:        "data type does not match, length of service parameter too high",
	AbortLengthTooLow:         "data type does not match, length of service parameter too low",
	AbortNoSubindex:           "subindex does not exist",
	AbortValueRange:           "value range of parameter exceeded",
	AbortValueTooHigh:         "value of parameter written too high",
	AbortValueTooLow:          "value of parameter written too low",
	AbortMaxBelowMin:          "maximum value is less than minimum value",
	AbortGeneral:              "general error",
	AbortTransfer:             "data cannot be transferred or stored to the application",
	AbortLocalControl:         "data cannot be transferred or stored because of local control",
	AbortDeviceState:          "data cannot be transferred or stored because of the present device state",
	AbortDictionary:           "object dictionary dynamic generation fails or no object dictionary is present",
}

// Description returns the text of the abort code, or "unknown abort code".
func (c AbortCode) Description() string {
	if text, ok := abortText[c]; ok {
		return text
	}

	return "unknown abort code"
}

func (c AbortCode) String() string {
	return fmt.Sprintf("0x%08X (%s)", uint32(c), c.Description())
}

// AbortError is an SDO transfer aborted by the slave.
type AbortError struct {
	Index    uint16
	SubIndex uint8
	Code     AbortCode
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("coe: SDO abort 0x%08X at 0x%04X:%02X: %s",
		uint32(e.Code), e.Index, e.SubIndex, e.Code.Description())
}
