package esc

import "fmt"

// ALStatusCode is the content of the AL status code register, set by a
// slave together with the error flag.
type ALStatusCode uint16

// AL status codes.
const (
	CodeNoError                      ALStatusCode = 0x0000
	CodeUnspecified                  ALStatusCode = 0x0001
	CodeNoMemory                     ALStatusCode = 0x0002
	CodeInvalidRequestedStateChange  ALStatusCode = 0x0011
	CodeUnknownRequestedState        ALStatusCode = 0x0012
	CodeBootstrapNotSupported        ALStatusCode = 0x0013
	CodeNoValidFirmware              ALStatusCode = 0x0014
	CodeInvalidMailboxConfig         ALStatusCode = 0x0015
	CodeInvalidMailboxConfigPreOp    ALStatusCode = 0x0016
	CodeInvalidSMConfig              ALStatusCode = 0x0017
	CodeNoValidInputs                ALStatusCode = 0x0018
	CodeNoValidOutputs               ALStatusCode = 0x0019
	CodeSyncError                    ALStatusCode = 0x001A
	CodeSMWatchdog                   ALStatusCode = 0x001B
	CodeInvalidSMTypes               ALStatusCode = 0x001C
	CodeInvalidOutputConfig          ALStatusCode = 0x001D
	CodeInvalidInputConfig           ALStatusCode = 0x001E
	CodeInvalidWatchdogConfig        ALStatusCode = 0x001F
	CodeNeedsColdStart               ALStatusCode = 0x0020
	CodeNeedsInit                    ALStatusCode = 0x0021
	CodeNeedsPreOp                   ALStatusCode = 0x0022
	CodeNeedsSafeOp                  ALStatusCode = 0x0023
	CodeInvalidInputMapping          ALStatusCode = 0x0024
	CodeInvalidOutputMapping         ALStatusCode = 0x0025
	CodeInconsistentSettings         ALStatusCode = 0x0026
	CodeFreerunNotSupported          ALStatusCode = 0x0027
	CodeSyncNotSupported             ALStatusCode = 0x0028
	CodeFreerunNeeds3Buffer          ALStatusCode = 0x0029
	CodeBackgroundWatchdog           ALStatusCode = 0x002A
	CodeNoValidIO                    ALStatusCode = 0x002B
	CodeFatalSyncError               ALStatusCode = 0x002C
	CodeNoSyncError                  ALStatusCode = 0x002D
	CodeInvalidInputFMMU             ALStatusCode = 0x002E
	CodeInvalidDCSync                ALStatusCode = 0x0030
	CodeInvalidDCLatch               ALStatusCode = 0x0031
	CodePLLError                     ALStatusCode = 0x0032
	CodeDCSyncIOError                ALStatusCode = 0x0033
	CodeDCSyncTimeout                ALStatusCode = 0x0034
	CodeDCInvalidSyncCycleTime       ALStatusCode = 0x0035
	CodeDCInvalidSync0CycleTime      ALStatusCode = 0x0036
	CodeDCInvalidSync1CycleTime      ALStatusCode = 0x0037
	CodeMailboxAoE                   ALStatusCode = 0x0041
	CodeMailboxEoE                   ALStatusCode = 0x0042
	CodeMailboxCoE                   ALStatusCode = 0x0043
	CodeMailboxFoE                   ALStatusCode = 0x0044
	CodeMailboxSoE                   ALStatusCode = 0x0045
	CodeMailboxVoE                   ALStatusCode = 0x004F
	CodeEEPROMNoAccess               ALStatusCode = 0x0050
	CodeEEPROMError                  ALStatusCode = 0x0051
	CodeRestartedLocally             ALStatusCode = 0x0060
	CodeDeviceIDUpdated              ALStatusCode = 0x0061
	CodeApplicationControllerPresent ALStatusCode = 0x00F0
	CodeUnknown                      ALStatusCode = 0xFFFF
)

var statusCodeText = map[ALStatusCode]string{
	CodeNoError:                      "no error",
	CodeUnspecified:                  "unspecified error",
	CodeNoMemory:                     "no memory",
	CodeInvalidRequestedStateChange:  "invalid requested state change",
	CodeUnknownRequestedState:        "unknown requested state",
	CodeBootstrapNotSupported:        "bootstrap not supported",
	CodeNoValidFirmware:              "no valid firmware",
	CodeInvalidMailboxConfig:         "invalid mailbox configuration",
	CodeInvalidMailboxConfigPreOp:    "invalid mailbox configuration",
	CodeInvalidSMConfig:              "invalid sync manager configuration",
	CodeNoValidInputs:                "no valid inputs available",
	CodeNoValidOutputs:               "no valid outputs",
	CodeSyncError:                    "synchronization error",
	CodeSMWatchdog:                   "sync manager watchdog",
	CodeInvalidSMTypes:               "invalid sync manager types",
	CodeInvalidOutputConfig:          "invalid output configuration",
	CodeInvalidInputConfig:           "invalid input configuration",
	CodeInvalidWatchdogConfig:        "invalid watchdog configuration",
	CodeNeedsColdStart:               "slave needs cold start",
	CodeNeedsInit:                    "slave needs INIT",
	CodeNeedsPreOp:                   "slave needs PREOP",
	CodeNeedsSafeOp:                  "slave needs SAFEOP",
	CodeInvalidInputMapping:          "invalid input mapping",
	CodeInvalidOutputMapping:         "invalid output mapping",
	CodeInconsistentSettings:         "inconsistent settings",
	CodeFreerunNotSupported:          "freerun not supported",
	CodeSyncNotSupported:             "synchronisation not supported",
	CodeFreerunNeeds3Buffer:          "freerun needs 3buffer mode",
	CodeBackgroundWatchdog:           "background watchdog",
	CodeNoValidIO:                    "no valid inputs and outputs",
	CodeFatalSyncError:               "fatal sync error",
	CodeNoSyncError:                  "no sync error",
	CodeInvalidInputFMMU:             "invalid input FMMU configuration",
	CodeInvalidDCSync:                "invalid DC SYNC configuration",
	CodeInvalidDCLatch:               "invalid DC latch configuration",
	CodePLLError:                     "PLL error",
	CodeDCSyncIOError:                "DC sync IO error",
	CodeDCSyncTimeout:                "DC sync timeout error",
	CodeDCInvalidSyncCycleTime:       "DC invalid sync cycle time",
	CodeDCInvalidSync0CycleTime:      "DC invalid sync0 cycle time",
	CodeDCInvalidSync1CycleTime:      "DC invalid sync1 cycle time",
	CodeMailboxAoE:                   "MBX_AOE",
	CodeMailboxEoE:                   "MBX_EOE",
	CodeMailboxCoE:                   "MBX_COE",
	CodeMailboxFoE:                   "MBX_FOE",
	CodeMailboxSoE:                   "MBX_SOE",
	CodeMailboxVoE:                   "MBX_VOE",
	CodeEEPROMNoAccess:               "EEPROM no access",
	CodeEEPROMError:                  "EEPROM error",
	CodeRestartedLocally:             "slave restarted locally",
	CodeDeviceIDUpdated:              "device identification value updated",
	CodeApplicationControllerPresent: "application controller available",
	CodeUnknown:                      "unknown",
}

// Description returns the human readable meaning of c.
func (c ALStatusCode) Description() string {
	if text, ok := statusCodeText[c]; ok {
		return text
	}
	return "unknown"
}

// String implements fmt.Stringer.
func (c ALStatusCode) String() string {
	return fmt.Sprintf("0x%04X (%s)", uint16(c), c.Description())
}
