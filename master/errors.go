package master

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-ecat/coe"
	"github.com/arloliu/go-ecat/esc"
)

var (
	// ErrWorkingCounterMismatch means a datagram returned with an unexpected working counter.
	ErrWorkingCounterMismatch = errors.New("master: working counter mismatch")
	// ErrMailboxTimeout means an SII or mailbox access did not complete within its retry budget.
	ErrMailboxTimeout = errors.New("master: mailbox timeout")
	// ErrImageTooLarge means the process data does not fit the image capacity.
	ErrImageTooLarge = errors.New("master: process image too large")
	// ErrInsufficientFMMU means a slave has fewer FMMUs than its mapping needs.
	ErrInsufficientFMMU = errors.New("master: insufficient FMMUs")
	// ErrTransitionTimeout means a slave did not reach a requested state in time.
	ErrTransitionTimeout = errors.New("master: state transition timeout")
	// ErrSlaveFault means a slave reported the AL error flag.
	ErrSlaveFault = errors.New("master: slave fault")
	// ErrNoDCSlaves means no slave supports distributed clocks.
	ErrNoDCSlaves = errors.New("master: no DC capable slaves")
	// ErrUnsupportedTopology means the segment is not a line.
	ErrUnsupportedTopology = errors.New("master: unsupported topology")
	// ErrFrameLost means a frame did not return after all retries.
	ErrFrameLost = errors.New("master: frame lost")
	// ErrSDOTooLarge means an SDO transfer does not fit one mailbox.
	ErrSDOTooLarge = errors.New("master: SDO transfer exceeds mailbox")
	// ErrNoCoE means the slave has no CoE mailbox.
	ErrNoCoE = errors.New("master: slave does not support CoE")
	// ErrNoSDOInfo means the slave does not publish its object dictionary.
	ErrNoSDOInfo = errors.New("master: slave does not support SDO information")
	// ErrUnknownObject means an object is missing from the slave's dictionary.
	ErrUnknownObject = errors.New("master: object not in dictionary")

	// ErrClosed means the master is closed.
	ErrClosed = errors.New("master: closed")
	// ErrNotConfigured means Configure has not completed.
	ErrNotConfigured = errors.New("master: not configured")
	// ErrBusNotOperational means not every participating slave is in Op.
	ErrBusNotOperational = errors.New("master: bus not operational")
	// ErrInvalidState means a state is not a valid request target here.
	ErrInvalidState = errors.New("master: invalid state")
	// ErrUnknownSlave means the slave id is not in the slave table.
	ErrUnknownSlave = errors.New("master: unknown slave")
	// ErrInvalidLength means process data does not fit the slave's range.
	ErrInvalidLength = errors.New("master: invalid process data length")
)

// ConfigError reports a failed configuration step.
type ConfigError struct {
	Op       string
	Slave    int // -1 for bus wide steps
	Expected int
	Got      int
	Err      error
}

func (e *ConfigError) Error() string {
	msg := "master: configure " + e.Op
	if e.Slave >= 0 {
		msg += fmt.Sprintf(" slave %d", e.Slave)
	}
	if e.Expected != 0 || e.Got != 0 {
		msg += fmt.Sprintf(": expected %d, got %d", e.Expected, e.Got)
	}

	return msg + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// StateError reports a failed state transition of one slave.
type StateError struct {
	Slave      SlaveID
	From       esc.ALState
	To         esc.ALState
	Reported   esc.ALState
	StatusCode esc.ALStatusCode
	Err        error
}

func (e *StateError) Error() string {
	if errors.Is(e.Err, ErrSlaveFault) {
		return fmt.Sprintf("master: slave %d %s->%s: reported %s+Error, code %s: %v",
			e.Slave, e.From, e.To, e.Reported, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("master: slave %d %s->%s: %v", e.Slave, e.From, e.To, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// DCError reports a distributed clock failure. It never stops the
// process data exchange.
type DCError struct {
	Op    string
	Slave int // -1 for bus wide steps
	Err   error
}

func (e *DCError) Error() string {
	if e.Slave >= 0 {
		return fmt.Sprintf("master: dc %s slave %d: %v", e.Op, e.Slave, e.Err)
	}

	return fmt.Sprintf("master: dc %s: %v", e.Op, e.Err)
}

func (e *DCError) Unwrap() error { return e.Err }

// SDOAbortError is an SDO transfer aborted by the slave.
type SDOAbortError struct {
	Slave    SlaveID
	Index    uint16
	SubIndex uint8
	Code     coe.AbortCode
}

func (e *SDOAbortError) Error() string {
	return fmt.Sprintf("master: slave %d: SDO 0x%04X:%02X aborted with 0x%08X: %s",
		e.Slave, e.Index, e.SubIndex, uint32(e.Code), e.Code.Description())
}
