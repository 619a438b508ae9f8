package master

import (
	"sync"
	"time"

	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/sii"
)

// SlaveID identifies a slave by its ring position. It indexes the slave
// table of a Master.
type SlaveID int

// StationBase is the configured station address of the first slave.
const StationBase uint16 = 0x1000

// Slave is a snapshot of one slave. Callers only ever receive copies.
type Slave struct {
	ID       SlaveID
	Position uint16
	Station  uint16
	Alias    uint16

	Vendor   uint32
	Product  uint32
	Revision uint32
	Serial   uint32
	Name     string

	State      esc.ALState
	ErrorFlag  bool
	StatusCode esc.ALStatusCode

	// Output and Input are the byte ranges of the slave in the process image.
	Output     Range
	Input      Range
	OutputBits int
	InputBits  int

	Mailbox sii.Mailbox

	FMMUs        int
	SyncManagers int
	DC           bool
	// Ports reports a physical link on ports 0 to 3.
	Ports [4]bool

	// PropagationDelay is the measured delay from the DC reference slave.
	PropagationDelay time.Duration

	// ExpectedWKC is the working counter contribution of the slave to a
	// process data cycle.
	ExpectedWKC uint16
	// Excluded is set when the fault policy took the slave out of the
	// process data.
	Excluded bool
}

// HasCoE reports whether the slave supports CoE over its mailbox.
func (s Slave) HasCoE() bool {
	return s.Mailbox.Supported() && s.Mailbox.Protocols.Has(sii.ProtoCoE)
}

// Topology is the result of Configure.
type Topology struct {
	Slaves      []Slave
	OutputBytes int
	InputBytes  int
	// DCReference is the first DC capable slave, -1 without distributed clocks.
	DCReference SlaveID
}

// slave is the master side record of a slave.
type slave struct {
	Slave

	info *sii.Info

	// SyncManager and FMMU assignment.
	mbxOutSM, mbxInSM int
	outSM, inSM       int
	outFMMU, inFMMU   int

	mbxMu      sync.Mutex
	mbxCounter uint8
	// od is the cached object dictionary, guarded by mbxMu.
	od *ObjectDictionary

	// DC latch results of the last propagation measurement.
	portTimes   [4]uint32
	receiveTime int64
}

func newSlave(pos int) *slave {
	return &slave{
		Slave: Slave{
			ID:       SlaveID(pos),
			Position: uint16(pos),
			Station:  StationBase + uint16(pos),
			State:    esc.StateNone,
		},
		mbxOutSM: -1, mbxInSM: -1,
		outSM: -1, inSM: -1,
		outFMMU: -1, inFMMU: -1,
	}
}

func (s *slave) snapshot() Slave { return s.Slave }

// participates reports whether the slave takes part in bus wide operations.
func (s *slave) participates() bool { return !s.Excluded }

// updateStatus stores an AL status read with a matching working counter.
func (s *slave) updateStatus(status esc.ALStatus, code esc.ALStatusCode) {
	s.State = status.State()
	s.ErrorFlag = status.HasError()
	s.StatusCode = code
}

// expectedWKC returns the LRW working counter of the slave.
func (s *slave) expectedWKC() uint16 {
	var n uint16
	if s.Output.Length > 0 {
		n += 2
	}
	if s.Input.Length > 0 {
		n++
	}

	return n
}
