package master

import "sync/atomic"

// Metrics contains atomic counters of a Master.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// FramesSent is the number of frames handed to the link.
	FramesSent atomic.Uint64
	// FramesReceived is the number of returned frames matched to a request.
	FramesReceived atomic.Uint64
	// FramesLost is the number of frames that did not return in time.
	FramesLost atomic.Uint64
	// FramesDiscarded is the number of stale, duplicate or unknown frames.
	FramesDiscarded atomic.Uint64

	// Cycles is the number of process data cycles.
	Cycles atomic.Uint64
	// DegradedCycles is the number of cycles with a mismatch or a lost frame.
	DegradedCycles atomic.Uint64
	// WorkingCounterMismatches is the number of process data datagrams
	// returned with an unexpected working counter.
	WorkingCounterMismatches atomic.Uint64

	// Retries is the number of retried frames and mailbox transactions.
	Retries atomic.Uint64
	// StateTransitions is the number of AL control writes.
	StateTransitions atomic.Uint64
	// DCCorrections is the number of applied clock offset corrections.
	DCCorrections atomic.Uint64

	// ExcludedSlaves is the number of slaves excluded by the fault policy.
	ExcludedSlaves atomic.Int32
}

func (m *Metrics) incFramesSent()      { m.FramesSent.Add(1) }
func (m *Metrics) incFramesReceived()  { m.FramesReceived.Add(1) }
func (m *Metrics) incFramesLost()      { m.FramesLost.Add(1) }
func (m *Metrics) incFramesDiscarded() { m.FramesDiscarded.Add(1) }

func (m *Metrics) incCycles()         { m.Cycles.Add(1) }
func (m *Metrics) incDegradedCycles() { m.DegradedCycles.Add(1) }
func (m *Metrics) incWKCMismatches()  { m.WorkingCounterMismatches.Add(1) }

func (m *Metrics) incRetries()          { m.Retries.Add(1) }
func (m *Metrics) incStateTransitions() { m.StateTransitions.Add(1) }
func (m *Metrics) incDCCorrections()    { m.DCCorrections.Add(1) }

func (m *Metrics) incExcludedSlaves()   { m.ExcludedSlaves.Add(1) }
func (m *Metrics) resetExcludedSlaves() { m.ExcludedSlaves.Store(0) }
