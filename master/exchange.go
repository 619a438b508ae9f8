package master

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/frame"
	"github.com/arloliu/go-ecat/internal/util"
)

// CycleResult is the outcome of one process data cycle.
type CycleResult struct {
	// WorkingCounterOK is set when every segment returned with the
	// expected working counter.
	WorkingCounterOK bool
	// DegradedSlaves lists the slaves of segments that were lost or
	// returned a wrong working counter, in ring order. Their inputs kept
	// the values of the last good cycle.
	DegradedSlaves []SlaveID

	WorkingCounter         uint16
	ExpectedWorkingCounter uint16

	// DCTime is the system time of the DC reference slave read in the
	// same frame. DCTimeValid is false without distributed clocks.
	DCTime      uint64
	DCTimeValid bool
}

// Exchange runs one process data cycle: the output partition is sent,
// the input partition updated from the returned data. Working counter
// failures are reported in the result; the error is set only when no
// cycle could run.
func (m *Master) Exchange(ctx context.Context) (CycleResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkConfigured(); err != nil {
		return CycleResult{}, err
	}
	if st := m.bus.State(); st != esc.StateOp {
		return CycleResult{}, fmt.Errorf("%w: bus is in %s", ErrBusNotOperational, st)
	}

	return m.cycle(ctx, m.cfg.cycleTimeout)
}

// cycle exchanges the process image once. The caller holds the master
// lock, shared or exclusive.
func (m *Master) cycle(ctx context.Context, timeout time.Duration) (CycleResult, error) {
	res := CycleResult{WorkingCounterOK: true}

	m.img.mu.Lock()
	dgs := make([]*frame.Datagram, 0, len(m.segments)+1)
	for _, seg := range m.segments {
		dgs = append(dgs, frame.New(frame.LRW, frame.Logical(uint32(seg.Offset)), m.img.buf[seg.Offset:seg.End()]))
	}
	m.img.mu.Unlock()

	dcIdx := -1
	if m.dcActive && m.dcRef >= 0 {
		ref := m.slaves[m.dcRef]
		dcIdx = len(dgs)
		dgs = append(dgs, frame.NewRead(frame.FRMW, frame.Station(ref.Station, esc.RegDCSystemTime), 8))
	}
	if len(dgs) == 0 {
		m.metrics.incCycles()
		return res, nil
	}

	replies, err := m.tp.roundTrip(ctx, dgs, timeout)
	if err != nil {
		return CycleResult{}, err
	}

	degraded := make(map[SlaveID]bool)
	m.img.mu.Lock()
	for i, seg := range m.segments {
		want, ids := seg.expected(m.slaves)
		res.ExpectedWorkingCounter += want

		r := replies[i]
		if r != nil {
			res.WorkingCounter += r.WKC
		}
		if r == nil || r.WKC != want {
			res.WorkingCounterOK = false
			for _, id := range ids {
				degraded[id] = true
			}
			continue
		}

		// inputs only; the output partition belongs to the application
		lo := max(seg.Offset, m.img.outputs)
		if lo < seg.End() {
			copy(m.img.buf[lo:seg.End()], r.Data[lo-seg.Offset:])
		}
	}
	m.img.mu.Unlock()

	if dcIdx >= 0 {
		if r := replies[dcIdx]; r != nil && r.WKC > 0 {
			res.DCTime = binary.LittleEndian.Uint64(r.Data)
			res.DCTimeValid = true
		}
	}

	for id := range degraded {
		res.DegradedSlaves = append(res.DegradedSlaves, id)
	}
	slices.Sort(res.DegradedSlaves)

	m.metrics.incCycles()
	if !res.WorkingCounterOK {
		m.metrics.incDegradedCycles()
		m.metrics.incWKCMismatches()
		m.logger.Debug("degraded cycle", "wkc", res.WorkingCounter, "expected", res.ExpectedWorkingCounter, "slaves", res.DegradedSlaves)
	}

	return res, nil
}

// ioRange returns the image range of id in one direction. The caller
// holds the master lock.
func (m *Master) ioRange(id SlaveID, outputs bool) (Range, error) {
	if err := m.checkConfigured(); err != nil {
		return Range{}, err
	}
	s, err := m.lookup(id)
	if err != nil {
		return Range{}, err
	}
	if outputs {
		return s.Output, nil
	}

	return s.Input, nil
}

// WriteOutputs stores the outputs of one slave for the next cycle. data
// must match the output size of the slave.
func (m *Master) WriteOutputs(id SlaveID, data []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, err := m.ioRange(id, true)
	if err != nil {
		return err
	}
	if len(data) != r.Length {
		return fmt.Errorf("%w: slave %d has %d output bytes, got %d", ErrInvalidLength, id, r.Length, len(data))
	}

	m.img.mu.Lock()
	copy(m.img.buf[r.Offset:r.End()], data)
	m.img.mu.Unlock()

	return nil
}

// ReadOutputs returns a copy of the outputs of one slave.
func (m *Master) ReadOutputs(id SlaveID) ([]byte, error) {
	return m.readRange(id, true)
}

// ReadInputs returns a copy of the inputs of one slave as of the last
// good cycle.
func (m *Master) ReadInputs(id SlaveID) ([]byte, error) {
	return m.readRange(id, false)
}

func (m *Master) readRange(id SlaveID, outputs bool) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, err := m.ioRange(id, outputs)
	if err != nil {
		return nil, err
	}

	m.img.mu.Lock()
	defer m.img.mu.Unlock()

	return util.CloneSlice(m.img.buf[r.Offset:r.End()], r.Length), nil
}

// UpdateOutputs calls fn with the whole output partition under the image
// lock, so a cycle never sends a partial update.
func (m *Master) UpdateOutputs(fn func(outputs []byte)) error {
	if fn == nil {
		return errors.New("master: nil output update")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkConfigured(); err != nil {
		return err
	}

	m.img.mu.Lock()
	defer m.img.mu.Unlock()
	fn(m.img.buf[:m.img.outputs])

	return nil
}
