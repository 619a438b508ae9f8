package master

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/frame"
)

// statePollInterval is the pause between two AL status polls.
const statePollInterval = time.Millisecond

func alStatusRead(s *slave) *frame.Datagram {
	return frame.NewRead(frame.FPRD, frame.Station(s.Station, esc.RegALStatus), esc.ALStatusBlockSize)
}

func parseALStatus(b []byte) (esc.ALStatus, esc.ALStatusCode) {
	return esc.ALStatus(binary.LittleEndian.Uint16(b[0:])), esc.ALStatusCode(binary.LittleEndian.Uint16(b[4:]))
}

// stepState writes to into the AL control register of every slave in ss
// and polls until each reports it. The returned slice holds the error of
// every slave that did not get there and is nil when all did.
func (m *Master) stepState(ctx context.Context, ss []*slave, to esc.ALState) ([]error, error) {
	if len(ss) == 0 {
		return nil, nil
	}

	from := make([]esc.ALState, len(ss))
	dgs := make([]*frame.Datagram, len(ss))
	for i, s := range ss {
		from[i] = s.State
		ctrl := uint16(to)
		if s.ErrorFlag {
			ctrl |= uint16(esc.ErrorFlag)
		}
		dgs[i] = frame.New(frame.FPWR, frame.Station(s.Station, esc.RegALControl), le16(ctrl))
	}

	replies, err := m.txrx(ctx, dgs...)
	if err != nil {
		return nil, err
	}

	var errs []error
	fail := func(i int, err error) {
		if errs == nil {
			errs = make([]error, len(ss))
		}
		errs[i] = err
	}

	waiting := make(map[int]bool, len(ss))
	for i, r := range replies {
		if r.WKC != 1 {
			fail(i, &StateError{Slave: ss[i].ID, From: from[i], To: to, Reported: ss[i].State, Err: wkcError(r, 1)})
			continue
		}
		m.metrics.incStateTransitions()
		waiting[i] = true
	}

	deadline := time.Now().Add(m.cfg.stateTimeout)
	for len(waiting) > 0 {
		if to == esc.StateOp && m.configured {
			if _, err := m.cycle(ctx, m.cfg.cycleTimeout); err != nil {
				return nil, err
			}
		}

		idx := make([]int, 0, len(waiting))
		polls := make([]*frame.Datagram, 0, len(waiting))
		for i := range ss {
			if waiting[i] {
				idx = append(idx, i)
				polls = append(polls, alStatusRead(ss[i]))
			}
		}

		replies, err := m.txrx(ctx, polls...)
		if err != nil && !errors.Is(err, ErrFrameLost) {
			return nil, err
		}
		for j, i := range idx {
			if err != nil || replies[j].WKC != 1 {
				continue
			}

			s := ss[i]
			status, code := parseALStatus(replies[j].Data)
			s.updateStatus(status, code)
			switch {
			case status.HasError():
				fail(i, &StateError{Slave: s.ID, From: from[i], To: to, Reported: s.State, StatusCode: code, Err: ErrSlaveFault})
				delete(waiting, i)
			case s.State == to:
				delete(waiting, i)
			}
		}

		if len(waiting) == 0 {
			break
		}
		if time.Now().After(deadline) {
			for i := range waiting {
				s := ss[i]
				fail(i, &StateError{Slave: s.ID, From: from[i], To: to, Reported: s.State, StatusCode: s.StatusCode, Err: ErrTransitionTimeout})
			}
			break
		}
		if err := sleepCtx(ctx, statePollInterval); err != nil {
			return nil, err
		}
	}

	return errs, nil
}

// driveState moves ss to target. Slaves above target are sent down
// directly; slaves below climb one state at a time in lockstep, the
// lowest first. onFault decides about every failed slave and returns
// a non-nil error to stop.
func (m *Master) driveState(ctx context.Context, ss []*slave, target esc.ALState, onFault func(*slave, error) error) error {
	var down []*slave
	for _, s := range ss {
		if s.State.Rank() > target.Rank() || s.State == esc.StateBoot {
			down = append(down, s)
		}
	}
	if err := m.applyStep(ctx, down, target, onFault); err != nil {
		return err
	}

	for {
		lowest := target
		var below []*slave
		for _, s := range ss {
			if s.Excluded || s.State.Rank() >= target.Rank() {
				continue
			}
			below = append(below, s)
			if s.State.Rank() < lowest.Rank() {
				lowest = s.State
			}
		}
		if len(below) == 0 {
			return nil
		}

		step := lowest.Next()
		if step.Rank() == 0 {
			step = esc.StateInit
		}

		var movers []*slave
		for _, s := range below {
			if s.State.Rank() < step.Rank() {
				movers = append(movers, s)
			}
		}
		if err := m.applyStep(ctx, movers, step, onFault); err != nil {
			return err
		}
	}
}

func (m *Master) applyStep(ctx context.Context, ss []*slave, to esc.ALState, onFault func(*slave, error) error) error {
	errs, err := m.stepState(ctx, ss, to)
	if err != nil {
		return err
	}
	defer m.updateBusState()

	for i, e := range errs {
		if e == nil {
			continue
		}
		if err := onFault(ss[i], e); err != nil {
			return err
		}
	}

	return nil
}

// requestStateLocked drives every participating slave to target under
// the fault policy. The caller holds the master lock.
func (m *Master) requestStateLocked(ctx context.Context, target esc.ALState) error {
	if _, err := m.readStatesLocked(ctx); err != nil {
		return err
	}

	onFault := func(s *slave, err error) error {
		if m.cfg.faultPolicy == HaltBus {
			return err
		}
		m.exclude(ctx, s, err)
		if len(m.participating()) == 0 {
			return fmt.Errorf("%w: every slave is excluded: %w", ErrBusNotOperational, err)
		}

		return nil
	}

	err := m.driveState(ctx, m.participating(), target, onFault)
	m.updateBusState()

	return err
}

// exclude takes s out of the process data by deactivating its FMMUs.
func (m *Master) exclude(ctx context.Context, s *slave, cause error) {
	s.Excluded = true
	s.ExpectedWKC = 0
	m.metrics.incExcludedSlaves()

	for _, i := range []int{s.outFMMU, s.inFMMU} {
		if i < 0 {
			continue
		}
		if err := m.write(ctx, s, esc.FMMUAddr(i)+12, []byte{0}); err != nil {
			m.logger.Debug("deactivate FMMU", "slave", s.ID, "fmmu", i, "error", err)
		}
	}

	m.logger.Warn("slave excluded", "slave", s.ID, "name", s.Name, "state", s.State, "error", cause)
}

// updateBusState publishes the lowest state of the participating slaves.
func (m *Master) updateBusState() {
	ss := m.participating()
	if len(ss) == 0 {
		m.bus.set(esc.StateNone)
		return
	}

	lowest := ss[0].State
	for _, s := range ss[1:] {
		if s.State.Rank() < lowest.Rank() {
			lowest = s.State
		}
	}
	m.bus.set(lowest)
}

// readStatesLocked refreshes the AL status of every slave in one frame.
// Slaves answering with a wrong working counter keep their last status.
func (m *Master) readStatesLocked(ctx context.Context) (esc.ALState, error) {
	dgs := make([]*frame.Datagram, len(m.slaves))
	for i, s := range m.slaves {
		dgs[i] = alStatusRead(s)
	}

	replies, err := m.txrx(ctx, dgs...)
	if err != nil {
		return m.bus.State(), err
	}

	for i, r := range replies {
		s := m.slaves[i]
		if r.WKC != 1 {
			m.logger.Debug("AL status not answered", "slave", s.ID, "wkc", r.WKC)
			continue
		}

		prev := s.State
		status, code := parseALStatus(r.Data)
		s.updateStatus(status, code)
		if s.State.Rank() < prev.Rank() && !s.Excluded {
			m.logger.Warn("slave state fell", "slave", s.ID, "from", prev, "to", s.State, "code", code)
		}
	}
	m.updateBusState()

	return m.bus.State(), nil
}

func (m *Master) checkConfigured() error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if !m.configured {
		return ErrNotConfigured
	}

	return nil
}

// RequestState drives every participating slave to target. Upward
// requests pass through every intermediate state.
func (m *Master) RequestState(ctx context.Context, target esc.ALState) error {
	if !target.Requestable() {
		return fmt.Errorf("%w: %s is not a requestable state", ErrInvalidState, target)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConfigured(); err != nil {
		return err
	}

	return m.requestStateLocked(ctx, target)
}

// RequestSlaveState drives one slave to target. The fault policy does
// not apply; the error of the slave is returned. An excluded slave may
// only be moved down.
func (m *Master) RequestSlaveState(ctx context.Context, id SlaveID, target esc.ALState) error {
	if !target.Requestable() {
		return fmt.Errorf("%w: %s is not a requestable state", ErrInvalidState, target)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConfigured(); err != nil {
		return err
	}
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	ss := []*slave{s}
	if dgs, err := m.txrx(ctx, alStatusRead(s)); err == nil && dgs[0].WKC == 1 {
		s.updateStatus(parseALStatus(dgs[0].Data))
	}
	if s.Excluded && target.Rank() > s.State.Rank() {
		return fmt.Errorf("%w: slave %d is excluded from the process data", ErrInvalidState, id)
	}

	err = m.driveState(ctx, ss, target, func(_ *slave, err error) error { return err })
	m.updateBusState()

	return err
}

// ReadStates refreshes the AL status of every slave and returns the bus
// state.
func (m *Master) ReadStates(ctx context.Context) (esc.ALState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(); err != nil {
		return esc.StateNone, err
	}
	if m.slaves == nil {
		return esc.StateNone, ErrNotConfigured
	}

	return m.readStatesLocked(ctx)
}

// AcknowledgeFault clears the error flag of a slave by writing its
// current state with the acknowledge bit.
func (m *Master) AcknowledgeFault(ctx context.Context, id SlaveID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	if err := m.write(ctx, s, esc.RegALControl, le16(uint16(s.State|esc.ErrorFlag))); err != nil {
		return err
	}

	data, err := m.read(ctx, s, esc.RegALStatus, esc.ALStatusBlockSize)
	if err != nil {
		return err
	}
	status, code := parseALStatus(data)
	s.updateStatus(status, code)
	m.updateBusState()

	if s.ErrorFlag {
		return &StateError{Slave: s.ID, From: s.State, To: s.State, Reported: s.State, StatusCode: code, Err: ErrSlaveFault}
	}

	return nil
}
