package master

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/frame"
	"github.com/arloliu/go-ecat/internal/util"
)

const dcSyncTask = "dc-sync"

// dcSlaves returns the participating DC capable slaves in ring order.
func (m *Master) dcSlaves() []*slave {
	var ss []*slave
	for _, s := range m.slaves {
		if s.DC && s.participates() {
			ss = append(ss, s)
		}
	}

	return ss
}

// checkLine rejects segments with links on port 2 or 3.
func (m *Master) checkLine() error {
	for _, s := range m.slaves {
		for p := 2; p < len(s.Ports); p++ {
			if s.Ports[p] {
				return &DCError{Op: "topology", Slave: int(s.ID), Err: fmt.Errorf("%w: link on port %d", ErrUnsupportedTopology, p)}
			}
		}
	}

	return nil
}

// MeasurePropagationDelay latches the port receive times of every slave
// and computes the delay of each DC slave from the reference slave, the
// first DC slave. The delays are written to the system time delay
// registers.
func (m *Master) MeasurePropagationDelay(ctx context.Context) (map[SlaveID]time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if m.slaves == nil {
		return nil, ErrNotConfigured
	}

	return m.measureLocked(ctx)
}

func (m *Master) measureLocked(ctx context.Context) (map[SlaveID]time.Duration, error) {
	ss := m.dcSlaves()
	if len(ss) == 0 {
		return nil, &DCError{Op: "measure", Slave: -1, Err: ErrNoDCSlaves}
	}
	if err := m.checkLine(); err != nil {
		return nil, err
	}

	latch, err := m.one(ctx, frame.New(frame.BWR, frame.Broadcast(esc.RegDCPortTime0), make([]byte, 4)))
	if err != nil {
		return nil, &DCError{Op: "latch", Slave: -1, Err: err}
	}
	if int(latch.WKC) != len(m.slaves) {
		return nil, &DCError{Op: "latch", Slave: -1, Err: wkcError(latch, uint16(len(m.slaves)))}
	}

	dgs := make([]*frame.Datagram, 0, 2*len(ss))
	for _, s := range ss {
		dgs = append(dgs,
			frame.NewRead(frame.FPRD, frame.Station(s.Station, esc.RegDCPortTime0), esc.DCPortTimesSize),
			frame.NewRead(frame.FPRD, frame.Station(s.Station, esc.RegDCReceiveTime), 8),
		)
	}
	replies, err := m.txrx(ctx, dgs...)
	if err != nil {
		return nil, &DCError{Op: "read port times", Slave: -1, Err: err}
	}

	loops := make([]int64, len(ss))
	for i, s := range ss {
		pt, rt := replies[2*i], replies[2*i+1]
		for _, d := range []*frame.Datagram{pt, rt} {
			if d.WKC != 1 {
				return nil, &DCError{Op: "read port times", Slave: int(s.ID), Err: wkcError(d, 1)}
			}
		}
		for p := range s.portTimes {
			s.portTimes[p] = binary.LittleEndian.Uint32(pt.Data[4*p:])
		}
		s.receiveTime = int64(binary.LittleEndian.Uint64(rt.Data))

		// the returning frame passes port 1 only when it has a link
		if s.Ports[1] {
			loops[i] = int64(s.portTimes[1] - s.portTimes[0])
		}
	}

	delays := make(map[SlaveID]time.Duration, len(ss))
	writes := make([]*frame.Datagram, len(ss))
	for i, s := range ss {
		d := (loops[0] - loops[i]) / 2
		s.PropagationDelay = time.Duration(d)
		delays[s.ID] = s.PropagationDelay
		writes[i] = frame.New(frame.FPWR, frame.Station(s.Station, esc.RegDCSystemDelay), le32(uint32(d)))
	}
	if err := m.writeAll(ctx, ss, writes, "write delay"); err != nil {
		return nil, err
	}

	m.dcRef = int(ss[0].ID)
	m.logger.Debug("propagation delays measured", "reference", m.dcRef, "slaves", len(ss))

	return delays, nil
}

func (m *Master) writeAll(ctx context.Context, ss []*slave, dgs []*frame.Datagram, op string) error {
	replies, err := m.txrx(ctx, dgs...)
	if err != nil {
		return &DCError{Op: op, Slave: -1, Err: err}
	}
	for i, r := range replies {
		if r.WKC != 1 {
			return &DCError{Op: op, Slave: int(ss[i].ID), Err: wkcError(r, 1)}
		}
	}

	return nil
}

// AlignClocks writes the static system time offset of every DC slave so
// its system time matches the clock of the reference slave. It uses the
// receive times of the last propagation delay measurement.
func (m *Master) AlignClocks(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(); err != nil {
		return err
	}
	if m.slaves == nil {
		return ErrNotConfigured
	}

	return m.alignLocked(ctx)
}

func (m *Master) alignLocked(ctx context.Context) error {
	ss := m.dcSlaves()
	if len(ss) == 0 || m.dcRef < 0 {
		return &DCError{Op: "align", Slave: -1, Err: ErrNoDCSlaves}
	}

	ref := m.slaves[m.dcRef]
	dgs := make([]*frame.Datagram, len(ss))
	for i, s := range ss {
		var off int64
		if s != ref {
			off = ref.receiveTime - s.receiveTime + s.PropagationDelay.Nanoseconds()
		}
		dgs[i] = frame.New(frame.FPWR, frame.Station(s.Station, esc.RegDCSystemOffset), le64(uint64(off)))
	}
	if err := m.writeAll(ctx, ss, dgs, "write offset"); err != nil {
		return err
	}
	m.dcActive = true

	return nil
}

// ApplyOffsetCorrection reads the system time of every DC slave in one
// frame and moves each offset towards the reference by at most the
// configured step. It returns the error of every slave before the
// correction.
func (m *Master) ApplyOffsetCorrection(ctx context.Context) (map[SlaveID]time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if m.slaves == nil {
		return nil, ErrNotConfigured
	}

	return m.correctLocked(ctx)
}

func (m *Master) correctLocked(ctx context.Context) (map[SlaveID]time.Duration, error) {
	ss := m.dcSlaves()
	if len(ss) == 0 || m.dcRef < 0 {
		return nil, &DCError{Op: "correct", Slave: -1, Err: ErrNoDCSlaves}
	}

	dgs := make([]*frame.Datagram, 0, 2*len(ss))
	for _, s := range ss {
		dgs = append(dgs,
			frame.NewRead(frame.FPRD, frame.Station(s.Station, esc.RegDCSystemTime), 8),
			frame.NewRead(frame.FPRD, frame.Station(s.Station, esc.RegDCSystemOffset), 8),
		)
	}
	replies, err := m.txrx(ctx, dgs...)
	if err != nil {
		return nil, &DCError{Op: "read system time", Slave: -1, Err: err}
	}
	for i, r := range replies {
		if r.WKC != 1 {
			return nil, &DCError{Op: "read system time", Slave: int(ss[i/2].ID), Err: wkcError(r, 1)}
		}
	}

	var refTime int64
	for i, s := range ss {
		if int(s.ID) == m.dcRef {
			refTime = int64(binary.LittleEndian.Uint64(replies[2*i].Data))
		}
	}

	step := m.cfg.dcMaxStep.Nanoseconds()
	errs := make(map[SlaveID]time.Duration, len(ss))
	var writes []*frame.Datagram
	var targets []*slave
	for i, s := range ss {
		st := int64(binary.LittleEndian.Uint64(replies[2*i].Data))
		off := int64(binary.LittleEndian.Uint64(replies[2*i+1].Data))

		diff := st - refTime - s.PropagationDelay.Nanoseconds()
		errs[s.ID] = time.Duration(diff)
		if int(s.ID) == m.dcRef || diff == 0 {
			continue
		}

		off -= util.Clamp(diff, -step, step)
		writes = append(writes, frame.New(frame.FPWR, frame.Station(s.Station, esc.RegDCSystemOffset), le64(uint64(off))))
		targets = append(targets, s)
	}

	if len(writes) > 0 {
		if err := m.writeAll(ctx, targets, writes, "write offset"); err != nil {
			return nil, err
		}
	}
	m.metrics.incDCCorrections()

	return errs, nil
}

// StartClockSync runs ApplyOffsetCorrection every interval on a
// background task until StopClockSync or Close. A zero interval uses
// the configured sync interval. Correction failures are logged.
func (m *Master) StartClockSync(interval time.Duration) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if interval <= 0 {
		interval = m.cfg.dcSyncInterval
	}

	m.mu.RLock()
	active := m.dcActive
	m.mu.RUnlock()
	if !active {
		return &DCError{Op: "start sync", Slave: -1, Err: ErrNoDCSlaves}
	}

	ctx := m.taskMgr.Context()
	return m.taskMgr.StartInterval(dcSyncTask, func() bool {
		if _, err := m.ApplyOffsetCorrection(ctx); err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return false
			}
			m.logger.Warn("clock correction failed", "error", err)
		}

		return true
	}, interval, false)
}

// StopClockSync stops the task started by StartClockSync.
func (m *Master) StopClockSync() error {
	if !m.taskMgr.HasInterval(dcSyncTask) {
		return nil
	}

	return m.taskMgr.StopInterval(dcSyncTask)
}
