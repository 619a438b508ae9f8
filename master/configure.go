package master

import (
	"context"
	"errors"
	"fmt"

	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/sii"
)

// Configure enumerates the segment, reads every slave's identity and
// process data mapping, lays out the process image, programs the
// SyncManagers and FMMUs and leaves the bus in PreOp. With distributed
// clocks enabled the propagation delays are measured and the clocks
// aligned. Configure may be called again to start over.
func (m *Master) Configure(ctx context.Context) (*Topology, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	m.configured = false
	m.dcActive = false
	m.dcRef = -1
	m.layout = nil
	m.segments = nil
	m.metrics.resetExcludedSlaves()

	n, err := m.countSlaves(ctx)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("slaves counted", "count", n)

	if err := m.resetBus(ctx, n); err != nil {
		return nil, err
	}

	m.slaves = make([]*slave, n)
	for i := range m.slaves {
		m.slaves[i] = newSlave(i)
	}

	if err := m.assignAddresses(ctx); err != nil {
		return nil, err
	}
	if err := m.readESCInfo(ctx); err != nil {
		return nil, err
	}
	for _, s := range m.slaves {
		if err := m.readSII(ctx, s); err != nil {
			return nil, err
		}
		m.logger.Debug("slave found", "slave", s.ID, "name", s.Name,
			"vendor", fmt.Sprintf("0x%08X", s.Vendor), "product", fmt.Sprintf("0x%08X", s.Product))
	}

	errs, err := m.stepState(ctx, m.slaves, esc.StateInit)
	if err != nil {
		return nil, &ConfigError{Op: "Init", Slave: -1, Err: err}
	}
	for i, e := range errs {
		if e != nil {
			return nil, &ConfigError{Op: "Init", Slave: i, Err: e}
		}
	}
	m.updateBusState()

	for _, s := range m.slaves {
		if err := m.programMailbox(ctx, s); err != nil {
			return nil, err
		}
	}

	if err := m.requestStateLocked(ctx, esc.StatePreOp); err != nil {
		return nil, stateConfigError("PreOp", err)
	}

	if err := m.mapProcessData(ctx); err != nil {
		return nil, err
	}
	if m.cfg.readOD {
		if err := m.readDictionaries(ctx); err != nil {
			return nil, err
		}
	}
	m.configured = true

	if m.cfg.dc && len(m.dcSlaves()) > 0 {
		if _, err := m.measureLocked(ctx); err != nil {
			m.logger.Warn("propagation delay measurement failed", "error", err)
		} else if err := m.alignLocked(ctx); err != nil {
			m.logger.Warn("clock alignment failed", "error", err)
		}
	}

	m.updateBusState()
	m.logger.Info("segment configured", "slaves", n,
		"outputs", m.layout.OutputBytes, "inputs", m.layout.InputBytes, "dc", m.dcActive)

	return m.topology(), nil
}

// readDictionaries caches the object dictionary of every participating
// slave that publishes one.
func (m *Master) readDictionaries(ctx context.Context) error {
	for _, s := range m.slaves {
		if !s.participates() || !s.HasCoE() || s.info == nil || s.info.CoEDetails&sii.CoESDOInfo == 0 {
			continue
		}
		od, err := m.readDictionary(ctx, s)
		if err != nil {
			return &ConfigError{Op: "OD", Slave: int(s.ID), Err: err}
		}
		m.logger.Debug("object dictionary cached", "slave", s.ID, "objects", len(od.Objects))
	}

	return nil
}

func stateConfigError(op string, err error) error {
	slave := -1
	var se *StateError
	if errors.As(err, &se) {
		slave = int(se.Slave)
	}

	return &ConfigError{Op: op, Slave: slave, Err: err}
}

// mapProcessData discovers the PDO mapping of every participating slave,
// computes the layout and programs SyncManagers and FMMUs.
func (m *Master) mapProcessData(ctx context.Context) error {
	maps := make([]pdoMapping, len(m.slaves))
	sizes := make([]IOSize, len(m.slaves))
	for i, s := range m.slaves {
		if !s.participates() {
			continue
		}

		p, err := m.discoverPDOs(ctx, s)
		if err != nil {
			return &ConfigError{Op: "PDO mapping", Slave: i, Err: err}
		}
		if err := checkMapping(s, p); err != nil {
			return &ConfigError{Op: "PDO mapping", Slave: i, Err: err}
		}
		maps[i] = p
		sizes[i] = p.sizes()
	}

	layout, err := ComputeLayout(sizes, m.cfg.imageCapacity)
	if err != nil {
		return &ConfigError{Op: "layout", Slave: -1, Err: err}
	}

	for i, s := range m.slaves {
		s.Output, s.Input = layout.Outputs[i], layout.Inputs[i]
		s.OutputBits, s.InputBits = maps[i].outBits, maps[i].inBits
		if !s.participates() {
			continue
		}
		if err := m.programProcessData(ctx, s, maps[i]); err != nil {
			return err
		}
		s.ExpectedWKC = s.expectedWKC()
	}

	m.layout = layout
	m.segments = buildSegments(layout, defaultSegmentLimit)

	m.img.mu.Lock()
	m.img.buf = make([]byte, layout.Size())
	m.img.outputs = layout.OutputBytes
	m.img.mu.Unlock()

	return nil
}

// programProcessData writes the process data SyncManagers and the FMMUs
// mapping them into the logical address space.
func (m *Master) programProcessData(ctx context.Context, s *slave, p pdoMapping) error {
	dirs := []struct {
		r       Range
		sm      int
		typ     esc.FMMUType
		control uint8
	}{
		{s.Output, p.outSM, esc.FMMUWrite, esc.SMControlOutputs},
		{s.Input, p.inSM, esc.FMMURead, esc.SMControlInputs},
	}

	need := 0
	for _, d := range dirs {
		if d.r.Length > 0 {
			need++
		}
	}
	if need > s.FMMUs {
		return &ConfigError{Op: "FMMU", Slave: int(s.ID), Expected: need, Got: s.FMMUs, Err: ErrInsufficientFMMU}
	}

	fmmu := 0
	for _, d := range dirs {
		if d.r.Length == 0 {
			continue
		}

		sm := esc.SyncManager{Length: uint16(d.r.Length), Control: d.control, Activate: 1}
		if s.info != nil && d.sm < len(s.info.SyncManagers) {
			entry := s.info.SyncManagers[d.sm]
			sm.Start = entry.Start
			if entry.Control != 0 {
				sm.Control = entry.Control
			}
		}
		b, _ := sm.MarshalBinary()
		if err := m.write(ctx, s, esc.SMAddr(d.sm), b); err != nil {
			return &ConfigError{Op: "program SyncManager", Slave: int(s.ID), Err: err}
		}

		f := esc.FMMU{
			LogicalStart:  uint32(d.r.Offset),
			Length:        uint16(d.r.Length),
			LogicalEndBit: 7,
			PhysicalStart: sm.Start,
			Type:          d.typ,
			Active:        true,
		}
		b, _ = f.MarshalBinary()
		if err := m.write(ctx, s, esc.FMMUAddr(fmmu), b); err != nil {
			return &ConfigError{Op: "program FMMU", Slave: int(s.ID), Err: err}
		}

		if d.typ == esc.FMMUWrite {
			s.outSM, s.outFMMU = d.sm, fmmu
		} else {
			s.inSM, s.inFMMU = d.sm, fmmu
		}
		fmmu++
	}

	return nil
}
