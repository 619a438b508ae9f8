package master

import (
	"context"
	"errors"
	"fmt"

	"github.com/arloliu/go-ecat/internal/util"
	"github.com/arloliu/go-ecat/sii"
)

// CoE objects describing the process data mapping.
const (
	objSMType       uint16 = 0x1C00
	objSMAssignBase uint16 = 0x1C10
)

// pdoMapping is the process data geometry of one slave.
type pdoMapping struct {
	outSM, inSM     int
	outBits, inBits int
}

func (p pdoMapping) sizes() IOSize {
	return IOSize{Outputs: util.DivCeil(p.outBits, 8), Inputs: util.DivCeil(p.inBits, 8)}
}

// discoverPDOs reads the PDO mapping of s. CoE slaves are asked through
// the mailbox first; a slave that aborts the request is described by
// its SII instead.
func (m *Master) discoverPDOs(ctx context.Context, s *slave) (pdoMapping, error) {
	if m.cfg.coeMapping && s.HasCoE() {
		p, err := m.coePDOs(ctx, s)
		if err == nil {
			return p, nil
		}

		var abort *SDOAbortError
		if !errors.As(err, &abort) {
			return pdoMapping{}, err
		}
		m.logger.Debug("CoE PDO mapping unavailable, using SII", "slave", s.ID, "error", err)
	}

	return m.siiPDOs(s), nil
}

func (m *Master) coePDOs(ctx context.Context, s *slave) (pdoMapping, error) {
	p := pdoMapping{outSM: -1, inSM: -1}

	n, err := m.uploadUint(ctx, s, objSMType, 0, 1)
	if err != nil {
		return p, err
	}

	for sm := 0; sm < int(n); sm++ {
		typ, err := m.uploadUint(ctx, s, objSMType, uint8(sm+1), 1)
		if err != nil {
			return p, err
		}

		var bits *int
		switch sii.SMType(typ) {
		case sii.SMOutputs:
			if p.outSM >= 0 {
				continue
			}
			p.outSM, bits = sm, &p.outBits
		case sii.SMInputs:
			if p.inSM >= 0 {
				continue
			}
			p.inSM, bits = sm, &p.inBits
		default:
			continue
		}

		if *bits, err = m.assignedBits(ctx, s, objSMAssignBase+uint16(sm)); err != nil {
			return p, err
		}
	}

	return p, nil
}

// assignedBits sums the entry lengths of the PDOs in an assignment object.
func (m *Master) assignedBits(ctx context.Context, s *slave, assign uint16) (int, error) {
	count, err := m.uploadUint(ctx, s, assign, 0, 1)
	if err != nil {
		return 0, err
	}

	total := 0
	for i := 1; i <= int(count); i++ {
		pdo, err := m.uploadUint(ctx, s, assign, uint8(i), 2)
		if err != nil {
			return 0, err
		}

		entries, err := m.uploadUint(ctx, s, uint16(pdo), 0, 1)
		if err != nil {
			return 0, err
		}
		for e := 1; e <= int(entries); e++ {
			v, err := m.uploadUint(ctx, s, uint16(pdo), uint8(e), 4)
			if err != nil {
				return 0, err
			}
			total += int(v & 0xFF)
		}
	}

	return total, nil
}

func (m *Master) siiPDOs(s *slave) pdoMapping {
	p := pdoMapping{outSM: -1, inSM: -1}
	info := s.info
	if info == nil {
		return p
	}

	p.outSM, p.outBits = siiDirection(info, info.RxPDOs, sii.SMOutputs)
	p.inSM, p.inBits = siiDirection(info, info.TxPDOs, sii.SMInputs)

	return p
}

// siiDirection returns the SyncManager and size in bits of one process
// data direction. Slaves without PDO categories are sized by their
// SyncManager entry.
func siiDirection(info *sii.Info, pdos []sii.PDO, typ sii.SMType) (int, int) {
	sm := -1
	for _, p := range pdos {
		if p.SyncManager != 0xFF && p.SyncManager < uint8(len(info.SyncManagers)) {
			sm = int(p.SyncManager)
			break
		}
	}
	if sm < 0 {
		if i, _, ok := info.SyncManagerOf(typ); ok {
			sm = i
		}
	}

	if bits := sii.PDOBits(pdos); bits > 0 {
		return sm, bits
	}
	if sm >= 0 {
		return sm, int(info.SyncManagers[sm].Length) * 8
	}

	return -1, 0
}

// checkMapping verifies the mapped SyncManagers exist on the slave.
func checkMapping(s *slave, p pdoMapping) error {
	for _, sm := range []struct {
		i    int
		bits int
		name string
	}{{p.outSM, p.outBits, "output"}, {p.inSM, p.inBits, "input"}} {
		if sm.bits == 0 {
			continue
		}
		if sm.i < 0 || (s.SyncManagers > 0 && sm.i >= s.SyncManagers) {
			return fmt.Errorf("master: slave %d has no %s SyncManager for %d bits", s.ID, sm.name, sm.bits)
		}
	}

	return nil
}
