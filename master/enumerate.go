package master

import (
	"context"
	"encoding/binary"

	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/frame"
	"github.com/arloliu/go-ecat/sii"
)

// countSlaves counts the slaves by the working counter of a broadcast read.
func (m *Master) countSlaves(ctx context.Context) (int, error) {
	d, err := m.one(ctx, frame.NewRead(frame.BRD, frame.Broadcast(esc.RegType), 2))
	if err != nil {
		return 0, &ConfigError{Op: "count slaves", Slave: -1, Err: err}
	}

	n := int(d.WKC)
	want := m.cfg.expectedSlaves
	if n == 0 || (want > 0 && n != want) {
		return 0, &ConfigError{Op: "count slaves", Slave: -1, Expected: max(want, 1), Got: n, Err: ErrWorkingCounterMismatch}
	}

	return n, nil
}

// resetBus brings every slave into a known condition with broadcasts.
func (m *Master) resetBus(ctx context.Context, n int) error {
	steps := []struct {
		op   string
		addr uint16
		data []byte
	}{
		{"reset AL control", esc.RegALControl, le16(uint16(esc.StateInit | esc.ErrorFlag))},
		{"clear FMMUs", esc.RegFMMUBase, make([]byte, esc.MaxFMMUs*esc.FMMUEntrySize)},
		{"clear SyncManagers", esc.RegSMBase, make([]byte, esc.MaxSMs*esc.SMEntrySize)},
		{"disable DC", esc.RegDCActivation, []byte{0}},
		{"assign EEPROM", esc.RegEEPROMConfig, []byte{0, 0}},
	}

	dgs := make([]*frame.Datagram, len(steps))
	for i, st := range steps {
		dgs[i] = frame.New(frame.BWR, frame.Broadcast(st.addr), st.data)
	}
	replies, err := m.txrx(ctx, dgs...)
	if err != nil {
		return &ConfigError{Op: "reset", Slave: -1, Err: err}
	}
	for i, r := range replies {
		if int(r.WKC) != n {
			return &ConfigError{Op: steps[i].op, Slave: -1, Expected: n, Got: int(r.WKC), Err: ErrWorkingCounterMismatch}
		}
	}

	return nil
}

// assignAddresses writes the configured station address of every slave
// by auto increment addressing.
func (m *Master) assignAddresses(ctx context.Context) error {
	dgs := make([]*frame.Datagram, len(m.slaves))
	for i, s := range m.slaves {
		dgs[i] = frame.New(frame.APWR, frame.Position(s.Position, esc.RegStationAddress), le16(s.Station))
	}
	replies, err := m.txrx(ctx, dgs...)
	if err != nil {
		return &ConfigError{Op: "assign address", Slave: -1, Err: err}
	}
	for i, r := range replies {
		if r.WKC != 1 {
			return &ConfigError{Op: "assign address", Slave: i, Expected: 1, Got: int(r.WKC), Err: ErrWorkingCounterMismatch}
		}
	}

	return nil
}

// readESCInfo reads the ESC capabilities and port status of every slave.
func (m *Master) readESCInfo(ctx context.Context) error {
	const perSlave = 4
	dgs := make([]*frame.Datagram, 0, perSlave*len(m.slaves))
	for _, s := range m.slaves {
		dgs = append(dgs,
			frame.NewRead(frame.FPRD, frame.Station(s.Station, esc.RegType), 8),
			frame.NewRead(frame.FPRD, frame.Station(s.Station, esc.RegFeatures), 2),
			frame.NewRead(frame.FPRD, frame.Station(s.Station, esc.RegDLStatus), 2),
			frame.NewRead(frame.FPRD, frame.Station(s.Station, esc.RegStationAlias), 2),
		)
	}
	replies, err := m.txrx(ctx, dgs...)
	if err != nil {
		return &ConfigError{Op: "read ESC", Slave: -1, Err: err}
	}

	for i, s := range m.slaves {
		r := replies[perSlave*i : perSlave*(i+1)]
		for _, d := range r {
			if d.WKC != 1 {
				return &ConfigError{Op: "read ESC", Slave: i, Expected: 1, Got: int(d.WKC), Err: ErrWorkingCounterMismatch}
			}
		}

		s.FMMUs = int(r[0].Data[esc.RegFMMUCount])
		s.SyncManagers = int(r[0].Data[esc.RegSMCount])
		s.DC = binary.LittleEndian.Uint16(r[1].Data)&esc.FeatureDC != 0
		dl := binary.LittleEndian.Uint16(r[2].Data)
		for p := range s.Ports {
			s.Ports[p] = dl&esc.DLStatusPortLink(p) != 0
		}
		s.Alias = binary.LittleEndian.Uint16(r[3].Data)
	}

	return nil
}

// readSII reads and parses the EEPROM of s and derives identity and
// mailbox geometry.
func (m *Master) readSII(ctx context.Context, s *slave) error {
	info, err := sii.Read(&eepromReader{ctx: ctx, m: m, s: s})
	if err != nil {
		return &ConfigError{Op: "read SII", Slave: int(s.ID), Err: err}
	}
	if !info.ChecksumOK {
		m.logger.Warn("SII header checksum mismatch", "slave", s.ID)
	}

	s.info = info
	s.Vendor = info.Vendor
	s.Product = info.Product
	s.Revision = info.Revision
	s.Serial = info.Serial
	s.Name = info.Name
	s.Mailbox = info.Mailbox

	if info.Mailbox.Supported() {
		s.mbxOutSM, s.mbxInSM = 0, 1
		if i, _, ok := info.SyncManagerOf(sii.SMMailboxOut); ok {
			s.mbxOutSM = i
		}
		if i, _, ok := info.SyncManagerOf(sii.SMMailboxIn); ok {
			s.mbxInSM = i
		}
	}

	return nil
}

// programMailbox sets up the mailbox SyncManagers of s.
func (m *Master) programMailbox(ctx context.Context, s *slave) error {
	if !s.Mailbox.Supported() {
		return nil
	}

	out := esc.SyncManager{Start: s.Mailbox.RecvOffset, Length: s.Mailbox.RecvSize, Control: esc.SMControlMailboxOut, Activate: 1}
	in := esc.SyncManager{Start: s.Mailbox.SendOffset, Length: s.Mailbox.SendSize, Control: esc.SMControlMailboxIn, Activate: 1}
	for _, e := range []struct {
		i  int
		sm esc.SyncManager
	}{{s.mbxOutSM, out}, {s.mbxInSM, in}} {
		b, _ := e.sm.MarshalBinary()
		if err := m.write(ctx, s, esc.SMAddr(e.i), b); err != nil {
			return &ConfigError{Op: "program mailbox", Slave: int(s.ID), Err: err}
		}
	}

	return nil
}
