package sim

import (
	"encoding/binary"

	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/sii"
)

const memSize = 0x10000

// ESC identification reported by simulated slaves.
const (
	escType     = 0x11
	escRevision = 0x01
	escSMs      = 8
	escRAMKB    = 8
)

type slave struct {
	cfg SlaveConfig
	pos int
	mem []byte

	eeprom sii.Image
	info   *sii.Info

	outSM, inSM       int
	outStart, inStart uint16

	state     esc.ALState
	errFlag   bool
	code      esc.ALStatusCode
	pending   esc.ALState
	polls     int
	pendingOp bool
	muted     bool

	eepromBusy    int
	eepromPending bool

	od          map[uint32]*Object
	segmented   *segmentedUpload
	refusals    int
	replies     [][]byte
	replyPolls  int
	mailboxFull bool

	// arrive and ret are the hop delays of the outbound and the returning
	// pass relative to the frame leaving the master.
	arrive    int64
	ret       int64
	port1Open bool
	now       int64
}

func newSlave(cfg SlaveConfig, pos int) *slave {
	s := &slave{
		cfg:      cfg,
		pos:      pos,
		mem:      make([]byte, memSize),
		outSM:    -1,
		inSM:     -1,
		state:    esc.StateInit,
		refusals: cfg.MailboxRefusals,
	}

	s.buildSII()
	if cfg.CoE {
		s.buildDictionary()
	}

	s.mem[esc.RegType] = escType
	s.mem[esc.RegRevision] = escRevision
	s.mem[esc.RegFMMUCount] = uint8(cfg.fmmuCount())
	s.mem[esc.RegSMCount] = escSMs
	s.mem[esc.RegRAMSize] = escRAMKB
	if cfg.DC {
		s.put16(esc.RegFeatures, esc.FeatureDC|esc.FeatureDC64)
	}
	s.syncALStatus()

	return s
}

func (s *slave) get16(addr uint16) uint16 { return binary.LittleEndian.Uint16(s.mem[addr:]) }
func (s *slave) get32(addr uint16) uint32 { return binary.LittleEndian.Uint32(s.mem[addr:]) }
func (s *slave) get64(addr uint16) uint64 { return binary.LittleEndian.Uint64(s.mem[addr:]) }

func (s *slave) put16(addr uint16, v uint16) { binary.LittleEndian.PutUint16(s.mem[addr:], v) }
func (s *slave) put32(addr uint16, v uint32) { binary.LittleEndian.PutUint32(s.mem[addr:], v) }
func (s *slave) put64(addr uint16, v uint64) { binary.LittleEndian.PutUint64(s.mem[addr:], v) }

func (s *slave) station() uint16 { return s.get16(esc.RegStationAddress) }

func (s *slave) setPorts(last bool) {
	status := esc.DLStatusPortLink(0) | esc.DLStatusPortOpen(0)
	if !last {
		status |= esc.DLStatusPortLink(1) | esc.DLStatusPortOpen(1)
		s.port1Open = true
	}
	if s.cfg.Branch {
		status |= esc.DLStatusPortLink(3) | esc.DLStatusPortOpen(3)
	}
	s.put16(esc.RegDLStatus, status)
}

func (s *slave) buildSII() {
	cfg := s.cfg
	info := &sii.Info{
		Vendor:   cfg.Vendor,
		Product:  cfg.Product,
		Revision: cfg.Revision,
		Serial:   cfg.Serial,
		Name:     cfg.Name,
	}

	align := func(n int) uint16 { return uint16((n + 7) &^ 7) }
	if cfg.CoE {
		info.Mailbox = sii.Mailbox{
			RecvOffset: MailboxOutStart, RecvSize: MailboxSize,
			SendOffset: MailboxInStart, SendSize: MailboxSize,
			Protocols: sii.ProtoCoE,
		}
		info.CoEDetails = sii.CoESDO | sii.CoESDOInfo | sii.CoECompleteAccess
		if cfg.NoSDOInfo {
			info.CoEDetails &^= sii.CoESDOInfo
		}
		s.outStart = ProcessRAM
		s.inStart = ProcessRAM + align(cfg.OutputBytes)
		info.SyncManagers = []sii.SyncManager{
			{Start: MailboxOutStart, Length: MailboxSize, Control: esc.SMControlMailboxOut, Enable: 1, Type: sii.SMMailboxOut},
			{Start: MailboxInStart, Length: MailboxSize, Control: esc.SMControlMailboxIn, Enable: 1, Type: sii.SMMailboxIn},
			{Start: s.outStart, Length: uint16(cfg.OutputBytes), Control: esc.SMControlOutputs, Enable: enable(cfg.OutputBytes), Type: sii.SMOutputs},
			{Start: s.inStart, Length: uint16(cfg.InputBytes), Control: esc.SMControlInputs, Enable: enable(cfg.InputBytes), Type: sii.SMInputs},
		}
		s.outSM, s.inSM = 2, 3
	} else {
		s.outStart = ProcessRAMNoMailbox
		s.inStart = ProcessRAMNoMailbox + align(cfg.OutputBytes)
		if cfg.OutputBytes > 0 {
			s.outSM = len(info.SyncManagers)
			info.SyncManagers = append(info.SyncManagers, sii.SyncManager{
				Start: s.outStart, Length: uint16(cfg.OutputBytes), Control: esc.SMControlOutputs, Enable: 1, Type: sii.SMOutputs,
			})
		}
		if cfg.InputBytes > 0 {
			s.inSM = len(info.SyncManagers)
			info.SyncManagers = append(info.SyncManagers, sii.SyncManager{
				Start: s.inStart, Length: uint16(cfg.InputBytes), Control: esc.SMControlInputs, Enable: 1, Type: sii.SMInputs,
			})
		}
	}

	for i := 0; i < cfg.fmmuCount(); i++ {
		usage := sii.FMMUUnused
		switch i {
		case 0:
			usage = sii.FMMUOutputs
		case 1:
			usage = sii.FMMUInputs
		case 2:
			usage = sii.FMMUSMStatus
		}
		info.FMMUs = append(info.FMMUs, usage)
	}

	info.RxPDOs = sii2PDOs(pdoLayout(cfg.OutputBytes), 0x1600, 0x7000, s.outSM)
	info.TxPDOs = sii2PDOs(pdoLayout(cfg.InputBytes), 0x1A00, 0x6000, s.inSM)

	s.info = info
	s.eeprom = sii.Encode(info)
}

func enable(n int) uint8 {
	if n > 0 {
		return 1
	}
	return 0
}

func sii2PDOs(layout [][]uint8, pdoBase, entryBase uint16, sm int) []sii.PDO {
	pdos := make([]sii.PDO, 0, len(layout))
	for i, bits := range layout {
		p := sii.PDO{Index: pdoBase + uint16(i), SyncManager: uint8(sm)}
		for j, b := range bits {
			p.Entries = append(p.Entries, sii.PDOEntry{
				Index:    entryBase + uint16(i),
				SubIndex: uint8(j + 1),
				DataType: uint8(coeDataType(b)),
				BitLen:   b,
			})
		}
		pdos = append(pdos, p)
	}

	return pdos
}

// smEntry decodes SyncManager i from the register file.
func (s *slave) smEntry(i int) esc.SyncManager {
	var sm esc.SyncManager
	_ = sm.UnmarshalBinary(s.mem[esc.SMAddr(i):])

	return sm
}

// fmmuEntry decodes FMMU i from the register file.
func (s *slave) fmmuEntry(i int) esc.FMMU {
	var f esc.FMMU
	_ = f.UnmarshalBinary(s.mem[esc.FMMUAddr(i):])

	return f
}

// smMatches reports whether SyncManager i is programmed as the SII says.
func (s *slave) smMatches(i int) bool {
	if i < 0 || i >= len(s.info.SyncManagers) {
		return false
	}
	want := s.info.SyncManagers[i]
	got := s.smEntry(i)
	if want.Length == 0 {
		return true
	}

	return got.Enabled() && got.Start == want.Start && got.Length == want.Length
}

// processArea reports whether addr lies in an enabled process data
// SyncManager.
func (s *slave) processArea(addr uint16) bool {
	for _, i := range []int{s.outSM, s.inSM} {
		if i >= 0 && s.smEntry(i).Contains(addr) {
			return true
		}
	}

	return false
}

func (s *slave) outputs() []byte {
	return s.mem[s.outStart : int(s.outStart)+s.cfg.OutputBytes]
}

func (s *slave) inputs() []byte {
	return s.mem[s.inStart : int(s.inStart)+s.cfg.InputBytes]
}

func overlaps(addr uint16, n int, reg uint16, size int) bool {
	return int(addr) < int(reg)+size && int(reg) < int(addr)+n
}

func covers(addr uint16, n int, reg uint16, size int) bool {
	return int(addr) <= int(reg) && int(reg)+size <= int(addr)+n
}

// readReg copies n = len(dst) bytes from ado into dst, ORing for
// broadcasts. It returns false when the access is not acknowledged.
func (s *slave) readReg(ado uint16, dst []byte, or bool) bool {
	n := len(dst)
	if int(ado)+n > memSize {
		n = memSize - int(ado)
	}

	if overlaps(ado, n, esc.RegALStatus, esc.ALStatusBlockSize) {
		s.pollALStatus()
	}
	if overlaps(ado, n, esc.RegEEPROMControl, 2) {
		s.pollEEPROM()
	}
	if s.cfg.DC && overlaps(ado, n, esc.RegDCSystemTime, 8) {
		s.put64(esc.RegDCSystemTime, uint64(s.systemTime()))
	}
	if s.cfg.CoE {
		if overlaps(ado, n, esc.SMStatusAddr(1), 1) {
			s.pollMailbox()
		}
		if overlaps(ado, n, MailboxInStart+MailboxSize-1, 1) {
			if !s.mailboxReady() {
				return false
			}
			defer s.consumeReply()
		}
	}

	src := s.mem[ado : int(ado)+n]
	if or {
		for i, b := range src {
			dst[i] |= b
		}
	} else {
		copy(dst, src)
	}

	return true
}

// writeReg copies src to ado. It returns false when the slave refuses
// the access.
func (s *slave) writeReg(ado uint16, src []byte) bool {
	n := len(src)
	if int(ado)+n > memSize {
		n = memSize - int(ado)
	}

	mailbox := s.cfg.CoE && overlaps(ado, n, MailboxOutStart+MailboxSize-1, 1)
	if mailbox {
		if s.state.Rank() < esc.StatePreOp.Rank() && s.state != esc.StateBoot {
			return false
		}
		if s.refusals > 0 {
			s.refusals--
			return false
		}
	}

	copy(s.mem[ado:], src[:n])

	if covers(ado, n, esc.RegALControl, 2) {
		s.alControl(s.get16(esc.RegALControl))
	}
	if covers(ado, n, esc.RegEEPROMControl, 2) {
		s.eepromCommand(s.get16(esc.RegEEPROMControl))
	}
	if s.cfg.DC {
		if overlaps(ado, n, esc.RegDCPortTime0, 4) {
			s.latch()
		}
		if covers(ado, n, esc.RegDCSystemTime, 4) {
			s.timeDiff()
		}
	}
	if mailbox {
		s.mailboxRequest(s.mem[MailboxOutStart : MailboxOutStart+MailboxSize])
	}

	return true
}

// logical applies a logical datagram and returns the working counter
// increment.
func (s *slave) logical(addr uint32, data []byte, reads, writes bool) uint16 {
	if s.muted || s.state.Rank() < esc.StateSafeOp.Rank() {
		return 0
	}

	type hit struct {
		phys uint16
		off  int
		n    int
	}
	var rd []hit
	wrote := false

	end := uint64(addr) + uint64(len(data))
	for i := 0; i < s.cfg.fmmuCount(); i++ {
		f := s.fmmuEntry(i)
		if !f.Active || f.Length == 0 {
			continue
		}
		ls := uint64(f.LogicalStart)
		le := ls + uint64(f.Length)
		lo, hi := max(ls, uint64(addr)), min(le, end)
		if lo >= hi {
			continue
		}
		phys := f.PhysicalStart + uint16(lo-ls)
		if !s.processArea(phys) {
			continue
		}
		h := hit{phys: phys, off: int(lo - uint64(addr)), n: int(hi - lo)}

		switch {
		case f.Type == esc.FMMUWrite && writes:
			copy(s.mem[h.phys:int(h.phys)+h.n], data[h.off:h.off+h.n])
			wrote = true
		case f.Type == esc.FMMURead && reads:
			rd = append(rd, h)
		}
	}

	if wrote && s.pendingOp {
		s.pendingOp = false
		s.enter(esc.StateOp)
	}
	if s.state == esc.StateOp && s.cfg.App != nil && (wrote || len(rd) > 0) {
		s.cfg.App(s.outputs(), s.inputs())
	}
	for _, h := range rd {
		copy(data[h.off:h.off+h.n], s.mem[h.phys:int(h.phys)+h.n])
	}

	var wkc uint16
	if len(rd) > 0 {
		wkc++
	}
	if wrote {
		if reads {
			wkc += 2
		} else {
			wkc++
		}
	}

	return wkc
}
