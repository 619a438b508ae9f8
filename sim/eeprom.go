package sim

import "github.com/arloliu/go-ecat/esc"

const eepromCmdMask = 0x0700

func (s *slave) eepromCommand(ctrl uint16) {
	if s.eepromPending {
		// a command while busy is dropped, the busy bit stays set
		s.put16(esc.RegEEPROMControl, ctrl|esc.EEPROMBusy)
		return
	}

	ctrl &^= esc.EEPROMErrorMask
	if ctrl&eepromCmdMask != esc.EEPROMCmdRead {
		s.put16(esc.RegEEPROMControl, ctrl&^esc.EEPROMBusy)
		return
	}

	s.eepromPending = true
	s.eepromBusy = s.cfg.EEPROMBusyReads
	if s.eepromBusy <= 0 {
		s.eepromBusy = 1
	}
	s.put16(esc.RegEEPROMControl, ctrl|esc.EEPROMBusy)
}

func (s *slave) pollEEPROM() {
	if !s.eepromPending {
		return
	}
	if s.eepromBusy > 0 {
		s.eepromBusy--
		return
	}

	addr := s.get32(esc.RegEEPROMAddress)
	v, _ := s.eeprom.ReadDWord(uint16(addr))
	s.put32(esc.RegEEPROMData, v)
	s.put32(esc.RegEEPROMData+4, 0)
	s.eepromPending = false
	s.put16(esc.RegEEPROMControl, s.get16(esc.RegEEPROMControl)&^esc.EEPROMBusy)
}
