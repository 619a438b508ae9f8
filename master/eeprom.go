package master

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/sii"
)

// eepromReader reads the SII of one slave through the EEPROM registers.
type eepromReader struct {
	ctx context.Context
	m   *Master
	s   *slave
}

var _ sii.Reader = (*eepromReader)(nil)

// ReadDWord implements sii.Reader.
func (r *eepromReader) ReadDWord(addr uint16) (uint32, error) {
	var lastErr error
	for attempt := 0; attempt <= r.m.cfg.retryCount; attempt++ {
		if attempt > 0 {
			r.m.metrics.incRetries()
			if err := sleepCtx(r.ctx, r.m.cfg.retryBackoff); err != nil {
				return 0, err
			}
		}

		v, err := r.readOnce(addr)
		if err == nil {
			return v, nil
		}
		var eerr eepromError
		if !errors.As(err, &eerr) {
			return 0, err
		}
		lastErr = err
	}

	return 0, lastErr
}

// eepromError is a command the ESC flagged with an error bit.
type eepromError uint16

func (e eepromError) Error() string {
	return fmt.Sprintf("master: EEPROM error status 0x%04X", uint16(e))
}

func (r *eepromReader) readOnce(addr uint16) (uint32, error) {
	if _, err := r.waitIdle(addr); err != nil {
		return 0, err
	}

	cmd := binary.LittleEndian.AppendUint16(nil, esc.EEPROMCmdRead)
	cmd = binary.LittleEndian.AppendUint32(cmd, uint32(addr))
	if err := r.m.write(r.ctx, r.s, esc.RegEEPROMControl, cmd); err != nil {
		return 0, err
	}

	status, err := r.waitIdle(addr)
	if err != nil {
		return 0, err
	}
	if status&esc.EEPROMErrorMask != 0 {
		return 0, eepromError(status)
	}

	data, err := r.m.read(r.ctx, r.s, esc.RegEEPROMData, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(data), nil
}

// waitIdle polls the control word until the busy bit clears, pausing
// the retry backoff between polls. An expired EEPROM timeout is retried
// up to the retry count before the wait fails.
func (r *eepromReader) waitIdle(addr uint16) (uint16, error) {
	deadline := time.Now().Add(r.m.cfg.eepromTimeout)
	retries := 0
	for {
		data, err := r.m.read(r.ctx, r.s, esc.RegEEPROMControl, 2)
		if err != nil {
			return 0, err
		}
		status := binary.LittleEndian.Uint16(data)
		if status&esc.EEPROMBusy == 0 {
			return status, nil
		}
		if now := time.Now(); now.After(deadline) {
			if retries == r.m.cfg.retryCount {
				return 0, fmt.Errorf("%w: EEPROM busy at word 0x%04X", ErrMailboxTimeout, addr)
			}
			retries++
			r.m.metrics.incRetries()
			r.m.logger.Debug("EEPROM still busy", "slave", r.s.ID, "word", addr, "retry", retries)
			deadline = now.Add(r.m.cfg.eepromTimeout)
		}
		if err := sleepCtx(r.ctx, r.m.cfg.retryBackoff); err != nil {
			return 0, err
		}
	}
}
