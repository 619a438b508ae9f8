package master

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-ecat/coe"
	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/frame"
)

var errMailboxDeadline = errors.New("master: mailbox deadline")

// mailboxWrite puts msg into the receive mailbox of s. A slave refuses a
// write with working counter 0 while its mailbox is occupied.
func (m *Master) mailboxWrite(ctx context.Context, s *slave, msg []byte, deadline time.Time) error {
	for {
		d, err := m.one(ctx, frame.New(frame.FPWR, frame.Station(s.Station, s.Mailbox.RecvOffset), msg))
		switch {
		case err == nil && d.WKC == 1:
			return nil
		case err != nil && !errors.Is(err, ErrFrameLost):
			return err
		}

		if time.Now().After(deadline) {
			return errMailboxDeadline
		}
		if err := sleepCtx(ctx, m.cfg.retryBackoff); err != nil {
			return err
		}
	}
}

// mailboxRead waits for the send mailbox of s to fill and reads it.
func (m *Master) mailboxRead(ctx context.Context, s *slave, deadline time.Time) (*coe.Message, error) {
	status := frame.Station(s.Station, esc.SMStatusAddr(s.mbxInSM))
	for {
		d, err := m.one(ctx, frame.NewRead(frame.FPRD, status, 1))
		if err != nil && !errors.Is(err, ErrFrameLost) {
			return nil, err
		}

		if err == nil && d.WKC == 1 && d.Data[0]&esc.SMStatusMailboxFull != 0 {
			rd, err := m.one(ctx, frame.NewRead(frame.FPRD, frame.Station(s.Station, s.Mailbox.SendOffset), int(s.Mailbox.SendSize)))
			if err != nil && !errors.Is(err, ErrFrameLost) {
				return nil, err
			}
			if err == nil && rd.WKC == 1 {
				return coe.Decode(rd.Data)
			}
		}

		if time.Now().After(deadline) {
			return nil, errMailboxDeadline
		}
		if err := sleepCtx(ctx, m.cfg.retryBackoff); err != nil {
			return nil, err
		}
	}
}

// checkMailbox verifies that payload can be sent to the CoE mailbox of s.
func checkMailbox(s *slave, payload []byte) error {
	if !s.HasCoE() {
		return fmt.Errorf("%w: slave %d", ErrNoCoE, s.ID)
	}
	if s.State.Rank() < esc.StatePreOp.Rank() && s.State != esc.StateBoot {
		return fmt.Errorf("%w: slave %d mailbox is closed in %s", ErrInvalidState, s.ID, s.State)
	}
	if coe.MailboxHeaderSize+len(payload) > int(s.Mailbox.RecvSize) {
		return fmt.Errorf("%w: %d bytes to slave %d", ErrSDOTooLarge, len(payload), s.ID)
	}

	return nil
}

// replyFunc inspects a CoE reply. It returns true once the transaction
// is complete; replies it does not recognize are skipped by returning
// false and no error.
type replyFunc func(payload []byte) (bool, error)

// transact writes payload to the mailbox of s and hands every CoE reply
// to accept until the transaction completes. A transaction without an
// answer before the mailbox timeout is repeated up to the retry count.
// The caller holds s.mbxMu.
func (m *Master) transact(ctx context.Context, s *slave, what string, payload []byte, accept replyFunc) error {
	l := m.logger.With("slave", s.ID)
	for attempt := 0; attempt <= m.cfg.retryCount; attempt++ {
		if attempt > 0 {
			m.metrics.incRetries()
			l.Debug("retry mailbox request", "request", what, "attempt", attempt)
		}

		s.mbxCounter = coe.NextCounter(s.mbxCounter)
		msg := coe.Encode(coe.MailboxHeader{Type: coe.MailboxCoE, Counter: s.mbxCounter}, payload, int(s.Mailbox.RecvSize))
		deadline := time.Now().Add(m.cfg.mailboxTimeout)

		err := m.mailboxWrite(ctx, s, msg, deadline)
		if errors.Is(err, errMailboxDeadline) {
			continue
		}
		if err != nil {
			return err
		}

		err = m.awaitReply(ctx, s, deadline, accept)
		if errors.Is(err, errMailboxDeadline) {
			continue
		}

		return err
	}

	return fmt.Errorf("%w: %s of slave %d", ErrMailboxTimeout, what, s.ID)
}

// awaitReply reads mailbox messages until accept completes the
// transaction. Messages of other protocols are skipped.
func (m *Master) awaitReply(ctx context.Context, s *slave, deadline time.Time, accept replyFunc) error {
	for {
		msg, err := m.mailboxRead(ctx, s, deadline)
		if err != nil {
			return err
		}

		switch msg.Header.Type {
		case coe.MailboxError:
			return coe.ParseMailboxError(msg.Payload)
		case coe.MailboxCoE:
		default:
			continue
		}

		done, err := accept(msg.Payload)
		if err != nil || done {
			return err
		}
	}
}

func sdoAbort(s *slave, abort *coe.AbortError) error {
	return &SDOAbortError{Slave: s.ID, Index: abort.Index, SubIndex: abort.SubIndex, Code: abort.Code}
}

// sdo runs one SDO transaction with s and returns the matching response.
// Unrelated messages such as emergencies are skipped. The caller holds
// s.mbxMu.
func (m *Master) sdo(ctx context.Context, s *slave, index uint16, sub uint8, payload []byte) (*coe.Response, error) {
	var resp *coe.Response
	what := fmt.Sprintf("SDO 0x%04X:%02X", index, sub)
	err := m.transact(ctx, s, what, payload, func(p []byte) (bool, error) {
		r, err := coe.ParseResponse(p)
		var abort *coe.AbortError
		switch {
		case errors.As(err, &abort):
			return false, sdoAbort(s, abort)
		case err != nil:
			m.logger.Debug("skip mailbox message", "slave", s.ID, "error", err)
			return false, nil
		}
		if r.Index != index || r.SubIndex != sub {
			return false, nil
		}
		resp = r

		return true, nil
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// segment requests the next upload segment of index:sub. The caller
// holds s.mbxMu.
func (m *Master) segment(ctx context.Context, s *slave, index uint16, sub uint8, toggle bool) (*coe.Segment, error) {
	var seg *coe.Segment
	what := fmt.Sprintf("SDO segment 0x%04X:%02X", index, sub)
	err := m.transact(ctx, s, what, coe.UploadSegmentRequest(index, sub, toggle), func(p []byte) (bool, error) {
		sg, err := coe.ParseSegmentResponse(p)
		var abort *coe.AbortError
		switch {
		case errors.As(err, &abort):
			return false, sdoAbort(s, abort)
		case err != nil:
			m.logger.Debug("skip mailbox message", "slave", s.ID, "error", err)
			return false, nil
		}
		seg = sg

		return true, nil
	})
	if err != nil {
		return nil, err
	}

	return seg, nil
}

// abortTransfer tells s to drop the transfer of index:sub. No answer is
// expected. The caller holds s.mbxMu.
func (m *Master) abortTransfer(ctx context.Context, s *slave, index uint16, sub uint8, code coe.AbortCode) {
	s.mbxCounter = coe.NextCounter(s.mbxCounter)
	msg := coe.Encode(coe.MailboxHeader{Type: coe.MailboxCoE, Counter: s.mbxCounter},
		coe.AbortRequest(index, sub, code), int(s.Mailbox.RecvSize))
	if err := m.mailboxWrite(ctx, s, msg, time.Now().Add(m.cfg.mailboxTimeout)); err != nil {
		m.logger.Debug("SDO abort not delivered", "slave", s.ID, "index", index, "subindex", sub, "error", err)
	}
}

// upload reads index:sub. Objects larger than the mailbox are collected
// from upload segments after the initiate response.
func (m *Master) upload(ctx context.Context, s *slave, index uint16, sub uint8, complete bool) ([]byte, error) {
	payload := coe.UploadRequest(index, sub, complete)
	if err := checkMailbox(s, payload); err != nil {
		return nil, err
	}

	s.mbxMu.Lock()
	defer s.mbxMu.Unlock()

	resp, err := m.sdo(ctx, s, index, sub, payload)
	if err != nil {
		return nil, err
	}
	if !resp.Upload {
		return nil, fmt.Errorf("%w: download response to upload", coe.ErrUnexpectedCommand)
	}
	if !resp.Segmented() {
		return resp.Data, nil
	}

	m.logger.Debug("segmented upload", "slave", s.ID, "index", index, "subindex", sub, "size", resp.Size)
	data := resp.Data
	for toggle := false; len(data) < resp.Size; toggle = !toggle {
		seg, err := m.segment(ctx, s, index, sub, toggle)
		if err != nil {
			return nil, err
		}
		if seg.Toggle != toggle {
			m.abortTransfer(ctx, s, index, sub, coe.AbortToggleBit)
			return nil, fmt.Errorf("%w: 0x%04X:%02X from slave %d", coe.ErrToggle, index, sub, s.ID)
		}
		data = append(data, seg.Data...)
		if seg.Last {
			break
		}
	}
	if len(data) < resp.Size {
		return nil, fmt.Errorf("%w: 0x%04X:%02X from slave %d announced %d bytes, got %d",
			coe.ErrSegmentLength, index, sub, s.ID, resp.Size, len(data))
	}

	return data[:resp.Size], nil
}

func (m *Master) download(ctx context.Context, s *slave, index uint16, sub uint8, data []byte) error {
	payload := coe.DownloadRequest(index, sub, data, false)
	if err := checkMailbox(s, payload); err != nil {
		return err
	}

	s.mbxMu.Lock()
	defer s.mbxMu.Unlock()

	resp, err := m.sdo(ctx, s, index, sub, payload)
	if err != nil {
		return err
	}
	if resp.Upload {
		return fmt.Errorf("%w: upload response to download", coe.ErrUnexpectedCommand)
	}

	return nil
}

// uploadUint reads an unsigned object of n bytes.
func (m *Master) uploadUint(ctx context.Context, s *slave, index uint16, sub uint8, n int) (uint32, error) {
	data, err := m.upload(ctx, s, index, sub, false)
	if err != nil {
		return 0, err
	}
	if len(data) < n {
		return 0, fmt.Errorf("%w: 0x%04X:%02X has %d bytes, want %d", coe.ErrValueSize, index, sub, len(data), n)
	}

	var buf [4]byte
	copy(buf[:], data[:n])

	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadSDO uploads object index:sub from a slave.
func (m *Master) ReadSDO(ctx context.Context, id SlaveID, index uint16, sub uint8) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	return m.upload(ctx, s, index, sub, false)
}

// ReadSDOComplete uploads every subindex of object index in one complete
// access transfer. Subindex 0 is returned as 16 bits.
func (m *Master) ReadSDOComplete(ctx context.Context, id SlaveID, index uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	return m.upload(ctx, s, index, 0, true)
}

// ReadSDOValue uploads an object and decodes it as dt.
func (m *Master) ReadSDOValue(ctx context.Context, id SlaveID, index uint16, sub uint8, dt coe.DataType) (any, error) {
	data, err := m.ReadSDO(ctx, id, index, sub)
	if err != nil {
		return nil, err
	}

	return coe.DecodeValue(dt, data)
}

// WriteSDO downloads data to object index:sub of a slave.
func (m *Master) WriteSDO(ctx context.Context, id SlaveID, index uint16, sub uint8, data []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	return m.download(ctx, s, index, sub, data)
}
