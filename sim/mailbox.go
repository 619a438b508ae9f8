package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/arloliu/go-ecat/coe"
	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/sii"
)

func odKey(index uint16, sub uint8) uint32 { return uint32(index)<<8 | uint32(sub) }

func (s *slave) setObject(o Object) {
	if s.od == nil {
		s.od = make(map[uint32]*Object)
	}
	o.Value = slices.Clone(o.Value)
	s.od[odKey(o.Index, o.SubIndex)] = &o
}

func (s *slave) object(index uint16, sub uint8) (*Object, bool) {
	o, ok := s.od[odKey(index, sub)]
	return o, ok
}

func (s *slave) hasIndex(index uint16) bool {
	_, ok := s.od[odKey(index, 0)]
	return ok
}

func u8(v uint8) []byte   { return []byte{v} }
func u16(v uint16) []byte { return binary.LittleEndian.AppendUint16(nil, v) }
func u32(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }

func subName(sub int) string { return fmt.Sprintf("SubIndex %03d", sub) }

func (s *slave) buildDictionary() {
	cfg := s.cfg
	ro := func(index uint16, sub uint8, v []byte, dt coe.DataType, name string) {
		s.setObject(Object{Index: index, SubIndex: sub, Value: v, ReadOnly: true, DataType: dt, Name: name})
	}

	ro(0x1000, 0, u32(0x00001389), coe.TypeUint32, "Device type")
	ro(0x1008, 0, []byte(cfg.Name), coe.TypeVisibleString, "Device name")
	ro(0x1018, 0, u8(4), coe.TypeUint8, "Identity")
	ro(0x1018, 1, u32(cfg.Vendor), coe.TypeUint32, "Vendor ID")
	ro(0x1018, 2, u32(cfg.Product), coe.TypeUint32, "Product code")
	ro(0x1018, 3, u32(cfg.Revision), coe.TypeUint32, "Revision")
	ro(0x1018, 4, u32(cfg.Serial), coe.TypeUint32, "Serial number")

	ro(0x1C00, 0, u8(4), coe.TypeUint8, "Sync manager type")
	for i, t := range []sii.SMType{sii.SMMailboxOut, sii.SMMailboxIn, sii.SMOutputs, sii.SMInputs} {
		ro(0x1C00, uint8(i+1), u8(uint8(t)), coe.TypeUint8, subName(i+1))
	}

	s.mapPDOs(0x1C12, "RxPDO assign", s.info.RxPDOs)
	s.mapPDOs(0x1C13, "TxPDO assign", s.info.TxPDOs)

	for _, o := range cfg.Objects {
		s.setObject(o)
	}
}

// mapPDOs publishes the PDO assignment object and the mapping objects.
func (s *slave) mapPDOs(assign uint16, name string, pdos []sii.PDO) {
	s.setObject(Object{Index: assign, Value: u8(uint8(len(pdos))), DataType: coe.TypeUint8, Name: name})
	for i, p := range pdos {
		s.setObject(Object{Index: assign, SubIndex: uint8(i + 1), Value: u16(p.Index), DataType: coe.TypeUint16, Name: subName(i + 1)})
		s.setObject(Object{Index: p.Index, Value: u8(uint8(len(p.Entries))), DataType: coe.TypeUint8, Name: p.Name})
		for j, e := range p.Entries {
			entry := uint32(e.Index)<<16 | uint32(e.SubIndex)<<8 | uint32(e.BitLen)
			s.setObject(Object{Index: p.Index, SubIndex: uint8(j + 1), Value: u32(entry), DataType: coe.TypeUint32, Name: e.Name})
		}
	}
}

// mailboxRequest handles a message written to the receive mailbox.
func (s *slave) mailboxRequest(buf []byte) {
	msg, err := coe.Decode(buf)
	if err != nil {
		s.queueReply(coe.MailboxError, 0, coe.EncodeMailboxError(0x0006))
		return
	}
	counter := msg.Header.Counter
	if msg.Header.Type != coe.MailboxCoE {
		s.queueReply(coe.MailboxError, counter, coe.EncodeMailboxError(0x0002))
		return
	}
	if s.cfg.MailboxSilent {
		return
	}

	if h, err := coe.ParseHeader(msg.Payload); err == nil && h.Service == coe.ServiceSDOInfo {
		s.sdoInfo(counter, msg.Payload)
		return
	}

	req, err := coe.ParseRequest(msg.Payload)
	if err != nil {
		var abort *coe.AbortError
		if errors.As(err, &abort) {
			s.segmented = nil
			return
		}
		s.queueReply(coe.MailboxCoE, counter, coe.AbortRequest(0, 0, coe.AbortCommandSpecifier))
		return
	}

	switch {
	case req.Segment:
		s.queueReply(coe.MailboxCoE, counter, s.uploadSegment(req))
	case req.Upload:
		s.queueReply(coe.MailboxCoE, counter, s.upload(req))
	default:
		s.queueReply(coe.MailboxCoE, counter, s.download(req))
	}
}

// segmentedUpload is an upload continuing in segments.
type segmentedUpload struct {
	index  uint16
	sub    uint8
	rest   []byte
	toggle bool
}

func (s *slave) upload(req *coe.Request) []byte {
	s.segmented = nil

	var data []byte
	if req.Complete {
		if !s.hasIndex(req.Index) {
			return coe.AbortRequest(req.Index, req.SubIndex, coe.AbortNoObject)
		}
		// subindex 0 travels as 16 bits in a complete access
		n := s.od[odKey(req.Index, 0)].Value[0]
		if req.SubIndex == 0 {
			data = append(data, n, 0)
		}
		for sub := uint8(1); sub <= n && sub != 0; sub++ {
			if o, ok := s.object(req.Index, sub); ok {
				data = append(data, o.Value...)
			}
		}
	} else {
		o, ok := s.object(req.Index, req.SubIndex)
		if !ok {
			if s.hasIndex(req.Index) {
				return coe.AbortRequest(req.Index, req.SubIndex, coe.AbortNoSubindex)
			}
			return coe.AbortRequest(req.Index, req.SubIndex, coe.AbortNoObject)
		}
		data = o.Value
	}

	resp := coe.UploadResponse(req.Index, req.SubIndex, data, req.Complete)
	// a reply beyond the mailbox continues in segments
	if limit := int(MailboxSize) - coe.MailboxHeaderSize; len(resp) > limit {
		s.segmented = &segmentedUpload{
			index: req.Index,
			sub:   req.SubIndex,
			rest:  slices.Clone(data[limit-coe.NormalOverhead:]),
		}
		resp = resp[:limit]
	}

	return resp
}

func (s *slave) uploadSegment(req *coe.Request) []byte {
	up := s.segmented
	if up == nil {
		return coe.AbortRequest(req.Index, req.SubIndex, coe.AbortCommandSpecifier)
	}
	if req.Toggle != up.toggle {
		s.segmented = nil
		return coe.AbortRequest(up.index, up.sub, coe.AbortToggleBit)
	}

	n := min(len(up.rest), int(MailboxSize)-coe.MailboxHeaderSize-coe.SegmentOverhead)
	last := n == len(up.rest)
	resp := coe.UploadSegmentResponse(up.rest[:n], up.toggle, last)
	up.rest = up.rest[n:]
	up.toggle = !up.toggle
	if last {
		s.segmented = nil
	}

	return resp
}

func (s *slave) download(req *coe.Request) []byte {
	s.segmented = nil
	if req.Complete {
		return coe.AbortRequest(req.Index, req.SubIndex, coe.AbortCompleteAccess)
	}

	o, ok := s.object(req.Index, req.SubIndex)
	switch {
	case !ok && s.hasIndex(req.Index):
		return coe.AbortRequest(req.Index, req.SubIndex, coe.AbortNoSubindex)
	case !ok:
		return coe.AbortRequest(req.Index, req.SubIndex, coe.AbortNoObject)
	case o.ReadOnly:
		return coe.AbortRequest(req.Index, req.SubIndex, coe.AbortReadOnly)
	case len(o.Value) > 0 && len(req.Data) > len(o.Value):
		return coe.AbortRequest(req.Index, req.SubIndex, coe.AbortLengthTooHigh)
	}

	o.Value = slices.Clone(req.Data)

	return coe.DownloadResponse(req.Index, req.SubIndex)
}

func (s *slave) queueReply(typ coe.MailboxType, counter uint8, payload []byte) {
	msg := coe.Encode(coe.MailboxHeader{Type: typ, Counter: counter}, payload, int(MailboxSize))
	s.replies = append(s.replies, msg)
	s.loadReply()
}

func (s *slave) loadReply() {
	if s.mailboxFull || len(s.replies) == 0 {
		return
	}
	copy(s.mem[MailboxInStart:MailboxInStart+MailboxSize], s.replies[0])
	s.replies = s.replies[1:]
	s.mailboxFull = true
	s.replyPolls = s.cfg.ReplyPolls
}

func (s *slave) mailboxReady() bool {
	return s.mailboxFull && s.replyPolls <= 0
}

// pollMailbox updates the send mailbox status byte.
func (s *slave) pollMailbox() {
	if s.mailboxFull && s.replyPolls > 0 {
		s.replyPolls--
	}
	status := s.mem[esc.SMStatusAddr(1)] &^ esc.SMStatusMailboxFull
	if s.mailboxReady() {
		status |= esc.SMStatusMailboxFull
	}
	s.mem[esc.SMStatusAddr(1)] = status
}

func (s *slave) consumeReply() {
	s.mailboxFull = false
	s.mem[esc.SMStatusAddr(1)] &^= esc.SMStatusMailboxFull
	s.loadReply()
}
