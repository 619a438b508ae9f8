package sim

import (
	"encoding/binary"
	"slices"

	"github.com/arloliu/go-ecat/coe"
)

// dataType returns the declared data type or one derived from the size.
func (o *Object) dataType() coe.DataType {
	if o.DataType != 0 {
		return o.DataType
	}
	switch len(o.Value) {
	case 1:
		return coe.TypeUint8
	case 2:
		return coe.TypeUint16
	case 4:
		return coe.TypeUint32
	case 8:
		return coe.TypeUint64
	default:
		return coe.TypeOctetString
	}
}

func (o *Object) entry() coe.EntryDescription {
	bits := uint16(len(o.Value) * 8)
	if o.dataType() == coe.TypeBool {
		bits = 1
	}
	access := coe.AccessRead
	if !o.ReadOnly {
		access |= coe.AccessWrite
	}

	return coe.EntryDescription{
		Index:    o.Index,
		SubIndex: o.SubIndex,
		DataType: o.dataType(),
		BitLen:   bits,
		Access:   access,
		Name:     o.Name,
	}
}

// indexes returns the object indexes of the dictionary in order.
func (s *slave) indexes() []uint16 {
	var idx []uint16
	for _, o := range s.od {
		if !slices.Contains(idx, o.Index) {
			idx = append(idx, o.Index)
		}
	}
	slices.Sort(idx)

	return idx
}

// describe builds the description of object index from its entries.
func (s *slave) describe(index uint16) (coe.ObjectDescription, bool) {
	var subs []*Object
	for _, o := range s.od {
		if o.Index == index {
			subs = append(subs, o)
		}
	}
	if len(subs) == 0 {
		return coe.ObjectDescription{}, false
	}
	slices.SortFunc(subs, func(a, b *Object) int { return int(a.SubIndex) - int(b.SubIndex) })

	desc := coe.ObjectDescription{Index: index, MaxSubIndex: subs[len(subs)-1].SubIndex}
	if subs[0].SubIndex == 0 {
		desc.Name = subs[0].Name
	}
	if desc.MaxSubIndex == 0 {
		desc.ObjectCode = coe.ObjectVar
		desc.DataType = subs[0].dataType()
		return desc, true
	}

	desc.ObjectCode = coe.ObjectArray
	var elem coe.DataType
	for _, o := range subs {
		if o.SubIndex == 0 {
			continue
		}
		if elem == 0 {
			elem = o.dataType()
		} else if o.dataType() != elem {
			desc.ObjectCode = coe.ObjectRecord
		}
	}
	if desc.ObjectCode == coe.ObjectArray {
		desc.DataType = elem
	}

	return desc, true
}

// sdoInfo answers an SDO information request, fragmenting long answers
// over several mailbox replies.
func (s *slave) sdoInfo(counter uint8, payload []byte) {
	reply := func(op coe.InfoOpcode, body []byte) {
		for _, frag := range coe.InfoResponse(op, body, int(MailboxSize)-coe.MailboxHeaderSize) {
			s.queueReply(coe.MailboxCoE, counter, frag)
		}
	}
	refuse := func(code coe.AbortCode) {
		s.queueReply(coe.MailboxCoE, counter, coe.InfoErrorResponse(code))
	}

	if s.cfg.NoSDOInfo {
		s.queueReply(coe.MailboxError, counter, coe.EncodeMailboxError(0x0004))
		return
	}
	info, err := coe.ParseInfo(payload)
	if err != nil {
		refuse(coe.AbortCommandSpecifier)
		return
	}
	le := binary.LittleEndian

	switch info.Opcode {
	case coe.InfoODListRequest:
		if len(info.Data) < 2 {
			refuse(coe.AbortCommandSpecifier)
			return
		}
		switch list := coe.ODListType(le.Uint16(info.Data)); list {
		case coe.ODListLengths:
			n := uint16(len(s.indexes()))
			reply(coe.InfoODListResponse, coe.AppendODList(nil, list, []uint16{n, 0, 0, 0, 0}))
		case coe.ODListAll:
			reply(coe.InfoODListResponse, coe.AppendODList(nil, list, s.indexes()))
		default:
			reply(coe.InfoODListResponse, coe.AppendODList(nil, list, nil))
		}

	case coe.InfoObjectDescRequest:
		if len(info.Data) < 2 {
			refuse(coe.AbortCommandSpecifier)
			return
		}
		desc, ok := s.describe(le.Uint16(info.Data))
		if !ok {
			refuse(coe.AbortNoObject)
			return
		}
		reply(coe.InfoObjectDescResponse, desc.AppendBinary(nil))

	case coe.InfoEntryDescRequest:
		if len(info.Data) < 3 {
			refuse(coe.AbortCommandSpecifier)
			return
		}
		index, sub := le.Uint16(info.Data), info.Data[2]
		o, ok := s.object(index, sub)
		switch {
		case !ok && slices.Contains(s.indexes(), index):
			refuse(coe.AbortNoSubindex)
		case !ok:
			refuse(coe.AbortNoObject)
		default:
			reply(coe.InfoEntryDescResponse, o.entry().AppendBinary(nil))
		}

	default:
		refuse(coe.AbortCommandSpecifier)
	}
}
