package master

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/arloliu/go-ecat/coe"
	"github.com/arloliu/go-ecat/sii"
)

// ObjectDictionary is the object dictionary of a slave as published by
// its SDO information service. Objects are ordered by index.
type ObjectDictionary struct {
	Slave   SlaveID
	Objects []ODObject
}

// ODObject is one object of a dictionary with the entries the slave
// describes, ordered by subindex. Subindexes without a description
// are missing from Entries.
type ODObject struct {
	coe.ObjectDescription
	Entries []coe.EntryDescription
}

// Object returns the object at index.
func (od *ObjectDictionary) Object(index uint16) (*ODObject, bool) {
	i, ok := slices.BinarySearchFunc(od.Objects, index, func(o ODObject, idx uint16) int {
		return cmp.Compare(o.Index, idx)
	})
	if !ok {
		return nil, false
	}

	return &od.Objects[i], true
}

// Entry returns the description of index:sub.
func (od *ObjectDictionary) Entry(index uint16, sub uint8) (coe.EntryDescription, bool) {
	o, ok := od.Object(index)
	if !ok {
		return coe.EntryDescription{}, false
	}

	return o.Entry(sub)
}

// Entry returns the description of subindex sub.
func (o *ODObject) Entry(sub uint8) (coe.EntryDescription, bool) {
	for _, e := range o.Entries {
		if e.SubIndex == sub {
			return e, true
		}
	}

	return coe.EntryDescription{}, false
}

// sdoInfo sends an SDO information request and reassembles the
// fragments of the answer carrying op. The caller holds s.mbxMu.
func (m *Master) sdoInfo(ctx context.Context, s *slave, what string, req []byte, op coe.InfoOpcode) ([]byte, error) {
	var body []byte
	left := -1
	err := m.transact(ctx, s, what, req, func(p []byte) (bool, error) {
		info, err := coe.ParseInfo(p)
		var abort *coe.AbortError
		switch {
		case errors.As(err, &abort):
			return false, fmt.Errorf("%s: %w", what, sdoAbort(s, abort))
		case err != nil:
			m.logger.Debug("skip mailbox message", "slave", s.ID, "error", err)
			return false, nil
		case info.Opcode != op:
			return false, nil
		}

		frag := int(info.FragmentsLeft)
		switch {
		case left >= 0 && frag >= left:
			// a repeated request restarts the answer
			body = body[:0]
		case left >= 0 && frag != left-1:
			return false, fmt.Errorf("%w: %s of slave %d: %d fragments left after %d",
				coe.ErrFragment, what, s.ID, frag, left)
		}
		left = frag
		body = append(body, info.Data...)

		return !info.Incomplete, nil
	})
	if err != nil {
		return nil, err
	}

	return body, nil
}

// readDictionary walks the object dictionary of s: the list of all
// objects, then the description of every object and of its entries.
func (m *Master) readDictionary(ctx context.Context, s *slave) (*ObjectDictionary, error) {
	if s.info == nil || s.info.CoEDetails&sii.CoESDOInfo == 0 {
		return nil, fmt.Errorf("%w: slave %d", ErrNoSDOInfo, s.ID)
	}
	req := coe.ODListRequest(coe.ODListAll)
	if err := checkMailbox(s, req); err != nil {
		return nil, err
	}

	s.mbxMu.Lock()
	defer s.mbxMu.Unlock()

	body, err := m.sdoInfo(ctx, s, "OD list", req, coe.InfoODListResponse)
	if err != nil {
		return nil, err
	}
	_, indexes, err := coe.ParseODList(body)
	if err != nil {
		return nil, err
	}

	od := &ObjectDictionary{Slave: s.ID, Objects: make([]ODObject, 0, len(indexes))}
	for _, index := range indexes {
		what := fmt.Sprintf("object description 0x%04X", index)
		body, err := m.sdoInfo(ctx, s, what, coe.ObjectDescriptionRequest(index), coe.InfoObjectDescResponse)
		if err != nil {
			return nil, err
		}
		desc, err := coe.ParseObjectDescription(body)
		if err != nil {
			return nil, err
		}

		obj := ODObject{ObjectDescription: *desc}
		for sub := 0; sub <= int(desc.MaxSubIndex); sub++ {
			what := fmt.Sprintf("entry description 0x%04X:%02X", index, sub)
			body, err := m.sdoInfo(ctx, s, what, coe.EntryDescriptionRequest(index, uint8(sub), 0), coe.InfoEntryDescResponse)
			var abort *SDOAbortError
			if errors.As(err, &abort) {
				continue
			}
			if err != nil {
				return nil, err
			}
			entry, err := coe.ParseEntryDescription(body)
			if err != nil {
				return nil, err
			}
			obj.Entries = append(obj.Entries, *entry)
		}
		od.Objects = append(od.Objects, obj)
	}
	slices.SortFunc(od.Objects, func(a, b ODObject) int { return cmp.Compare(a.Index, b.Index) })

	s.od = od
	m.logger.Debug("object dictionary read", "slave", s.ID, "objects", len(od.Objects))

	return od, nil
}

// dictionary returns the cached dictionary of s, reading it on first use.
func (m *Master) dictionary(ctx context.Context, s *slave) (*ObjectDictionary, error) {
	s.mbxMu.Lock()
	od := s.od
	s.mbxMu.Unlock()
	if od != nil {
		return od, nil
	}

	return m.readDictionary(ctx, s)
}

// ReadODList reads the object dictionary of a slave through the SDO
// information service and caches it for the typed SDO accessors.
func (m *Master) ReadODList(ctx context.Context, id SlaveID) (*ObjectDictionary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	return m.readDictionary(ctx, s)
}

// ObjectDictionary returns the cached dictionary of a slave, nil when it
// was never read.
func (m *Master) ObjectDictionary(id SlaveID) (*ObjectDictionary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mbxMu.Lock()
	defer s.mbxMu.Unlock()

	return s.od, nil
}

// decodeEntry converts raw object data of e. Types without a Go mapping
// are returned as []byte.
func decodeEntry(e coe.EntryDescription, raw []byte) (any, error) {
	if n := e.ByteLen(); n > 0 && len(raw) > n {
		raw = raw[:n]
	}
	v, err := coe.DecodeValue(e.DataType, raw)
	if errors.Is(err, coe.ErrUnsupportedType) {
		return slices.Clone(raw), nil
	}

	return v, err
}

// ReadSDOEntry uploads index:sub and decodes it with the data type from
// the slave's object dictionary. The dictionary is read on first use.
func (m *Master) ReadSDOEntry(ctx context.Context, id SlaveID, index uint16, sub uint8) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	od, err := m.dictionary(ctx, s)
	if err != nil {
		return nil, err
	}
	e, ok := od.Entry(index, sub)
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04X:%02X of slave %d", ErrUnknownObject, index, sub, id)
	}

	data, err := m.upload(ctx, s, index, sub, false)
	if err != nil {
		return nil, err
	}

	return decodeEntry(e, data)
}

// ReadSDOObject uploads every subindex of object index in one complete
// access transfer and decodes the entries in subindex order. The result
// holds one value per subindex up to the object's highest subindex; a
// subindex without a description is nil.
func (m *Master) ReadSDOObject(ctx context.Context, id SlaveID, index uint16) ([]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	od, err := m.dictionary(ctx, s)
	if err != nil {
		return nil, err
	}
	obj, ok := od.Object(index)
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04X of slave %d", ErrUnknownObject, index, id)
	}

	raw, err := m.upload(ctx, s, index, 0, true)
	if err != nil {
		return nil, err
	}

	values := make([]any, int(obj.MaxSubIndex)+1)
	for _, e := range obj.Entries {
		n := e.ByteLen()
		// subindex 0 travels as 16 bits in a complete access
		if e.SubIndex == 0 {
			n = 2
		}
		if len(raw) < n {
			return nil, fmt.Errorf("%w: 0x%04X:%02X of slave %d truncated in complete access",
				coe.ErrValueSize, index, e.SubIndex, id)
		}
		v, err := decodeEntry(e, raw[:n])
		if err != nil {
			return nil, err
		}
		if int(e.SubIndex) < len(values) {
			values[e.SubIndex] = v
		}
		raw = raw[n:]
	}

	return values, nil
}

// WriteSDOEntry encodes v with the data type from the slave's object
// dictionary and downloads it to index:sub. The Go type of v must match
// the one ReadSDOEntry returns for the entry.
func (m *Master) WriteSDOEntry(ctx context.Context, id SlaveID, index uint16, sub uint8, v any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	od, err := m.dictionary(ctx, s)
	if err != nil {
		return err
	}
	e, ok := od.Entry(index, sub)
	if !ok {
		return fmt.Errorf("%w: 0x%04X:%02X of slave %d", ErrUnknownObject, index, sub, id)
	}
	data, err := coe.EncodeValue(e.DataType, v)
	if err != nil {
		return err
	}

	return m.download(ctx, s, index, sub, data)
}
