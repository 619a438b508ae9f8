package sii

import "encoding/binary"

// Encode builds an SII image for info. Names are collected into a string
// category; SyncM, FMMU and PDO categories are written when present.
// The header checksum is always valid.
func Encode(info *Info) Image {
	img := make([]byte, int(WordFirstCategory)*2)
	le := binary.LittleEndian

	le.PutUint16(img[WordStationAlias*2:], info.Alias)
	le.PutUint32(img[WordVendorID*2:], info.Vendor)
	le.PutUint32(img[WordProductCode*2:], info.Product)
	le.PutUint32(img[WordRevision*2:], info.Revision)
	le.PutUint32(img[WordSerial*2:], info.Serial)
	le.PutUint16(img[WordRxMailboxOffset*2:], info.Mailbox.RecvOffset)
	le.PutUint16(img[WordRxMailboxSize*2:], info.Mailbox.RecvSize)
	le.PutUint16(img[WordTxMailboxOffset*2:], info.Mailbox.SendOffset)
	le.PutUint16(img[WordTxMailboxSize*2:], info.Mailbox.SendSize)
	le.PutUint16(img[WordMailboxProtocols*2:], uint16(info.Mailbox.Protocols))
	le.PutUint16(img[WordVersion*2:], 1)
	img[WordChecksum*2] = Checksum(img[:14])

	st := &stringTable{}
	orderIdx := st.add(info.Order)
	nameIdx := st.add(info.Name)
	txPDOs := encodePDOs(info.TxPDOs, st)
	rxPDOs := encodePDOs(info.RxPDOs, st)

	if len(st.strs) > 0 {
		img = appendCategory(img, CategoryStrings, st.encode())
	}
	if info.Name != "" || info.Order != "" || info.CoEDetails != 0 {
		general := make([]byte, 32)
		general[2] = orderIdx
		general[3] = nameIdx
		general[5] = info.CoEDetails
		img = appendCategory(img, CategoryGeneral, general)
	}
	if len(info.FMMUs) > 0 {
		fmmus := make([]byte, 0, len(info.FMMUs))
		for _, u := range info.FMMUs {
			fmmus = append(fmmus, byte(u))
		}
		img = appendCategory(img, CategoryFMMU, fmmus)
	}
	if len(info.SyncManagers) > 0 {
		sms := make([]byte, 0, 8*len(info.SyncManagers))
		for _, sm := range info.SyncManagers {
			sms = le.AppendUint16(sms, sm.Start)
			sms = le.AppendUint16(sms, sm.Length)
			sms = append(sms, sm.Control, sm.Status, sm.Enable, byte(sm.Type))
		}
		img = appendCategory(img, CategorySyncM, sms)
	}
	if len(txPDOs) > 0 {
		img = appendCategory(img, CategoryTxPDO, txPDOs)
	}
	if len(rxPDOs) > 0 {
		img = appendCategory(img, CategoryRxPDO, rxPDOs)
	}

	img = le.AppendUint16(img, uint16(CategoryEnd))
	size := (len(img)+127)/128 - 1
	le.PutUint16(img[WordSize*2:], uint16(size))

	return img
}

func appendCategory(img []byte, typ CategoryType, data []byte) []byte {
	if len(data)%2 != 0 {
		data = append(data, 0xFF)
	}
	img = binary.LittleEndian.AppendUint16(img, uint16(typ))
	img = binary.LittleEndian.AppendUint16(img, uint16(len(data)/2))

	return append(img, data...)
}

func encodePDOs(pdos []PDO, st *stringTable) []byte {
	var b []byte
	for _, p := range pdos {
		b = binary.LittleEndian.AppendUint16(b, p.Index)
		b = append(b, byte(len(p.Entries)), p.SyncManager, p.Synchronize, st.add(p.Name))
		b = binary.LittleEndian.AppendUint16(b, p.Flags)
		for _, e := range p.Entries {
			b = binary.LittleEndian.AppendUint16(b, e.Index)
			b = append(b, e.SubIndex, st.add(e.Name), e.DataType, e.BitLen)
			b = binary.LittleEndian.AppendUint16(b, e.Flags)
		}
	}

	return b
}

// stringTable assigns 1-based indices to distinct non-empty strings.
type stringTable struct {
	strs []string
	idx  map[string]uint8
}

func (st *stringTable) add(s string) uint8 {
	if s == "" || len(st.strs) == 255 {
		return 0
	}
	if len(s) > 255 {
		s = s[:255]
	}
	if st.idx == nil {
		st.idx = make(map[string]uint8)
	}
	if i, ok := st.idx[s]; ok {
		return i
	}
	st.strs = append(st.strs, s)
	i := uint8(len(st.strs))
	st.idx[s] = i

	return i
}

func (st *stringTable) encode() []byte {
	b := []byte{byte(len(st.strs))}
	for _, s := range st.strs {
		b = append(b, byte(len(s)))
		b = append(b, s...)
	}

	return b
}
