// Package sii reads and writes the Slave Information Interface, the
// EEPROM image every EtherCAT slave carries.
//
// The image is organised in 16-bit words. Words 0x0000 to 0x003F form a
// fixed header with the identity and mailbox geometry; from word 0x0040 on
// follows a list of categories, each prefixed by a type word and a size
// word, terminated by the end category 0xFFFF.
package sii

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Word addresses of the fixed header.
const (
	WordPDIControl       uint16 = 0x0000
	WordStationAlias     uint16 = 0x0004
	WordChecksum         uint16 = 0x0007
	WordVendorID         uint16 = 0x0008
	WordProductCode      uint16 = 0x000A
	WordRevision         uint16 = 0x000C
	WordSerial           uint16 = 0x000E
	WordRxMailboxOffset  uint16 = 0x0018
	WordRxMailboxSize    uint16 = 0x0019
	WordTxMailboxOffset  uint16 = 0x001A
	WordTxMailboxSize    uint16 = 0x001B
	WordMailboxProtocols uint16 = 0x001C
	WordSize             uint16 = 0x003E
	WordVersion          uint16 = 0x003F
	WordFirstCategory    uint16 = 0x0040
)

// MaxWords bounds the category walk. 32 Kbit is the largest EEPROM
// addressable by the header size word.
const MaxWords = 0x4000

// CategoryType identifies a category.
type CategoryType uint16

// Category types.
const (
	CategoryNOP       CategoryType = 0
	CategoryStrings   CategoryType = 10
	CategoryDataTypes CategoryType = 20
	CategoryGeneral   CategoryType = 30
	CategoryFMMU      CategoryType = 40
	CategorySyncM     CategoryType = 41
	CategoryTxPDO     CategoryType = 50
	CategoryRxPDO     CategoryType = 51
	CategoryDC        CategoryType = 60
	CategoryEnd       CategoryType = 0xFFFF
)

// MailboxProtocol is the set of mailbox protocols a slave supports.
type MailboxProtocol uint16

// Mailbox protocol bits.
const (
	ProtoAoE MailboxProtocol = 0x0001
	ProtoEoE MailboxProtocol = 0x0002
	ProtoCoE MailboxProtocol = 0x0004
	ProtoFoE MailboxProtocol = 0x0008
	ProtoSoE MailboxProtocol = 0x0010
	ProtoVoE MailboxProtocol = 0x0020
)

// Bits of Info.CoEDetails.
const (
	CoESDO             = 0x01
	CoESDOInfo         = 0x02
	CoEPDOAssign       = 0x04
	CoEPDOConfig       = 0x08
	CoEUploadAtStartup = 0x10
	CoECompleteAccess  = 0x20
)

// Has reports whether every protocol in p is supported.
func (m MailboxProtocol) Has(p MailboxProtocol) bool { return m&p == p }

// Mailbox is the standard mailbox geometry. Receive means master to slave.
type Mailbox struct {
	RecvOffset uint16
	RecvSize   uint16
	SendOffset uint16
	SendSize   uint16
	Protocols  MailboxProtocol
}

// Supported reports whether the slave has a usable mailbox.
func (m Mailbox) Supported() bool { return m.RecvSize > 0 && m.SendSize > 0 }

// SMType is the usage of a SyncManager as announced by the SII.
type SMType uint8

// SyncManager usages.
const (
	SMUnused     SMType = 0
	SMMailboxOut SMType = 1
	SMMailboxIn  SMType = 2
	SMOutputs    SMType = 3
	SMInputs     SMType = 4
)

// SyncManager is one entry of the SyncM category.
type SyncManager struct {
	Start   uint16
	Length  uint16
	Control uint8
	Status  uint8
	Enable  uint8
	Type    SMType
}

// FMMUUsage is one entry of the FMMU category.
type FMMUUsage uint8

// FMMU usages.
const (
	FMMUUnused   FMMUUsage = 0
	FMMUOutputs  FMMUUsage = 1
	FMMUInputs   FMMUUsage = 2
	FMMUSMStatus FMMUUsage = 3
)

// PDOEntry is one mapped object of a PDO.
type PDOEntry struct {
	Index    uint16
	SubIndex uint8
	Name     string
	DataType uint8
	BitLen   uint8
	Flags    uint16
}

// PDO is one entry of the TxPDO or RxPDO category.
type PDO struct {
	Index       uint16
	SyncManager uint8
	Synchronize uint8
	Name        string
	Flags       uint16
	Entries     []PDOEntry
}

// BitLen returns the total size of the PDO in bits.
func (p PDO) BitLen() int {
	n := 0
	for _, e := range p.Entries {
		n += int(e.BitLen)
	}

	return n
}

// Info is the decoded content of an SII image.
type Info struct {
	Alias    uint16
	Vendor   uint32
	Product  uint32
	Revision uint32
	Serial   uint32

	Mailbox Mailbox

	Name       string
	Order      string
	CoEDetails uint8

	FMMUs        []FMMUUsage
	SyncManagers []SyncManager
	TxPDOs       []PDO
	RxPDOs       []PDO

	ChecksumOK bool
}

// SyncManagerOf returns the first SyncManager index of the given usage.
func (info *Info) SyncManagerOf(t SMType) (int, SyncManager, bool) {
	for i, sm := range info.SyncManagers {
		if sm.Type == t {
			return i, sm, true
		}
	}

	return 0, SyncManager{}, false
}

// PDOBits returns the summed bit length of pdos assigned to a SyncManager.
func PDOBits(pdos []PDO) int {
	n := 0
	for _, p := range pdos {
		if p.SyncManager == 0xFF {
			continue
		}
		n += p.BitLen()
	}

	return n
}

var (
	// ErrMalformed means the category list is inconsistent.
	ErrMalformed = errors.New("sii: malformed category list")
)

// Reader reads the EEPROM two words at a time.
type Reader interface {
	// ReadDWord returns word addr in the low and word addr+1 in the high half.
	ReadDWord(addr uint16) (uint32, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(addr uint16) (uint32, error)

func (f ReaderFunc) ReadDWord(addr uint16) (uint32, error) { return f(addr) }

// Image is an in-memory SII image. It implements Reader.
type Image []byte

// ReadDWord implements Reader. Words beyond the image read as 0xFFFF.
func (img Image) ReadDWord(addr uint16) (uint32, error) {
	return uint32(img.word(addr)) | uint32(img.word(addr+1))<<16, nil
}

func (img Image) word(addr uint16) uint16 {
	off := int(addr) * 2
	if off+2 > len(img) {
		return 0xFFFF
	}

	return binary.LittleEndian.Uint16(img[off:])
}

// Read decodes the header and categories through r.
func Read(r Reader) (*Info, error) {
	rd := &wordReader{r: r}

	hdr, err := rd.bytes(0, 0x20)
	if err != nil {
		return nil, err
	}

	info := &Info{
		Alias:    binary.LittleEndian.Uint16(hdr[WordStationAlias*2:]),
		Vendor:   binary.LittleEndian.Uint32(hdr[WordVendorID*2:]),
		Product:  binary.LittleEndian.Uint32(hdr[WordProductCode*2:]),
		Revision: binary.LittleEndian.Uint32(hdr[WordRevision*2:]),
		Serial:   binary.LittleEndian.Uint32(hdr[WordSerial*2:]),
		Mailbox: Mailbox{
			RecvOffset: binary.LittleEndian.Uint16(hdr[WordRxMailboxOffset*2:]),
			RecvSize:   binary.LittleEndian.Uint16(hdr[WordRxMailboxSize*2:]),
			SendOffset: binary.LittleEndian.Uint16(hdr[WordTxMailboxOffset*2:]),
			SendSize:   binary.LittleEndian.Uint16(hdr[WordTxMailboxSize*2:]),
			Protocols:  MailboxProtocol(binary.LittleEndian.Uint16(hdr[WordMailboxProtocols*2:])),
		},
		ChecksumOK: Checksum(hdr[:14]) == hdr[14],
	}

	cats, err := readCategories(rd)
	if err != nil {
		return nil, err
	}

	var strs []string
	for _, c := range cats {
		if c.typ == CategoryStrings {
			if strs, err = parseStrings(c.data); err != nil {
				return nil, err
			}
			break
		}
	}
	lookup := func(idx uint8) string {
		if idx == 0 || int(idx) > len(strs) {
			return ""
		}
		return strs[idx-1]
	}

	for _, c := range cats {
		switch c.typ {
		case CategoryGeneral:
			if len(c.data) >= 8 {
				info.Order = lookup(c.data[2])
				info.Name = lookup(c.data[3])
				info.CoEDetails = c.data[5]
			}
		case CategoryFMMU:
			for _, u := range c.data {
				if u != 0xFF {
					info.FMMUs = append(info.FMMUs, FMMUUsage(u))
				}
			}
		case CategorySyncM:
			info.SyncManagers = parseSyncManagers(c.data)
		case CategoryTxPDO, CategoryRxPDO:
			pdos, err := parsePDOs(c.data, lookup)
			if err != nil {
				return nil, err
			}
			if c.typ == CategoryTxPDO {
				info.TxPDOs = append(info.TxPDOs, pdos...)
			} else {
				info.RxPDOs = append(info.RxPDOs, pdos...)
			}
		}
	}

	return info, nil
}

type category struct {
	typ  CategoryType
	data []byte
}

func readCategories(rd *wordReader) ([]category, error) {
	var cats []category
	addr := WordFirstCategory
	for {
		if int(addr)+2 > MaxWords {
			return nil, fmt.Errorf("%w: no end category before word 0x%04X", ErrMalformed, MaxWords)
		}

		h, err := rd.dword(addr)
		if err != nil {
			return nil, err
		}
		if CategoryType(h&0xFFFF) == CategoryEnd {
			return cats, nil
		}
		typ := CategoryType(h & 0x7FFF)
		size := uint16(h >> 16)
		if int(addr)+2+int(size) > MaxWords {
			return nil, fmt.Errorf("%w: category %d at word 0x%04X overruns the image", ErrMalformed, typ, addr)
		}

		data, err := rd.bytes(addr+2, size)
		if err != nil {
			return nil, err
		}
		cats = append(cats, category{typ: typ, data: data})
		addr += 2 + size
	}
}

func parseStrings(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}

	n := int(data[0])
	strs := make([]string, 0, n)
	p := 1
	for i := 0; i < n; i++ {
		if p >= len(data) {
			return nil, fmt.Errorf("%w: string %d truncated", ErrMalformed, i+1)
		}
		l := int(data[p])
		p++
		if p+l > len(data) {
			return nil, fmt.Errorf("%w: string %d truncated", ErrMalformed, i+1)
		}
		strs = append(strs, string(data[p:p+l]))
		p += l
	}

	return strs, nil
}

func parseSyncManagers(data []byte) []SyncManager {
	sms := make([]SyncManager, 0, len(data)/8)
	for p := 0; p+8 <= len(data); p += 8 {
		sms = append(sms, SyncManager{
			Start:   binary.LittleEndian.Uint16(data[p:]),
			Length:  binary.LittleEndian.Uint16(data[p+2:]),
			Control: data[p+4],
			Status:  data[p+5],
			Enable:  data[p+6],
			Type:    SMType(data[p+7]),
		})
	}

	return sms
}

func parsePDOs(data []byte, lookup func(uint8) string) ([]PDO, error) {
	var pdos []PDO
	p := 0
	for p+8 <= len(data) {
		pdo := PDO{
			Index:       binary.LittleEndian.Uint16(data[p:]),
			SyncManager: data[p+3],
			Synchronize: data[p+4],
			Name:        lookup(data[p+5]),
			Flags:       binary.LittleEndian.Uint16(data[p+6:]),
		}
		n := int(data[p+2])
		p += 8
		if p+8*n > len(data) {
			return nil, fmt.Errorf("%w: PDO 0x%04X entries truncated", ErrMalformed, pdo.Index)
		}
		for i := 0; i < n; i++ {
			pdo.Entries = append(pdo.Entries, PDOEntry{
				Index:    binary.LittleEndian.Uint16(data[p:]),
				SubIndex: data[p+2],
				Name:     lookup(data[p+3]),
				DataType: data[p+4],
				BitLen:   data[p+5],
				Flags:    binary.LittleEndian.Uint16(data[p+6:]),
			})
			p += 8
		}
		pdos = append(pdos, pdo)
	}

	return pdos, nil
}

// wordReader turns dword reads into byte ranges.
type wordReader struct {
	r Reader
}

func (rd *wordReader) dword(addr uint16) (uint32, error) {
	v, err := rd.r.ReadDWord(addr)
	if err != nil {
		return 0, fmt.Errorf("sii: read word 0x%04X: %w", addr, err)
	}

	return v, nil
}

// bytes reads n words starting at addr.
func (rd *wordReader) bytes(addr uint16, n uint16) ([]byte, error) {
	b := make([]byte, 0, int(n)*2+2)
	for i := uint16(0); i < n; i += 2 {
		v, err := rd.dword(addr + i)
		if err != nil {
			return nil, err
		}
		b = binary.LittleEndian.AppendUint32(b, v)
	}

	return b[:int(n)*2], nil
}

// Checksum computes the CRC-8 (polynomial x^8+x^2+x+1, seed 0xFF) over
// the first seven header words.
func Checksum(b []byte) uint8 {
	crc := uint8(0xFF)
	for _, v := range b {
		crc ^= v
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x07
			} else {
				crc <<= 1
			}
		}
	}

	return crc
}
