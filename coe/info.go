package coe

import (
	"encoding/binary"
	"fmt"
)

// InfoHeaderSize is the size of the SDO information header: opcode,
// reserved byte and the number of fragments left.
const InfoHeaderSize = 4

// InfoOverhead is the CoE and information overhead in front of the data.
const InfoOverhead = HeaderSize + InfoHeaderSize

// InfoOpcode is the service of an SDO information message.
type InfoOpcode uint8

// SDO information opcodes.
const (
	InfoODListRequest      InfoOpcode = 0x01
	InfoODListResponse     InfoOpcode = 0x02
	InfoObjectDescRequest  InfoOpcode = 0x03
	InfoObjectDescResponse InfoOpcode = 0x04
	InfoEntryDescRequest   InfoOpcode = 0x05
	InfoEntryDescResponse  InfoOpcode = 0x06
	InfoError              InfoOpcode = 0x07
)

const infoIncomplete = 0x80

// ODListType selects the objects of an OD list request.
type ODListType uint16

// OD list types. ODListLengths returns the length of every other list.
const (
	ODListLengths ODListType = 0x00
	ODListAll     ODListType = 0x01
	ODListRxPDO   ODListType = 0x02
	ODListTxPDO   ODListType = 0x03
	ODListBackup  ODListType = 0x04
	ODListStartup ODListType = 0x05
)

// ObjectCode is the kind of an object dictionary entry.
type ObjectCode uint8

// Object codes.
const (
	ObjectVar    ObjectCode = 0x07
	ObjectArray  ObjectCode = 0x08
	ObjectRecord ObjectCode = 0x09
)

func (c ObjectCode) String() string {
	switch c {
	case ObjectVar:
		return "VAR"
	case ObjectArray:
		return "ARRAY"
	case ObjectRecord:
		return "RECORD"
	default:
		return fmt.Sprintf("ObjectCode(%d)", uint8(c))
	}
}

// Access is the access and mapping bit set of an entry.
type Access uint16

// Access bits.
const (
	AccessReadPreOp   Access = 0x0001
	AccessReadSafeOp  Access = 0x0002
	AccessReadOp      Access = 0x0004
	AccessWritePreOp  Access = 0x0008
	AccessWriteSafeOp Access = 0x0010
	AccessWriteOp     Access = 0x0020
	AccessRxPDOMap    Access = 0x0040
	AccessTxPDOMap    Access = 0x0080

	AccessRead  = AccessReadPreOp | AccessReadSafeOp | AccessReadOp
	AccessWrite = AccessWritePreOp | AccessWriteSafeOp | AccessWriteOp
)

// Readable reports whether the entry can be read in any state.
func (a Access) Readable() bool { return a&AccessRead != 0 }

// Writable reports whether the entry can be written in any state.
func (a Access) Writable() bool { return a&AccessWrite != 0 }

// Mappable reports whether the entry can be mapped into a PDO.
func (a Access) Mappable() bool { return a&(AccessRxPDOMap|AccessTxPDOMap) != 0 }

// ObjectDescription describes one object of the dictionary.
type ObjectDescription struct {
	Index       uint16
	DataType    DataType
	MaxSubIndex uint8
	ObjectCode  ObjectCode
	Name        string
}

// AppendBinary appends the body of an object description response to b.
func (d ObjectDescription) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, d.Index)
	b = binary.LittleEndian.AppendUint16(b, uint16(d.DataType))
	b = append(b, d.MaxSubIndex, byte(d.ObjectCode))

	return append(b, d.Name...)
}

// EntryDescription describes one subindex of an object.
type EntryDescription struct {
	Index     uint16
	SubIndex  uint8
	ValueInfo uint8
	DataType  DataType
	BitLen    uint16
	Access    Access
	Name      string
}

// ByteLen returns the number of bytes the entry occupies in a transfer.
func (e EntryDescription) ByteLen() int { return (int(e.BitLen) + 7) / 8 }

// AppendBinary appends the body of an entry description response to b.
func (e EntryDescription) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, e.Index)
	b = append(b, e.SubIndex, e.ValueInfo)
	b = binary.LittleEndian.AppendUint16(b, uint16(e.DataType))
	b = binary.LittleEndian.AppendUint16(b, e.BitLen)
	b = binary.LittleEndian.AppendUint16(b, uint16(e.Access))

	return append(b, e.Name...)
}

// Info is a decoded SDO information message, one fragment of an answer.
type Info struct {
	Opcode        InfoOpcode
	Incomplete    bool
	FragmentsLeft uint16
	Data          []byte
}

func appendInfo(b []byte, op InfoOpcode, incomplete bool, fragments uint16) []byte {
	b = Header{Service: ServiceSDOInfo}.AppendBinary(b)
	cmd := byte(op) & 0x7F
	if incomplete {
		cmd |= infoIncomplete
	}
	b = append(b, cmd, 0)

	return binary.LittleEndian.AppendUint16(b, fragments)
}

// ODListRequest builds the CoE payload asking for the indexes of list.
func ODListRequest(list ODListType) []byte {
	b := appendInfo(make([]byte, 0, InfoOverhead+2), InfoODListRequest, false, 0)
	return binary.LittleEndian.AppendUint16(b, uint16(list))
}

// ObjectDescriptionRequest builds the CoE payload asking for the
// description of object index.
func ObjectDescriptionRequest(index uint16) []byte {
	b := appendInfo(make([]byte, 0, InfoOverhead+2), InfoObjectDescRequest, false, 0)
	return binary.LittleEndian.AppendUint16(b, index)
}

// EntryDescriptionRequest builds the CoE payload asking for the
// description of index:sub. valueInfo selects optional fields following
// the access word; 0 asks for the name only.
func EntryDescriptionRequest(index uint16, sub uint8, valueInfo uint8) []byte {
	b := appendInfo(make([]byte, 0, InfoOverhead+4), InfoEntryDescRequest, false, 0)
	b = binary.LittleEndian.AppendUint16(b, index)

	return append(b, sub, valueInfo)
}

// AppendODList appends the body of an OD list response to b.
func AppendODList(b []byte, list ODListType, indexes []uint16) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(list))
	for _, idx := range indexes {
		b = binary.LittleEndian.AppendUint16(b, idx)
	}

	return b
}

// InfoResponse splits body into the fragments of an op answer, each
// fitting a CoE payload of limit bytes.
func InfoResponse(op InfoOpcode, body []byte, limit int) [][]byte {
	chunk := max((limit-InfoOverhead)&^1, 2)
	n := max((len(body)+chunk-1)/chunk, 1)

	frags := make([][]byte, 0, n)
	for i := range n {
		part := body[min(i*chunk, len(body)):min((i+1)*chunk, len(body))]
		b := appendInfo(make([]byte, 0, InfoOverhead+len(part)), op, i < n-1, uint16(n-1-i))
		frags = append(frags, append(b, part...))
	}

	return frags
}

// InfoErrorResponse builds the CoE payload refusing an information request.
func InfoErrorResponse(code AbortCode) []byte {
	b := appendInfo(make([]byte, 0, InfoOverhead+4), InfoError, false, 0)
	return binary.LittleEndian.AppendUint32(b, uint32(code))
}

// ParseInfo decodes an SDO information message. An information error is
// returned as *AbortError.
func ParseInfo(payload []byte) (*Info, error) {
	h, err := ParseHeader(payload)
	if err != nil {
		return nil, err
	}
	if h.Service != ServiceSDOInfo {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedService, h.Service)
	}
	if len(payload) < InfoOverhead {
		return nil, fmt.Errorf("%w: SDO information of %d bytes", ErrShortMessage, len(payload)-HeaderSize)
	}

	info := &Info{
		Opcode:        InfoOpcode(payload[2] & 0x7F),
		Incomplete:    payload[2]&infoIncomplete != 0,
		FragmentsLeft: binary.LittleEndian.Uint16(payload[4:]),
		Data:          payload[InfoOverhead:],
	}
	if info.Opcode == InfoError {
		if len(info.Data) < 4 {
			return nil, fmt.Errorf("%w: information error without code", ErrShortMessage)
		}
		return nil, &AbortError{Code: AbortCode(binary.LittleEndian.Uint32(info.Data))}
	}

	return info, nil
}

// ParseODList decodes the reassembled body of an OD list response.
func ParseODList(body []byte) (ODListType, []uint16, error) {
	if len(body) < 2 || len(body)%2 != 0 {
		return 0, nil, fmt.Errorf("%w: OD list of %d bytes", ErrShortMessage, len(body))
	}

	list := ODListType(binary.LittleEndian.Uint16(body))
	indexes := make([]uint16, 0, len(body)/2-1)
	for p := 2; p < len(body); p += 2 {
		indexes = append(indexes, binary.LittleEndian.Uint16(body[p:]))
	}

	return list, indexes, nil
}

// ParseObjectDescription decodes the body of an object description response.
func ParseObjectDescription(body []byte) (*ObjectDescription, error) {
	if len(body) < 6 {
		return nil, fmt.Errorf("%w: object description of %d bytes", ErrShortMessage, len(body))
	}

	return &ObjectDescription{
		Index:       binary.LittleEndian.Uint16(body),
		DataType:    DataType(binary.LittleEndian.Uint16(body[2:])),
		MaxSubIndex: body[4],
		ObjectCode:  ObjectCode(body[5]),
		Name:        string(body[6:]),
	}, nil
}

// ParseEntryDescription decodes the body of an entry description
// response requested with value info 0.
func ParseEntryDescription(body []byte) (*EntryDescription, error) {
	if len(body) < 10 {
		return nil, fmt.Errorf("%w: entry description of %d bytes", ErrShortMessage, len(body))
	}

	return &EntryDescription{
		Index:     binary.LittleEndian.Uint16(body),
		SubIndex:  body[2],
		ValueInfo: body[3],
		DataType:  DataType(binary.LittleEndian.Uint16(body[4:])),
		BitLen:    binary.LittleEndian.Uint16(body[6:]),
		Access:    Access(binary.LittleEndian.Uint16(body[8:])),
		Name:      string(body[10:]),
	}, nil
}
