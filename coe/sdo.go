package coe

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// HeaderSize is the size of the CoE header.
const HeaderSize = 2

// SDOSize is the size of an SDO initiate body: command, index, subindex
// and four data bytes.
const SDOSize = 8

// ExpeditedMax is the largest payload of an expedited transfer.
const ExpeditedMax = 4

// NormalOverhead is the CoE and SDO overhead of a normal transfer in
// front of its data.
const NormalOverhead = HeaderSize + SDOSize

// Service is the CoE service in the CoE header.
type Service uint8

// CoE services.
const (
	ServiceEmergency   Service = 0x01
	ServiceSDORequest  Service = 0x02
	ServiceSDOResponse Service = 0x03
	ServiceTxPDO       Service = 0x04
	ServiceRxPDO       Service = 0x05
	ServiceTxPDORemote Service = 0x06
	ServiceRxPDORemote Service = 0x07
	ServiceSDOInfo     Service = 0x08
)

// Header is the CoE header.
type Header struct {
	Number  uint16
	Service Service
}

// AppendBinary appends the encoded header to b.
func (h Header) AppendBinary(b []byte) []byte {
	return binary.LittleEndian.AppendUint16(b, h.Number&0x01FF|uint16(h.Service&0x0F)<<12)
}

// ParseHeader decodes the CoE header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortMessage, len(b))
	}
	v := binary.LittleEndian.Uint16(b)

	return Header{Number: v & 0x01FF, Service: Service(v >> 12)}, nil
}

// SegmentMin is the smallest data field of an SDO segment. Shorter
// data is padded and the unused bytes are counted in the command byte.
const SegmentMin = 7

// SegmentOverhead is the CoE and SDO overhead of a segment in front of
// its data.
const SegmentOverhead = HeaderSize + 1

// CiA 301 command specifiers, bits 5..7 of the command byte.
const (
	ccsDownloadInitiate = 1
	ccsUploadInitiate   = 2
	ccsUploadSegment    = 3
	scsUploadSegment    = 0
	scsUploadInitiate   = 2
	scsDownloadInitiate = 3
	csAbort             = 4
)

// Bits of an initiate command byte.
const (
	cmdSizeIndicated = 0x01
	cmdExpedited     = 0x02
	cmdComplete      = 0x10
)

// Bits of a segment command byte.
const (
	cmdLast       = 0x01
	cmdUnusedMask = 0x0E
	cmdToggle     = 0x10
)

func initiateCmd(cs byte, n int, expedited, complete bool) byte {
	cmd := cs<<5 | cmdSizeIndicated
	if expedited {
		cmd |= cmdExpedited | byte(ExpeditedMax-n)<<2
	}
	if complete {
		cmd |= cmdComplete
	}

	return cmd
}

func appendSDO(b []byte, svc Service, cmd byte, index uint16, sub uint8) []byte {
	b = Header{Service: svc}.AppendBinary(b)
	b = append(b, cmd)
	b = binary.LittleEndian.AppendUint16(b, index)

	return append(b, sub)
}

func appendData(b []byte, data []byte, expedited bool) []byte {
	if expedited {
		var d [ExpeditedMax]byte
		copy(d[:], data)
		return append(b, d[:]...)
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(len(data)))

	return append(b, data...)
}

// UploadRequest builds the CoE payload reading index:sub. With complete
// set the slave returns all subindexes of the object.
func UploadRequest(index uint16, sub uint8, complete bool) []byte {
	cmd := byte(ccsUploadInitiate << 5)
	if complete {
		cmd |= cmdComplete
	}
	b := appendSDO(make([]byte, 0, NormalOverhead), ServiceSDORequest, cmd, index, sub)

	return append(b, 0, 0, 0, 0)
}

// DownloadRequest builds the CoE payload writing data to index:sub.
// One to four bytes are sent expedited.
func DownloadRequest(index uint16, sub uint8, data []byte, complete bool) []byte {
	expedited := len(data) > 0 && len(data) <= ExpeditedMax && !complete
	cmd := initiateCmd(ccsDownloadInitiate, len(data), expedited, complete)
	b := appendSDO(make([]byte, 0, NormalOverhead+len(data)), ServiceSDORequest, cmd, index, sub)

	return appendData(b, data, expedited)
}

// UploadResponse builds the CoE payload a slave returns for an upload.
func UploadResponse(index uint16, sub uint8, data []byte, complete bool) []byte {
	expedited := len(data) > 0 && len(data) <= ExpeditedMax && !complete
	cmd := initiateCmd(scsUploadInitiate, len(data), expedited, complete)
	b := appendSDO(make([]byte, 0, NormalOverhead+len(data)), ServiceSDOResponse, cmd, index, sub)

	return appendData(b, data, expedited)
}

// DownloadResponse builds the CoE payload acknowledging a download.
func DownloadResponse(index uint16, sub uint8) []byte {
	b := appendSDO(make([]byte, 0, NormalOverhead), ServiceSDOResponse, scsDownloadInitiate<<5, index, sub)
	return append(b, 0, 0, 0, 0)
}

// UploadSegmentRequest builds the CoE payload asking for the next segment
// of an upload of index:sub. The toggle alternates from false.
func UploadSegmentRequest(index uint16, sub uint8, toggle bool) []byte {
	cmd := byte(ccsUploadSegment << 5)
	if toggle {
		cmd |= cmdToggle
	}
	b := appendSDO(make([]byte, 0, NormalOverhead), ServiceSDORequest, cmd, index, sub)

	return append(b, 0, 0, 0, 0)
}

// UploadSegmentResponse builds the CoE payload of one upload segment.
func UploadSegmentResponse(data []byte, toggle, last bool) []byte {
	cmd := byte(scsUploadSegment << 5)
	if toggle {
		cmd |= cmdToggle
	}
	if last {
		cmd |= cmdLast
	}
	if len(data) < SegmentMin {
		cmd |= byte(SegmentMin-len(data)) << 1
	}

	b := Header{Service: ServiceSDOResponse}.AppendBinary(make([]byte, 0, SegmentOverhead+max(len(data), SegmentMin)))
	b = append(b, cmd)
	b = append(b, data...)
	for len(b) < SegmentOverhead+SegmentMin {
		b = append(b, 0)
	}

	return b
}

// AbortRequest builds an abort transfer message for index:sub.
func AbortRequest(index uint16, sub uint8, code AbortCode) []byte {
	b := appendSDO(make([]byte, 0, NormalOverhead), ServiceSDORequest, csAbort<<5, index, sub)
	return binary.LittleEndian.AppendUint32(b, uint32(code))
}

// Request is a decoded SDO request.
type Request struct {
	Upload   bool
	Complete bool
	Index    uint16
	SubIndex uint8

	// Segment marks a request for the next upload segment.
	Segment bool
	Toggle  bool

	// Data is the download payload.
	Data []byte
}

// Response is a decoded SDO response.
type Response struct {
	Upload   bool
	Complete bool
	Index    uint16
	SubIndex uint8

	// Data is the upload payload. Size is the announced size of the
	// object; a larger Size than Data means the rest follows in segments.
	Data []byte
	Size int
}

// Segmented reports whether the upload continues with segments.
func (r *Response) Segmented() bool { return r.Size > len(r.Data) }

// Segment is a decoded upload segment.
type Segment struct {
	Toggle bool
	Last   bool
	Data   []byte
}

type sdoBody struct {
	svc   Service
	cmd   byte
	index uint16
	sub   uint8
	rest  []byte
}

func parseSDO(payload []byte) (sdoBody, error) {
	h, err := ParseHeader(payload)
	if err != nil {
		return sdoBody{}, err
	}
	if len(payload) < NormalOverhead {
		return sdoBody{}, fmt.Errorf("%w: SDO body of %d bytes", ErrShortMessage, len(payload)-HeaderSize)
	}

	return sdoBody{
		svc:   h.Service,
		cmd:   payload[2],
		index: binary.LittleEndian.Uint16(payload[3:]),
		sub:   payload[5],
		rest:  payload[6:],
	}, nil
}

func (s sdoBody) abort() error {
	return &AbortError{
		Index:    s.index,
		SubIndex: s.sub,
		Code:     AbortCode(binary.LittleEndian.Uint32(s.rest)),
	}
}

// data extracts the transfer payload of an initiate message and the
// announced object size. A normal transfer may carry less data than it
// announces.
func (s sdoBody) data() ([]byte, int) {
	if s.cmd&cmdExpedited != 0 {
		n := ExpeditedMax
		if s.cmd&cmdSizeIndicated != 0 {
			n -= int(s.cmd>>2) & 0x03
		}
		return bytes.Clone(s.rest[:n]), n
	}

	size := int(binary.LittleEndian.Uint32(s.rest))
	n := min(size, len(s.rest)-4)

	return bytes.Clone(s.rest[4 : 4+n]), size
}

// ParseRequest decodes an SDO request. An abort is returned as *AbortError.
func ParseRequest(payload []byte) (*Request, error) {
	s, err := parseSDO(payload)
	if err != nil {
		return nil, err
	}
	if s.svc != ServiceSDORequest {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedService, s.svc)
	}

	req := &Request{Index: s.index, SubIndex: s.sub, Complete: s.cmd&cmdComplete != 0}
	switch s.cmd >> 5 {
	case ccsUploadInitiate:
		req.Upload = true
	case ccsUploadSegment:
		req.Upload, req.Segment, req.Complete = true, true, false
		req.Toggle = s.cmd&cmdToggle != 0
	case ccsDownloadInitiate:
		var size int
		req.Data, size = s.data()
		if size > len(req.Data) {
			return nil, fmt.Errorf("%w: 0x%04X:%02X announces %d bytes, %d in mailbox",
				ErrSegmented, s.index, s.sub, size, len(req.Data))
		}
	case csAbort:
		return nil, s.abort()
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnexpectedCommand, s.cmd)
	}

	return req, nil
}

// ParseResponse decodes the SDO response to a request. A slave abort is
// returned as *AbortError.
func ParseResponse(payload []byte) (*Response, error) {
	s, err := parseSDO(payload)
	if err != nil {
		return nil, err
	}
	if s.cmd>>5 == csAbort && (s.svc == ServiceSDORequest || s.svc == ServiceSDOResponse) {
		return nil, s.abort()
	}
	if s.svc != ServiceSDOResponse {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedService, s.svc)
	}

	resp := &Response{Index: s.index, SubIndex: s.sub, Complete: s.cmd&cmdComplete != 0}
	switch s.cmd >> 5 {
	case scsUploadInitiate:
		resp.Upload = true
		resp.Data, resp.Size = s.data()
	case scsDownloadInitiate:
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnexpectedCommand, s.cmd)
	}

	return resp, nil
}

// ParseSegmentResponse decodes an upload segment. A slave abort is
// returned as *AbortError.
func ParseSegmentResponse(payload []byte) (*Segment, error) {
	h, err := ParseHeader(payload)
	if err != nil {
		return nil, err
	}
	if len(payload) < SegmentOverhead+SegmentMin {
		return nil, fmt.Errorf("%w: SDO segment of %d bytes", ErrShortMessage, len(payload)-HeaderSize)
	}
	cmd := payload[2]
	if cmd>>5 == csAbort && len(payload) >= NormalOverhead {
		s, err := parseSDO(payload)
		if err != nil {
			return nil, err
		}
		return nil, s.abort()
	}
	if h.Service != ServiceSDOResponse {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedService, h.Service)
	}
	if cmd>>5 != scsUploadSegment {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnexpectedCommand, cmd)
	}

	data := payload[SegmentOverhead:]
	if len(data) == SegmentMin {
		data = data[:SegmentMin-(int(cmd&cmdUnusedMask)>>1)]
	}

	return &Segment{
		Toggle: cmd&cmdToggle != 0,
		Last:   cmd&cmdLast != 0,
		Data:   bytes.Clone(data),
	}, nil
}
