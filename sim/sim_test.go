package sim

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-ecat/coe"
	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/frame"
	"github.com/arloliu/go-ecat/nic"
	"github.com/arloliu/go-ecat/sii"
)

func newSegment(t *testing.T, configs ...SlaveConfig) *Segment {
	t.Helper()
	seg := New(configs...)
	t.Cleanup(func() { _ = seg.Close() })

	return seg
}

func roundTrip(t *testing.T, seg *Segment, dgs ...*frame.Datagram) []*frame.Datagram {
	t.Helper()

	b, err := frame.MarshalEthernet(frame.DefaultSourceMAC, &frame.Frame{Datagrams: dgs})
	require.NoError(t, err)
	require.NoError(t, seg.Send(b))

	out, err := seg.Recv(time.Second)
	require.NoError(t, err)
	f, src, err := frame.UnmarshalEthernet(out)
	require.NoError(t, err, spew.Sdump(out))
	assert.Equal(t, frame.ReturnedSource(frame.DefaultSourceMAC), src)
	require.Len(t, f.Datagrams, len(dgs))

	return f.Datagrams
}

func do(t *testing.T, seg *Segment, cmd frame.Command, addr uint32, data []byte) *frame.Datagram {
	t.Helper()
	return roundTrip(t, seg, frame.New(cmd, addr, data))[0]
}

func station(pos int) uint16 { return 0x1000 + uint16(pos) }

func assignStations(t *testing.T, seg *Segment) {
	t.Helper()
	for i := 0; i < seg.Len(); i++ {
		d := do(t, seg, frame.APWR, frame.Position(uint16(i), esc.RegStationAddress),
			binary.LittleEndian.AppendUint16(nil, station(i)))
		require.Equal(t, uint16(1), d.WKC)
	}
}

func writeEntry(t *testing.T, seg *Segment, pos int, addr uint16, entry interface{ MarshalBinary() ([]byte, error) }) {
	t.Helper()
	b, err := entry.MarshalBinary()
	require.NoError(t, err)
	d := do(t, seg, frame.FPWR, frame.Station(station(pos), addr), b)
	require.Equal(t, uint16(1), d.WKC)
}

func requestState(t *testing.T, seg *Segment, pos int, state esc.ALState) esc.ALStatus {
	t.Helper()
	do(t, seg, frame.FPWR, frame.Station(station(pos), esc.RegALControl),
		binary.LittleEndian.AppendUint16(nil, uint16(state)))
	d := do(t, seg, frame.FPRD, frame.Station(station(pos), esc.RegALStatus), make([]byte, esc.ALStatusBlockSize))

	return esc.ALStatus(binary.LittleEndian.Uint16(d.Data))
}

func configureMailbox(t *testing.T, seg *Segment, pos int) {
	t.Helper()
	writeEntry(t, seg, pos, esc.SMAddr(0), esc.SyncManager{Start: MailboxOutStart, Length: MailboxSize, Control: esc.SMControlMailboxOut, Activate: 1})
	writeEntry(t, seg, pos, esc.SMAddr(1), esc.SyncManager{Start: MailboxInStart, Length: MailboxSize, Control: esc.SMControlMailboxIn, Activate: 1})
}

// mailbox writes payload to the receive mailbox and returns the payload
// of the first reply.
func mailbox(t *testing.T, seg *Segment, pos int, payload []byte) []byte {
	t.Helper()

	msg := coe.Encode(coe.MailboxHeader{Type: coe.MailboxCoE, Counter: 1}, payload, int(MailboxSize))
	d := do(t, seg, frame.FPWR, frame.Station(station(pos), MailboxOutStart), msg)
	require.Equal(t, uint16(1), d.WKC)

	return reply(t, seg, pos)
}

// reply reads the payload of the next message from the send mailbox.
func reply(t *testing.T, seg *Segment, pos int) []byte {
	t.Helper()
	return replyMessage(t, seg, pos).Payload
}

func replyMessage(t *testing.T, seg *Segment, pos int) *coe.Message {
	t.Helper()

	var d *frame.Datagram
	for i := 0; i < 10; i++ {
		d = do(t, seg, frame.FPRD, frame.Station(station(pos), esc.SMStatusAddr(1)), []byte{0})
		if d.Data[0]&esc.SMStatusMailboxFull != 0 {
			break
		}
	}
	require.NotZero(t, d.Data[0]&esc.SMStatusMailboxFull)

	d = do(t, seg, frame.FPRD, frame.Station(station(pos), MailboxInStart), make([]byte, MailboxSize))
	require.Equal(t, uint16(1), d.WKC)
	m, err := coe.Decode(d.Data)
	require.NoError(t, err)

	return m
}

func sdo(t *testing.T, seg *Segment, pos int, payload []byte) (*coe.Response, error) {
	t.Helper()
	return coe.ParseResponse(mailbox(t, seg, pos, payload))
}

// mailboxPreOp brings the slave at pos to PreOp with its mailbox running.
func mailboxPreOp(t *testing.T, seg *Segment, pos int) {
	t.Helper()
	assignStations(t, seg)
	configureMailbox(t, seg, pos)
	require.Equal(t, esc.ALStatus(esc.StatePreOp), requestState(t, seg, pos, esc.StatePreOp))
}

func TestSegment_BroadcastCount(t *testing.T) {
	seg := newSegment(t, IO("a", 1, 1), IO("b", 1, 1), IO("c", 0, 2))

	d := do(t, seg, frame.BRD, frame.Broadcast(esc.RegType), make([]byte, 2))
	assert.Equal(t, uint16(3), d.WKC)
	assert.Equal(t, []byte{escType, escRevision}, d.Data)
	assert.Equal(t, uint16(3), d.ADP())
}

func TestSegment_Empty(t *testing.T) {
	seg := newSegment(t)
	d := do(t, seg, frame.BRD, frame.Broadcast(esc.RegType), make([]byte, 2))
	assert.Equal(t, uint16(0), d.WKC)
}

func TestSegment_Addressing(t *testing.T) {
	seg := newSegment(t, IO("a", 1, 1), IO("b", 1, 1))
	assignStations(t, seg)
	assert.Equal(t, uint16(0x1001), seg.StationAddress(1))

	d := do(t, seg, frame.APRD, frame.Position(1, esc.RegStationAddress), make([]byte, 2))
	assert.Equal(t, uint16(1), d.WKC)
	assert.Equal(t, uint16(0x1001), binary.LittleEndian.Uint16(d.Data))

	d = do(t, seg, frame.FPRD, frame.Station(0x1000, esc.RegStationAddress), make([]byte, 2))
	assert.Equal(t, uint16(1), d.WKC)

	d = do(t, seg, frame.FPRD, frame.Station(0x2000, esc.RegStationAddress), make([]byte, 2))
	assert.Equal(t, uint16(0), d.WKC)

	d = do(t, seg, frame.APRD, frame.Position(5, esc.RegType), make([]byte, 1))
	assert.Equal(t, uint16(0), d.WKC)

	// read write: +1 read, +2 write
	d = do(t, seg, frame.FPRW, frame.Station(0x1000, esc.RegStationAlias), []byte{0x34, 0x12})
	assert.Equal(t, uint16(3), d.WKC)
	assert.Equal(t, []byte{0, 0}, d.Data)

	d = do(t, seg, frame.BWR, frame.Broadcast(esc.RegStationAlias), []byte{7, 0})
	assert.Equal(t, uint16(2), d.WKC)
}

func TestSegment_EEPROM(t *testing.T) {
	seg := newSegment(t, SlaveConfig{Name: "dev", Vendor: 0xCAFE, Product: 0x42, EEPROMBusyReads: 2})
	assignStations(t, seg)

	cmd := binary.LittleEndian.AppendUint16(nil, esc.EEPROMCmdRead)
	cmd = binary.LittleEndian.AppendUint32(cmd, uint32(sii.WordVendorID))
	d := do(t, seg, frame.FPWR, frame.Station(station(0), esc.RegEEPROMControl), cmd)
	require.Equal(t, uint16(1), d.WKC)

	busy := 0
	for {
		d = do(t, seg, frame.FPRD, frame.Station(station(0), esc.RegEEPROMControl), make([]byte, 2))
		if binary.LittleEndian.Uint16(d.Data)&esc.EEPROMBusy == 0 {
			break
		}
		busy++
		require.Less(t, busy, 10)
	}
	assert.Equal(t, 2, busy)

	d = do(t, seg, frame.FPRD, frame.Station(station(0), esc.RegEEPROMData), make([]byte, 4))
	assert.Equal(t, uint32(0xCAFE), binary.LittleEndian.Uint32(d.Data))

	info, err := sii.Read(sii.Image(seg.EEPROM(0)))
	require.NoError(t, err)
	assert.Equal(t, "dev", info.Name)
}

func TestSegment_StateMachine(t *testing.T) {
	seg := newSegment(t, EchoIO("a", 2, 2))
	assignStations(t, seg)

	// mailbox not configured
	st := requestState(t, seg, 0, esc.StatePreOp)
	assert.True(t, st.HasError())
	_, code := seg.State(0)
	assert.Equal(t, esc.CodeInvalidMailboxConfigPreOp, code)

	// without ack the error stays
	configureMailbox(t, seg, 0)
	st = requestState(t, seg, 0, esc.StatePreOp)
	assert.True(t, st.HasError())

	st = requestState(t, seg, 0, esc.StatePreOp|esc.ErrorFlag)
	assert.Equal(t, esc.ALStatus(esc.StatePreOp), st)

	st = requestState(t, seg, 0, esc.StateOp)
	assert.Equal(t, esc.StatePreOp, st.State())
	assert.True(t, st.HasError())
	_, code = seg.State(0)
	assert.Equal(t, esc.CodeInvalidRequestedStateChange, code)

	st = requestState(t, seg, 0, esc.StateInit|esc.ErrorFlag)
	assert.Equal(t, esc.ALStatus(esc.StateInit), st)
}

func TestSegment_StateFaults(t *testing.T) {
	cfg := IO("a", 0, 0)
	cfg.RefuseState = esc.StatePreOp
	cfg.RefuseCode = esc.CodeNoValidFirmware
	held := IO("b", 0, 0)
	held.HoldState = esc.StatePreOp
	slow := IO("c", 0, 0)
	slow.StatePolls = 3

	seg := newSegment(t, cfg, held, slow)
	assignStations(t, seg)

	st := requestState(t, seg, 0, esc.StatePreOp)
	assert.True(t, st.HasError())
	_, code := seg.State(0)
	assert.Equal(t, esc.CodeNoValidFirmware, code)

	st = requestState(t, seg, 1, esc.StatePreOp)
	assert.Equal(t, esc.ALStatus(esc.StateInit), st)

	st = requestState(t, seg, 2, esc.StatePreOp)
	assert.Equal(t, esc.ALStatus(esc.StateInit), st)
	for i := 0; i < 2; i++ {
		d := do(t, seg, frame.FPRD, frame.Station(station(2), esc.RegALStatus), make([]byte, 2))
		st = esc.ALStatus(binary.LittleEndian.Uint16(d.Data))
	}
	assert.Equal(t, esc.ALStatus(esc.StatePreOp), st)

	seg.Fall(2, esc.StateInit, esc.CodeSMWatchdog)
	status, code := seg.State(2)
	assert.Equal(t, esc.StateInit, status.State())
	assert.True(t, status.HasError())
	assert.Equal(t, esc.CodeSMWatchdog, code)
}

func TestSegment_Mailbox(t *testing.T) {
	cfg := EchoIO("coe", 2, 2)
	cfg.Vendor = 0x0000ABCD
	cfg.MailboxRefusals = 1
	cfg.ReplyPolls = 2
	cfg.Objects = []Object{{Index: 0x8000, SubIndex: 1, Value: []byte{0, 0}}}
	seg := newSegment(t, cfg)
	assignStations(t, seg)

	msg := coe.Encode(coe.MailboxHeader{Type: coe.MailboxCoE}, coe.UploadRequest(0x1018, 1, false), int(MailboxSize))
	d := do(t, seg, frame.FPWR, frame.Station(station(0), MailboxOutStart), msg)
	assert.Equal(t, uint16(0), d.WKC, "mailbox is closed in Init")

	configureMailbox(t, seg, 0)
	require.Equal(t, esc.ALStatus(esc.StatePreOp), requestState(t, seg, 0, esc.StatePreOp))

	// first write refused
	d = do(t, seg, frame.FPWR, frame.Station(station(0), MailboxOutStart), msg)
	assert.Equal(t, uint16(0), d.WKC)

	// nothing to read yet
	d = do(t, seg, frame.FPRD, frame.Station(station(0), MailboxInStart), make([]byte, MailboxSize))
	assert.Equal(t, uint16(0), d.WKC)

	resp, err := sdo(t, seg, 0, coe.UploadRequest(0x1018, 1, false))
	require.NoError(t, err)
	assert.Equal(t, uint32(0xABCD), binary.LittleEndian.Uint32(resp.Data))

	resp, err = sdo(t, seg, 0, coe.DownloadRequest(0x8000, 1, []byte{0x34, 0x12}, false))
	require.NoError(t, err)
	assert.False(t, resp.Upload)
	v, ok := seg.ObjectValue(0, 0x8000, 1)
	require.True(t, ok)
	assert.Equal(t, []byte{0x34, 0x12}, v)

	_, err = sdo(t, seg, 0, coe.UploadRequest(0x5555, 0, false))
	var abort *coe.AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, coe.AbortNoObject, abort.Code)

	_, err = sdo(t, seg, 0, coe.UploadRequest(0x1018, 9, false))
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, coe.AbortNoSubindex, abort.Code)

	_, err = sdo(t, seg, 0, coe.DownloadRequest(0x1018, 1, []byte{1}, false))
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, coe.AbortReadOnly, abort.Code)

	resp, err = sdo(t, seg, 0, coe.UploadRequest(0x1C12, 0, true))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 0x00, 0x16}, resp.Data)

	resp, err = sdo(t, seg, 0, coe.UploadRequest(0x1600, 1, false))
	require.NoError(t, err)
	assert.Equal(t, uint32(0x70000108), binary.LittleEndian.Uint32(resp.Data))
}

func TestSegment_MailboxSegmentedUpload(t *testing.T) {
	value := make([]byte, 300)
	for i := range value {
		value[i] = byte(i)
	}
	cfg := EchoIO("coe", 0, 0)
	cfg.Objects = []Object{{Index: 0x2000, Value: value}}
	seg := newSegment(t, cfg)
	mailboxPreOp(t, seg, 0)

	resp, err := sdo(t, seg, 0, coe.UploadRequest(0x2000, 0, false))
	require.NoError(t, err)
	require.True(t, resp.Segmented())
	assert.Equal(t, 300, resp.Size)
	got := resp.Data

	// 112 bytes in the initiate response, then 119 and 69
	var lasts []bool
	for toggle := false; ; toggle = !toggle {
		sg, err := coe.ParseSegmentResponse(mailbox(t, seg, 0, coe.UploadSegmentRequest(0x2000, 0, toggle)))
		require.NoError(t, err)
		assert.Equal(t, toggle, sg.Toggle)
		got = append(got, sg.Data...)
		lasts = append(lasts, sg.Last)
		if sg.Last {
			break
		}
	}
	assert.Equal(t, []bool{false, true}, lasts)
	assert.Equal(t, value, got)

	// nothing left to segment
	_, err = coe.ParseSegmentResponse(mailbox(t, seg, 0, coe.UploadSegmentRequest(0x2000, 0, false)))
	var abort *coe.AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, coe.AbortCommandSpecifier, abort.Code)
}

func TestSegment_MailboxSegmentToggle(t *testing.T) {
	cfg := EchoIO("coe", 0, 0)
	cfg.Objects = []Object{{Index: 0x2000, Value: make([]byte, 300)}}
	seg := newSegment(t, cfg)
	mailboxPreOp(t, seg, 0)

	resp, err := sdo(t, seg, 0, coe.UploadRequest(0x2000, 0, false))
	require.NoError(t, err)
	require.True(t, resp.Segmented())

	_, err = coe.ParseSegmentResponse(mailbox(t, seg, 0, coe.UploadSegmentRequest(0x2000, 0, true)))
	var abort *coe.AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, coe.AbortToggleBit, abort.Code)
	assert.Equal(t, uint16(0x2000), abort.Index)

	// a new upload starts over
	resp, err = sdo(t, seg, 0, coe.UploadRequest(0x2000, 0, false))
	require.NoError(t, err)
	sg, err := coe.ParseSegmentResponse(mailbox(t, seg, 0, coe.UploadSegmentRequest(0x2000, 0, false)))
	require.NoError(t, err)
	assert.Len(t, sg.Data, 119)
	assert.Len(t, resp.Data, 112)
}

func TestSegment_SDOInformation(t *testing.T) {
	cfg := EchoIO("coe", 0, 0)
	cfg.Objects = []Object{
		{Index: 0x8000, SubIndex: 0, Value: []byte{2}, ReadOnly: true, Name: "Settings"},
		{Index: 0x8000, SubIndex: 1, Value: []byte{0, 0}, Name: "Gain"},
		{Index: 0x8000, SubIndex: 2, Value: []byte{1}, DataType: coe.TypeBool, Name: "Enable"},
	}
	seg := newSegment(t, cfg)
	mailboxPreOp(t, seg, 0)

	info, err := coe.ParseInfo(mailbox(t, seg, 0, coe.ODListRequest(coe.ODListAll)))
	require.NoError(t, err)
	assert.Equal(t, coe.InfoODListResponse, info.Opcode)
	assert.False(t, info.Incomplete)
	list, indexes, err := coe.ParseODList(info.Data)
	require.NoError(t, err)
	assert.Equal(t, coe.ODListAll, list)
	assert.Equal(t, []uint16{0x1000, 0x1008, 0x1018, 0x1C00, 0x1C12, 0x1C13, 0x8000}, indexes)

	info, err = coe.ParseInfo(mailbox(t, seg, 0, coe.ODListRequest(coe.ODListLengths)))
	require.NoError(t, err)
	_, counts, err := coe.ParseODList(info.Data)
	require.NoError(t, err)
	assert.Equal(t, []uint16{7, 0, 0, 0, 0}, counts)

	info, err = coe.ParseInfo(mailbox(t, seg, 0, coe.ObjectDescriptionRequest(0x8000)))
	require.NoError(t, err)
	desc, err := coe.ParseObjectDescription(info.Data)
	require.NoError(t, err)
	assert.Equal(t, coe.ObjectDescription{Index: 0x8000, MaxSubIndex: 2, ObjectCode: coe.ObjectRecord, Name: "Settings"}, *desc)

	info, err = coe.ParseInfo(mailbox(t, seg, 0, coe.EntryDescriptionRequest(0x8000, 2, 0)))
	require.NoError(t, err)
	entry, err := coe.ParseEntryDescription(info.Data)
	require.NoError(t, err)
	assert.Equal(t, coe.EntryDescription{
		Index: 0x8000, SubIndex: 2, DataType: coe.TypeBool, BitLen: 1,
		Access: coe.AccessRead | coe.AccessWrite, Name: "Enable",
	}, *entry)

	var abort *coe.AbortError
	_, err = coe.ParseInfo(mailbox(t, seg, 0, coe.ObjectDescriptionRequest(0x9999)))
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, coe.AbortNoObject, abort.Code)

	_, err = coe.ParseInfo(mailbox(t, seg, 0, coe.EntryDescriptionRequest(0x8000, 5, 0)))
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, coe.AbortNoSubindex, abort.Code)
}

func TestSegment_SDOInformationFragments(t *testing.T) {
	cfg := EchoIO("coe", 0, 0)
	for i := range 100 {
		cfg.Objects = append(cfg.Objects, Object{Index: 0x2000 + uint16(i), Value: []byte{0}})
	}
	seg := newSegment(t, cfg)
	mailboxPreOp(t, seg, 0)

	var body []byte
	var left []uint16
	p := mailbox(t, seg, 0, coe.ODListRequest(coe.ODListAll))
	for {
		info, err := coe.ParseInfo(p)
		require.NoError(t, err)
		body = append(body, info.Data...)
		left = append(left, info.FragmentsLeft)
		if !info.Incomplete {
			break
		}
		p = reply(t, seg, 0)
	}

	// 2 + 106*2 bytes in fragments of 116
	assert.Equal(t, []uint16{1, 0}, left)
	_, indexes, err := coe.ParseODList(body)
	require.NoError(t, err)
	assert.Len(t, indexes, 106)
	assert.Equal(t, uint16(0x2063), indexes[len(indexes)-1])
}

func TestSegment_SDOInformationDisabled(t *testing.T) {
	cfg := EchoIO("coe", 0, 0)
	cfg.NoSDOInfo = true
	seg := newSegment(t, cfg)
	mailboxPreOp(t, seg, 0)

	info, err := sii.Read(sii.Image(seg.EEPROM(0)))
	require.NoError(t, err)
	assert.Zero(t, info.CoEDetails&sii.CoESDOInfo)
	assert.NotZero(t, info.CoEDetails&sii.CoESDO)

	msg := coe.Encode(coe.MailboxHeader{Type: coe.MailboxCoE, Counter: 1}, coe.ODListRequest(coe.ODListAll), int(MailboxSize))
	d := do(t, seg, frame.FPWR, frame.Station(station(0), MailboxOutStart), msg)
	require.Equal(t, uint16(1), d.WKC)
	assert.Equal(t, coe.MailboxError, replyMessage(t, seg, 0).Header.Type)
}

// bringToSafeOp programs mailbox, SyncManagers and FMMUs of an EchoIO
// slave with outputs at logical 0 and inputs right after.
func bringToSafeOp(t *testing.T, seg *Segment, out, in int) {
	t.Helper()
	assignStations(t, seg)
	configureMailbox(t, seg, 0)
	require.Equal(t, esc.ALStatus(esc.StatePreOp), requestState(t, seg, 0, esc.StatePreOp))

	outStart, inStart := ProcessRAM, ProcessRAM+uint16((out+7)&^7)
	writeEntry(t, seg, 0, esc.SMAddr(2), esc.SyncManager{Start: outStart, Length: uint16(out), Control: esc.SMControlOutputs, Activate: 1})
	writeEntry(t, seg, 0, esc.SMAddr(3), esc.SyncManager{Start: inStart, Length: uint16(in), Control: esc.SMControlInputs, Activate: 1})
	writeEntry(t, seg, 0, esc.FMMUAddr(0), esc.FMMU{LogicalStart: 0, Length: uint16(out), LogicalEndBit: 7, PhysicalStart: outStart, Type: esc.FMMUWrite, Active: true})
	writeEntry(t, seg, 0, esc.FMMUAddr(1), esc.FMMU{LogicalStart: uint32(out), Length: uint16(in), LogicalEndBit: 7, PhysicalStart: inStart, Type: esc.FMMURead, Active: true})
	require.Equal(t, esc.ALStatus(esc.StateSafeOp), requestState(t, seg, 0, esc.StateSafeOp))
}

func TestSegment_ProcessData(t *testing.T) {
	seg := newSegment(t, EchoIO("a", 2, 2))
	bringToSafeOp(t, seg, 2, 2)

	// Op waits for valid outputs
	assert.Equal(t, esc.ALStatus(esc.StateSafeOp), requestState(t, seg, 0, esc.StateOp))

	d := do(t, seg, frame.LRW, 0, []byte{0x01, 0x02, 0, 0})
	assert.Equal(t, uint16(3), d.WKC)
	st, _ := seg.State(0)
	assert.Equal(t, esc.ALStatus(esc.StateOp), st)

	d = do(t, seg, frame.LRW, 0, []byte{0x01, 0x02, 0, 0})
	assert.Equal(t, uint16(3), d.WKC)
	assert.Equal(t, []byte{0x01, 0x02, 0x01, 0x02}, d.Data)
	assert.Equal(t, []byte{0x01, 0x02}, seg.Outputs(0))

	d = do(t, seg, frame.LRD, 2, make([]byte, 2))
	assert.Equal(t, uint16(1), d.WKC)
	assert.Equal(t, []byte{0x01, 0x02}, d.Data)

	d = do(t, seg, frame.LWR, 0, []byte{9, 9})
	assert.Equal(t, uint16(1), d.WKC)

	seg.SetMuted(0, true)
	d = do(t, seg, frame.LRW, 0, []byte{0x05, 0x06, 0, 0})
	assert.Equal(t, uint16(0), d.WKC)
	assert.Equal(t, []byte{0x05, 0x06, 0, 0}, d.Data)
	seg.SetMuted(0, false)

	seg.SetInputs(0, []byte{0xAA, 0xBB})
	assert.Equal(t, []byte{0xAA, 0xBB}, seg.Inputs(0))
}

func TestSegment_ProcessDataGatedByState(t *testing.T) {
	seg := newSegment(t, EchoIO("a", 2, 2))
	assignStations(t, seg)

	d := do(t, seg, frame.LRW, 0, make([]byte, 4))
	assert.Equal(t, uint16(0), d.WKC)
}

func TestSegment_DistributedClocks(t *testing.T) {
	a := EchoIO("a", 0, 0)
	a.HopDelay = 100 * time.Nanosecond
	b := EchoIO("b", 0, 0)
	b.HopDelay = 300 * time.Nanosecond
	b.ClockOffset = 5 * time.Microsecond
	c := EchoIO("c", 0, 0)
	c.HopDelay = 500 * time.Nanosecond
	seg := newSegment(t, a, b, c)
	assignStations(t, seg)

	d := do(t, seg, frame.BWR, frame.Broadcast(esc.RegDCPortTime0), make([]byte, 4))
	assert.Equal(t, uint16(3), d.WKC)

	ports := make([][4]uint32, 3)
	for i := 0; i < 3; i++ {
		d = do(t, seg, frame.FPRD, frame.Station(station(i), esc.RegDCPortTime0), make([]byte, esc.DCPortTimesSize))
		for p := 0; p < 4; p++ {
			ports[i][p] = binary.LittleEndian.Uint32(d.Data[4*p:])
		}
	}

	// a closes a loop of 2*(900-100), b of 2*(900-400), c ends the line
	assert.Equal(t, uint32(1600), ports[0][1]-ports[0][0])
	assert.Equal(t, uint32(1000), ports[1][1]-ports[1][0])
	assert.Equal(t, uint32(0), ports[2][1])

	assert.Equal(t, 300*time.Nanosecond, seg.PropagationDelay(1))
	assert.Equal(t, 800*time.Nanosecond, seg.PropagationDelay(2))

	// station b runs 5us ahead
	assert.Equal(t, 5*time.Microsecond, seg.ClockError(1))

	correction := int64(-5000)
	offset := binary.LittleEndian.AppendUint64(nil, uint64(correction))
	do(t, seg, frame.FPWR, frame.Station(station(1), esc.RegDCSystemOffset), offset)
	assert.Equal(t, time.Duration(0), seg.ClockError(1))
	assert.Equal(t, -5*time.Microsecond, seg.SystemOffset(1))

	// FRMW distributes the reference system time
	d = do(t, seg, frame.FRMW, frame.Station(station(0), esc.RegDCSystemTime), make([]byte, 8))
	assert.Equal(t, uint16(3), d.WKC)
	assert.NotZero(t, binary.LittleEndian.Uint64(d.Data))
}

func TestSegment_DropAndClose(t *testing.T) {
	seg := New(IO("a", 1, 1))

	b, err := frame.MarshalEthernet(frame.DefaultSourceMAC, &frame.Frame{Datagrams: []*frame.Datagram{
		frame.NewRead(frame.BRD, frame.Broadcast(esc.RegType), 1),
	}})
	require.NoError(t, err)

	seg.DropNext(1)
	require.NoError(t, seg.Send(b))
	_, err = seg.Recv(5 * time.Millisecond)
	require.ErrorIs(t, err, nic.ErrTimeout)

	require.NoError(t, seg.Send(b))
	_, err = seg.Recv(time.Second)
	require.NoError(t, err)

	seg.SetDropAll(true)
	require.NoError(t, seg.Send(b))
	seg.SetDropAll(false)
	assert.Equal(t, uint64(3), seg.Frames())

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = seg.Close()
	}()
	start := time.Now()
	_, err = seg.Recv(10 * time.Second)
	require.ErrorIs(t, err, nic.ErrClosed)
	assert.Less(t, time.Since(start), time.Second)
	require.ErrorIs(t, seg.Send(b), nic.ErrClosed)
}

func TestPDOLayout(t *testing.T) {
	assert.Empty(t, pdoLayout(0))
	assert.Equal(t, [][]uint8{{32, 8, 8}}, pdoLayout(6))

	layout := pdoLayout(300)
	require.Len(t, layout, 3)
	total := 0
	for _, p := range layout {
		for _, bits := range p {
			total += int(bits)
		}
	}
	assert.Equal(t, 300*8, total)
}
