package sim

import (
	"bytes"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/frame"
	"github.com/arloliu/go-ecat/internal/pool"
	"github.com/arloliu/go-ecat/nic"
)

// ReplyQueueSize is the number of returned frames buffered for Recv.
const ReplyQueueSize = 64

// baseTime keeps simulated clocks positive for negative clock offsets.
const baseTime = int64(1) << 40

// Segment is a simulated line of slaves. It implements nic.Link.
type Segment struct {
	mu     sync.Mutex
	slaves []*slave
	start  time.Time

	replies   chan []byte
	done      chan struct{}
	closeOnce sync.Once

	dropNext atomic.Int32
	dropAll  atomic.Bool
	frames   atomic.Uint64
}

var _ nic.Link = (*Segment)(nil)

// New returns a segment with one slave per config, in ring order.
func New(configs ...SlaveConfig) *Segment {
	seg := &Segment{
		start:   time.Now(),
		replies: make(chan []byte, ReplyQueueSize),
		done:    make(chan struct{}),
	}

	var delay int64
	for i, cfg := range configs {
		s := newSlave(cfg, i)
		delay += cfg.hopDelay()
		s.arrive = delay
		s.setPorts(i == len(configs)-1)
		seg.slaves = append(seg.slaves, s)
	}
	for _, s := range seg.slaves {
		s.ret = 2*delay - s.arrive
	}

	return seg
}

// Len returns the number of slaves.
func (seg *Segment) Len() int { return len(seg.slaves) }

// Frames returns the number of frames the segment received.
func (seg *Segment) Frames() uint64 { return seg.frames.Load() }

// Send implements nic.Link. The frame is processed synchronously and the
// returned frame queued for Recv.
func (seg *Segment) Send(b []byte) error {
	select {
	case <-seg.done:
		return nic.ErrClosed
	default:
	}

	seg.frames.Add(1)
	if seg.dropAll.Load() {
		return nil
	}
	if n := seg.dropNext.Load(); n > 0 && seg.dropNext.CompareAndSwap(n, n-1) {
		return nil
	}

	f, src, err := frame.UnmarshalEthernet(b)
	if err != nil {
		return nil
	}

	seg.mu.Lock()
	now := baseTime + time.Since(seg.start).Nanoseconds()
	for _, s := range seg.slaves {
		s.now = now
	}
	for _, d := range f.Datagrams {
		seg.process(d)
	}
	seg.mu.Unlock()

	out, err := frame.MarshalEthernet(frame.ReturnedSource(src), f)
	if err != nil {
		return nil
	}

	select {
	case seg.replies <- out:
	default:
	}

	return nil
}

// Recv implements nic.Link.
func (seg *Segment) Recv(timeout time.Duration) ([]byte, error) {
	select {
	case <-seg.done:
		return nil, nic.ErrClosed
	case b := <-seg.replies:
		return b, nil
	default:
	}

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case <-seg.done:
		return nil, nic.ErrClosed
	case b := <-seg.replies:
		return b, nil
	case <-timer.C:
		return nil, nic.ErrTimeout
	}
}

// Close implements nic.Link.
func (seg *Segment) Close() error {
	seg.closeOnce.Do(func() { close(seg.done) })
	return nil
}

func (seg *Segment) process(d *frame.Datagram) {
	cmd := d.Command
	adp, ado := d.ADP(), d.ADO()

	switch {
	case cmd.IsPositional():
		for i, s := range seg.slaves {
			addressed := adp+uint16(i) == 0
			if cmd == frame.ARMW {
				seg.multiple(s, addressed, ado, d)
			} else if addressed {
				d.WKC += physical(s, cmd, ado, d.Data, false)
			}
		}
		d.Address = uint32(adp+uint16(len(seg.slaves))) | uint32(ado)<<16

	case cmd.IsConfigured():
		for _, s := range seg.slaves {
			addressed := s.station() == adp
			if cmd == frame.FRMW {
				seg.multiple(s, addressed, ado, d)
			} else if addressed {
				d.WKC += physical(s, cmd, ado, d.Data, false)
			}
		}

	case cmd.IsBroadcast():
		for _, s := range seg.slaves {
			d.WKC += physical(s, cmd, ado, d.Data, true)
		}
		d.Address = uint32(adp+uint16(len(seg.slaves))) | uint32(ado)<<16

	case cmd.IsLogical():
		for _, s := range seg.slaves {
			d.WKC += s.logical(d.Address, d.Data, cmd.Reads(), cmd.Writes())
		}
	}
}

// physical applies a read, write or read write access of one slave.
func physical(s *slave, cmd frame.Command, ado uint16, data []byte, broadcast bool) uint16 {
	var wkc uint16
	switch {
	case cmd.Reads() && cmd.Writes():
		wr := slices.Clone(data)
		if s.readReg(ado, data, broadcast) {
			wkc++
		}
		if s.writeReg(ado, wr) {
			wkc += 2
		}
	case cmd.Reads():
		if s.readReg(ado, data, broadcast) {
			wkc++
		}
	case cmd.Writes():
		if s.writeReg(ado, data) {
			wkc++
		}
	}

	return wkc
}

// multiple applies ARMW and FRMW: the addressed slave reads, all others
// write what it read.
func (seg *Segment) multiple(s *slave, addressed bool, ado uint16, d *frame.Datagram) {
	if addressed {
		if s.readReg(ado, d.Data, false) {
			d.WKC++
		}
		return
	}
	if s.writeReg(ado, d.Data) {
		d.WKC++
	}
}

func (seg *Segment) slave(pos int) *slave {
	if pos < 0 || pos >= len(seg.slaves) {
		panic("sim: slave position out of range")
	}
	return seg.slaves[pos]
}

// DropNext discards the next n frames without reply.
func (seg *Segment) DropNext(n int) { seg.dropNext.Store(int32(n)) }

// SetDropAll discards every frame while enabled.
func (seg *Segment) SetDropAll(drop bool) { seg.dropAll.Store(drop) }

// SetMuted stops the slave at pos from taking part in process data.
func (seg *Segment) SetMuted(pos int, muted bool) {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	seg.slave(pos).muted = muted
}

// Fall forces the slave at pos into state with the error flag and code.
func (seg *Segment) Fall(pos int, state esc.ALState, code esc.ALStatusCode) {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	seg.slave(pos).fall(state, code)
}

// State returns the AL status and status code of the slave at pos.
func (seg *Segment) State(pos int) (esc.ALStatus, esc.ALStatusCode) {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	s := seg.slave(pos)

	return esc.ALStatus(s.get16(esc.RegALStatus)), s.code
}

// StationAddress returns the configured station address of the slave at pos.
func (seg *Segment) StationAddress(pos int) uint16 {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	return seg.slave(pos).station()
}

// Outputs returns a copy of the output process data of the slave at pos.
func (seg *Segment) Outputs(pos int) []byte {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	return bytes.Clone(seg.slave(pos).outputs())
}

// Inputs returns a copy of the input process data of the slave at pos.
func (seg *Segment) Inputs(pos int) []byte {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	return bytes.Clone(seg.slave(pos).inputs())
}

// SetInputs sets the input process data of the slave at pos.
func (seg *Segment) SetInputs(pos int, data []byte) {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	copy(seg.slave(pos).inputs(), data)
}

// ObjectValue returns the value of a CoE object of the slave at pos.
func (seg *Segment) ObjectValue(pos int, index uint16, sub uint8) ([]byte, bool) {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	o, ok := seg.slave(pos).object(index, sub)
	if !ok {
		return nil, false
	}

	return bytes.Clone(o.Value), true
}

// EEPROM returns the SII image of the slave at pos.
func (seg *Segment) EEPROM(pos int) []byte {
	return bytes.Clone(seg.slave(pos).eeprom)
}

// PropagationDelay returns the true delay between the first DC slave and
// the slave at pos.
func (seg *Segment) PropagationDelay(pos int) time.Duration {
	var ref *slave
	for _, s := range seg.slaves {
		if s.cfg.DC {
			ref = s
			break
		}
	}
	if ref == nil {
		return 0
	}

	return time.Duration(seg.slave(pos).arrive - ref.arrive)
}

// SystemDelay returns the system time delay register of the slave at pos.
func (seg *Segment) SystemDelay(pos int) time.Duration {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	return time.Duration(seg.slave(pos).get32(esc.RegDCSystemDelay))
}

// SystemOffset returns the system time offset register of the slave at pos.
func (seg *Segment) SystemOffset(pos int) time.Duration {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	return time.Duration(int64(seg.slave(pos).get64(esc.RegDCSystemOffset)))
}

// ClockError returns how far the system time of the slave at pos is
// ahead of the reference slave's when read by the same frame,
// compensated by the propagation delay.
func (seg *Segment) ClockError(pos int) time.Duration {
	seg.mu.Lock()
	defer seg.mu.Unlock()

	var ref *slave
	for _, s := range seg.slaves {
		if s.cfg.DC {
			ref = s
			break
		}
	}
	s := seg.slave(pos)
	if ref == nil || !s.cfg.DC {
		return 0
	}
	now := baseTime + time.Since(seg.start).Nanoseconds()
	s.now, ref.now = now, now
	delay := s.arrive - ref.arrive

	return time.Duration(s.systemTime() - (ref.systemTime() + delay))
}
