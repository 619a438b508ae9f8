package master

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/frame"
	"github.com/arloliu/go-ecat/internal/pool"
	"github.com/arloliu/go-ecat/internal/task"
	"github.com/arloliu/go-ecat/logger"
	"github.com/arloliu/go-ecat/nic"
)

// Master owns one EtherCAT segment.
//
// Configuration operations (Configure, RequestState, DC setup) hold the
// master lock exclusively; Exchange, mailbox access and clock
// maintenance hold it shared. Close may be called from any goroutine.
type Master struct {
	cfg     *Config
	logger  logger.Logger
	link    nic.Link
	tp      *transport
	taskMgr *task.Manager
	op      atomicOpState
	bus     *busStateMgr
	metrics Metrics

	mu         sync.RWMutex
	slaves     []*slave
	configured bool
	layout     *Layout
	segments   []segment
	dcRef      int
	dcActive   bool

	img processImage
}

// processImage is the shared process data, outputs first.
type processImage struct {
	mu      sync.Mutex
	buf     []byte
	outputs int
}

// Open starts a master on link. A nil cfg uses the defaults. The link is
// owned by the master from now on and closed by Close.
func Open(ctx context.Context, link nic.Link, cfg *Config) (*Master, error) {
	if link == nil {
		return nil, errors.New("master: link must not be nil")
	}
	if cfg == nil {
		var err error
		if cfg, err = NewConfig(); err != nil {
			return nil, err
		}
	}

	return open(ctx, link, cfg, cfg.logger)
}

func open(ctx context.Context, link nic.Link, cfg *Config, base logger.Logger) (*Master, error) {
	l := base.With("component", "master")
	m := &Master{
		cfg:    cfg,
		logger: l,
		link:   link,
		bus:    newBusStateMgr(l),
		dcRef:  -1,
	}
	m.tp = newTransport(link, cfg.sourceMAC, &m.metrics, base.With("component", "transport"))
	m.taskMgr = task.NewManager(ctx, l)
	m.op.toOpened()

	if err := m.taskMgr.Start("receiver", m.tp.receive, nil); err != nil {
		_ = link.Close()
		return nil, err
	}

	return m, nil
}

// OpenInterface opens the raw link on the named network interface and
// starts a master on it.
func OpenInterface(ctx context.Context, name string, cfg *Config) (*Master, error) {
	if cfg == nil {
		var err error
		if cfg, err = NewConfig(); err != nil {
			return nil, err
		}
	}

	link, err := nic.Open(name, nic.WithSourceMAC(cfg.SourceMAC()))
	if err != nil {
		return nil, err
	}
	return open(ctx, link, cfg, cfg.logger.With("iface", name))
}

// Close stops all background tasks and closes the link. Every pending
// wait returns ErrClosed. Close is idempotent.
func (m *Master) Close() error {
	if !m.op.toClosing() {
		return nil
	}
	m.logger.Debug("closing master")

	m.tp.close()
	m.bus.close()
	m.taskMgr.Stop()
	err := m.link.Close()
	m.taskMgr.Wait()

	m.mu.Lock()
	m.slaves = nil
	m.configured = false
	m.dcActive = false
	m.mu.Unlock()

	m.op.toClosed()
	m.logger.Info("master closed")

	return err
}

// Metrics returns the live counters of the master.
func (m *Master) Metrics() *Metrics { return &m.metrics }

// Config returns the configuration of the master.
func (m *Master) Config() *Config { return m.cfg }

// BusState returns the lowest state of all participating slaves.
func (m *Master) BusState() esc.ALState { return m.bus.State() }

// AddBusStateHandler registers handlers for bus state changes.
func (m *Master) AddBusStateHandler(handlers ...BusStateHandler) {
	m.bus.addHandler(handlers...)
}

// WaitBusState blocks until the bus reaches state, ctx is done or the
// master is closed.
func (m *Master) WaitBusState(ctx context.Context, state esc.ALState) error {
	if !m.op.isOpened() {
		return ErrClosed
	}
	return m.bus.wait(ctx, state)
}

// Slaves returns a copy of the slave table.
func (m *Master) Slaves() []Slave {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Slave, len(m.slaves))
	for i, s := range m.slaves {
		out[i] = s.snapshot()
	}

	return out
}

// Slave returns a copy of one slave.
func (m *Master) Slave(id SlaveID) (Slave, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.lookup(id)
	if err != nil {
		return Slave{}, err
	}

	return s.snapshot(), nil
}

func (m *Master) checkOpen() error {
	if !m.op.isOpened() {
		return ErrClosed
	}
	return nil
}

// lookup returns the record of id. The caller holds the master lock.
func (m *Master) lookup(id SlaveID) (*slave, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if m.slaves == nil {
		return nil, ErrNotConfigured
	}
	if id < 0 || int(id) >= len(m.slaves) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSlave, id)
	}

	return m.slaves[id], nil
}

func (m *Master) topology() *Topology {
	topo := &Topology{
		Slaves:      make([]Slave, len(m.slaves)),
		DCReference: SlaveID(m.dcRef),
	}
	for i, s := range m.slaves {
		topo.Slaves[i] = s.snapshot()
	}
	if m.layout != nil {
		topo.OutputBytes = m.layout.OutputBytes
		topo.InputBytes = m.layout.InputBytes
	}

	return topo
}

// txrx sends datagrams and resends lost ones up to the retry count.
func (m *Master) txrx(ctx context.Context, datagrams ...*frame.Datagram) ([]*frame.Datagram, error) {
	replies, err := m.tp.roundTrip(ctx, datagrams, m.cfg.frameTimeout)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < m.cfg.retryCount; attempt++ {
		var lost []int
		for i, r := range replies {
			if r == nil {
				lost = append(lost, i)
			}
		}
		if len(lost) == 0 {
			return replies, nil
		}

		m.metrics.incRetries()
		if err := sleepCtx(ctx, m.cfg.retryBackoff); err != nil {
			return nil, err
		}

		again := make([]*frame.Datagram, len(lost))
		for i, idx := range lost {
			d := datagrams[idx]
			again[i] = frame.New(d.Command, d.Address, d.Data)
		}
		got, err := m.tp.roundTrip(ctx, again, m.cfg.frameTimeout)
		if err != nil {
			return nil, err
		}
		for i, idx := range lost {
			replies[idx] = got[i]
		}
	}

	if err := lostError(datagrams, replies); err != nil {
		return nil, err
	}

	return replies, nil
}

func (m *Master) one(ctx context.Context, d *frame.Datagram) (*frame.Datagram, error) {
	replies, err := m.txrx(ctx, d)
	if err != nil {
		return nil, err
	}

	return replies[0], nil
}

func wkcError(d *frame.Datagram, want uint16) error {
	return fmt.Errorf("%w: %s, expected %d", ErrWorkingCounterMismatch, d, want)
}

// read reads n bytes of register ado of s.
func (m *Master) read(ctx context.Context, s *slave, ado uint16, n int) ([]byte, error) {
	d, err := m.one(ctx, frame.NewRead(frame.FPRD, frame.Station(s.Station, ado), n))
	if err != nil {
		return nil, err
	}
	if d.WKC != 1 {
		return nil, wkcError(d, 1)
	}

	return d.Data, nil
}

// write writes data to register ado of s.
func (m *Master) write(ctx context.Context, s *slave, ado uint16, data []byte) error {
	d, err := m.one(ctx, frame.New(frame.FPWR, frame.Station(s.Station, ado), data))
	if err != nil {
		return err
	}
	if d.WKC != 1 {
		return wkcError(d, 1)
	}

	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := pool.GetTimer(d)
	defer pool.PutTimer(timer)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func le16(v uint16) []byte { return binary.LittleEndian.AppendUint16(nil, v) }
func le32(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }
func le64(v uint64) []byte { return binary.LittleEndian.AppendUint64(nil, v) }

// participating returns the slaves not excluded by the fault policy.
func (m *Master) participating() []*slave {
	return slices.DeleteFunc(slices.Clone(m.slaves), func(s *slave) bool { return !s.participates() })
}
