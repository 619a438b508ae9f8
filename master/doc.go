// Package master implements an EtherCAT master that owns one segment.
//
// A Master is opened on a nic.Link, configured once and then driven by
// the application:
//
//	m, err := master.Open(ctx, link, cfg)
//	topo, err := m.Configure(ctx)
//	err = m.RequestState(ctx, esc.StateOp)
//	for range ticker.C {
//		m.WriteOutputs(0, out)
//		res, err := m.Exchange(ctx)
//		in, _ := m.ReadInputs(0)
//	}
//
// Configure resets and counts the slaves, assigns configured station
// addresses 0x1000+position, reads each slave's SII, brings the bus to
// PreOp, discovers the PDO mapping through CoE or the SII, lays the
// process data out in one image (outputs first, then inputs), programs
// SyncManagers and FMMUs and, when enabled, measures and aligns the
// distributed clocks.
//
// Exchange runs exactly one cycle and never schedules itself. Working
// counter mismatches and lost frames are reported in CycleResult; the
// returned error is only set for structural failures such as a closed
// master.
package master
