package sim

import "github.com/arloliu/go-ecat/esc"

// local returns the slave clock at reference time t.
func (s *slave) local(t int64) int64 { return t + s.cfg.ClockOffset.Nanoseconds() }

func (s *slave) systemTime() int64 {
	return s.local(s.now+s.arrive) + int64(s.get64(esc.RegDCSystemOffset))
}

// latch records the port receive times of the current frame.
func (s *slave) latch() {
	in := s.local(s.now + s.arrive)
	s.put32(esc.RegDCPortTime0, uint32(in))
	if s.port1Open {
		s.put32(esc.RegDCPortTime0+4, uint32(s.local(s.now+s.ret)))
	} else {
		s.put32(esc.RegDCPortTime0+4, 0)
	}
	s.put32(esc.RegDCPortTime0+8, 0)
	if s.cfg.Branch {
		s.put32(esc.RegDCPortTime0+12, uint32(in+s.cfg.hopDelay()))
	} else {
		s.put32(esc.RegDCPortTime0+12, 0)
	}
	s.put64(esc.RegDCReceiveTime, uint64(in))
}

// timeDiff compares a distributed reference time with the local system
// time and stores the sign magnitude difference.
func (s *slave) timeDiff() {
	ref := int64(s.get64(esc.RegDCSystemTime)) + int64(s.get32(esc.RegDCSystemDelay))
	diff := ref - s.systemTime()

	v := uint32(0)
	if diff < 0 {
		v = 1 << 31
		diff = -diff
	}
	v |= uint32(min(diff, 1<<31-1))
	s.put32(esc.RegDCSystemTimeDiff, v)
}
