package sim

import "github.com/arloliu/go-ecat/esc"

func (s *slave) syncALStatus() {
	status := uint16(s.state)
	if s.errFlag {
		status |= uint16(esc.ErrorFlag)
	}
	s.put16(esc.RegALStatus, status)
	s.put16(esc.RegALStatusCode, uint16(s.code))
}

func (s *slave) fail(code esc.ALStatusCode) {
	s.errFlag = true
	s.code = code
	s.pending = esc.StateNone
	s.pendingOp = false
	s.syncALStatus()
}

// validTransition reports whether an ESC accepts a request from cur to req.
func validTransition(cur, req esc.ALState) bool {
	switch {
	case cur == esc.StateBoot:
		return req == esc.StateInit
	case req == esc.StateBoot:
		return cur == esc.StateInit
	case req.Rank() < cur.Rank():
		return true
	default:
		return req.Rank() == cur.Rank()+1
	}
}

func (s *slave) alControl(v uint16) {
	req := esc.ALState(v) & esc.StateMask
	ack := esc.ALState(v)&esc.ErrorFlag != 0

	if s.errFlag {
		if !ack {
			return
		}
		s.errFlag = false
		s.code = esc.CodeNoError
	}
	s.pending = esc.StateNone
	s.pendingOp = false

	switch {
	case req == s.state:
		s.syncALStatus()
		return
	case !req.Requestable() && req != esc.StateBoot:
		s.fail(esc.CodeUnknownRequestedState)
		return
	case !validTransition(s.state, req):
		s.fail(esc.CodeInvalidRequestedStateChange)
		return
	}

	if req.Rank() > s.state.Rank() {
		if h := s.cfg.HoldState; h != esc.StateNone && req.Rank() >= h.Rank() {
			s.syncALStatus()
			return
		}
		if req == s.cfg.RefuseState {
			s.fail(s.cfg.RefuseCode)
			return
		}
		if code := s.checkEntry(req); code != esc.CodeNoError {
			s.fail(code)
			return
		}
		if req == esc.StateOp && s.cfg.OutputBytes > 0 {
			// Op is entered with the first valid outputs
			s.pendingOp = true
			s.syncALStatus()
			return
		}
	}

	if s.cfg.StatePolls > 0 {
		s.pending = req
		s.polls = s.cfg.StatePolls
		s.syncALStatus()
		return
	}
	s.enter(req)
}

// checkEntry validates the configuration a state requires.
func (s *slave) checkEntry(req esc.ALState) esc.ALStatusCode {
	switch req {
	case esc.StatePreOp:
		if s.cfg.CoE && (!s.smMatches(0) || !s.smMatches(1)) {
			return esc.CodeInvalidMailboxConfigPreOp
		}
	case esc.StateSafeOp:
		if s.cfg.OutputBytes > 0 && !s.smMatches(s.outSM) {
			return esc.CodeInvalidOutputConfig
		}
		if s.cfg.InputBytes > 0 && !s.smMatches(s.inSM) {
			return esc.CodeInvalidInputConfig
		}
	}

	return esc.CodeNoError
}

func (s *slave) enter(state esc.ALState) {
	if state.Rank() < esc.StatePreOp.Rank() {
		s.replies = nil
		s.mailboxFull = false
		s.refusals = s.cfg.MailboxRefusals
	}
	s.state = state
	s.syncALStatus()
}

func (s *slave) pollALStatus() {
	if s.pending == esc.StateNone {
		return
	}
	s.polls--
	if s.polls <= 0 {
		target := s.pending
		s.pending = esc.StateNone
		s.enter(target)
	}
}

// fall forces the slave into a lower state with the error flag.
func (s *slave) fall(state esc.ALState, code esc.ALStatusCode) {
	s.pendingOp = false
	s.pending = esc.StateNone
	s.enter(state)
	s.errFlag = true
	s.code = code
	s.syncALStatus()
}
