package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rjeffmyers/vpnrdp/common"
	"github.com/rjeffmyers/vpnrdp/credentials"
	"github.com/rjeffmyers/vpnrdp/profile"
	"github.com/rjeffmyers/vpnrdp/rdp"
	"github.com/rjeffmyers/vpnrdp/vpn"
)

// Session is one connect attempt and everything it started. Only the
// session goroutine starts or stops its drivers.
type Session struct {
	ID        string
	Profile   *profile.Profile
	StartedAt time.Time

	ctx       context.Context
	cancelCtx context.CancelFunc
	cancelCh  chan struct{}
	cancelOne sync.Once
	done      chan struct{}

	creds credentials.Credentials

	mu        sync.Mutex
	state     State
	err       *common.KindError
	warnings  []string
	trace     []Snapshot
	changed   chan struct{}
	driver    vpn.Driver
	vpnHandle *vpn.Handle
	vpnStatus vpn.StatusReport
	rdpHandle *rdp.Handle
}

// Info is a point-in-time view of a session.
type Info struct {
	ID        string            `json:"id"`
	Profile   string            `json:"profile"`
	State     State             `json:"state"`
	StartedAt time.Time         `json:"started_at"`
	Err       *common.KindError `json:"-"`
	Warnings  []string          `json:"warnings,omitempty"`
	// VPN is the tunnel device or openvpn3 session path.
	VPN       string `json:"vpn,omitempty"`
	VPNStatus string `json:"vpn_status,omitempty"`
}

func newSession(parent context.Context, id string, p *profile.Profile, creds credentials.Credentials) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:        id,
		Profile:   p,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancelCtx: cancel,
		cancelCh:  make(chan struct{}),
		done:      make(chan struct{}),
		creds:     creds,
		state:     StateIdle,
		changed:   make(chan struct{}),
	}
}

// requestCancel asks the session to wind down. Safe to call repeatedly.
func (s *Session) requestCancel() {
	s.cancelOne.Do(func() {
		close(s.cancelCh)
		s.cancelCtx()
	})
}

func (s *Session) cancelled() bool {
	select {
	case <-s.cancelCh:
		return true
	default:
		return false
	}
}

// record appends a transition to the trace and wakes subscribers.
func (s *Session) record(state State, kerr *common.KindError, warnings []string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kerr != nil {
		s.err = kerr
	}
	s.warnings = append(s.warnings, warnings...)
	s.state = state

	snap := Snapshot{
		SessionID: s.ID,
		Profile:   s.Profile.Name,
		State:     state,
		Seq:       len(s.trace) + 1,
		At:        time.Now(),
		Err:       s.err,
		Warnings:  append([]string(nil), s.warnings...),
	}
	s.trace = append(s.trace, snap)
	close(s.changed)
	s.changed = make(chan struct{})
	return snap
}

func (s *Session) addWarning(w string) {
	s.mu.Lock()
	s.warnings = append(s.warnings, w)
	s.mu.Unlock()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) terminal() bool {
	return s.State().Terminal()
}

// pending returns the trace entries from index next on and the channel
// closed by the following transition.
func (s *Session) pending(next int) ([]Snapshot, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Snapshot
	if next < len(s.trace) {
		out = append(out, s.trace[next:]...)
	}
	return out, s.changed
}

// Trace returns a copy of all transitions so far.
func (s *Session) Trace() []Snapshot {
	out, _ := s.pending(0)
	return out
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := Info{
		ID:        s.ID,
		Profile:   s.Profile.Name,
		State:     s.state,
		StartedAt: s.StartedAt,
		Err:       s.err,
		Warnings:  append([]string(nil), s.warnings...),
	}
	if s.vpnHandle != nil {
		in.VPN = s.vpnHandle.ID
		in.VPNStatus = s.vpnStatus.Status.String()
	}
	return in
}

func (s *Session) setVPN(d vpn.Driver, h *vpn.Handle) {
	s.mu.Lock()
	s.driver = d
	s.vpnHandle = h
	s.mu.Unlock()
}

func (s *Session) observeVPN(st vpn.StatusReport) {
	s.mu.Lock()
	s.vpnStatus = st
	s.mu.Unlock()
}

func (s *Session) setRDP(h *rdp.Handle) {
	s.mu.Lock()
	s.rdpHandle = h
	s.mu.Unlock()
}

func (s *Session) handles() (vpn.Driver, *vpn.Handle, *rdp.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver, s.vpnHandle, s.rdpHandle
}
