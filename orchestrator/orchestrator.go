// Package orchestrator drives a connection session through its lifecycle:
// VPN first, RDP once the tunnel is up, and teardown in reverse order.
//
// Each session runs on its own goroutine, which is the only caller of the
// drivers' Start and Stop for that session. Callers observe progress
// through Subscribe or registered Observers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rjeffmyers/vpnrdp/common"
	"github.com/rjeffmyers/vpnrdp/credentials"
	"github.com/rjeffmyers/vpnrdp/profile"
	"github.com/rjeffmyers/vpnrdp/rdp"
	"github.com/rjeffmyers/vpnrdp/vpn"
)

// retainedSessions is how many terminal sessions are kept for inspection.
const retainedSessions = 8

// ProfileSource looks up profiles by name.
type ProfileSource interface {
	Get(name string) (*profile.Profile, error)
}

// usageRecorder is implemented by profile stores that track last use.
type usageRecorder interface {
	MarkUsed(name string) error
}

// VPNDrivers maps VPN kinds to drivers. *vpn.Registry implements it.
type VPNDrivers interface {
	For(kind profile.VPNKind) (vpn.Driver, error)
}

// Options tunes timing. Zero values fall back to the defaults.
type Options struct {
	PollAttempts    int
	PollInterval    time.Duration
	RDPStartupProbe time.Duration
	MonitorInterval time.Duration
	StopGrace       time.Duration
	Observers       []Observer
}

// DefaultOptions returns the standard timing.
func DefaultOptions() Options {
	return Options{
		PollAttempts:    common.VPNPollAttempts,
		PollInterval:    common.VPNPollInterval,
		RDPStartupProbe: common.RDPStartupProbe,
		MonitorInterval: common.MonitorInterval,
		StopGrace:       common.StopGracePeriod,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollAttempts <= 0 {
		o.PollAttempts = d.PollAttempts
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.RDPStartupProbe <= 0 {
		o.RDPStartupProbe = d.RDPStartupProbe
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = d.MonitorInterval
	}
	if o.StopGrace <= 0 {
		o.StopGrace = d.StopGrace
	}
	return o
}

// Orchestrator owns all sessions. At most one session is non-terminal.
type Orchestrator struct {
	profiles ProfileSource
	vpns     VPNDrivers
	rdp      rdp.Driver
	opts     Options

	baseCtx  context.Context
	shutdown context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
	active   *Session
	closed   bool
}

// New creates an Orchestrator.
func New(profiles ProfileSource, vpns VPNDrivers, rdpDriver rdp.Driver, opts Options) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		profiles: profiles,
		vpns:     vpns,
		rdp:      rdpDriver,
		opts:     opts.withDefaults(),
		baseCtx:  ctx,
		shutdown: cancel,
		sessions: make(map[string]*Session),
	}
}

// Connect starts a session for the named profile and returns its ID.
// NotFound and Busy are reported here; later failures arrive as
// snapshots. Credentials must already be resolved.
func (o *Orchestrator) Connect(ctx context.Context, profileName string, creds credentials.Credentials) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", common.NewError(common.KindCancelled, "connect", err)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", common.Errorf(common.KindCancelled, "orchestrator is shut down")
	}
	if a := o.active; a != nil && !a.terminal() {
		o.mu.Unlock()
		return "", common.Errorf(common.KindBusy, "session %s for %s is %s", a.ID, a.Profile.Name, a.State())
	}

	p, err := o.profiles.Get(profileName)
	if err != nil {
		o.mu.Unlock()
		if errors.Is(err, common.ErrNotFound) {
			return "", common.NewError(common.KindNotFound, profileName, err)
		}
		return "", err
	}

	s := newSession(o.baseCtx, uuid.NewString(), p, creds)
	o.sessions[s.ID] = s
	o.order = append(o.order, s.ID)
	o.active = s
	o.mu.Unlock()

	o.publish(s, StateConnectingVPN, nil)

	if ur, ok := o.profiles.(usageRecorder); ok {
		if err := ur.MarkUsed(p.Name); err != nil {
			common.LogWarn("Session %s: could not record profile use: %v", s.ID, err)
		}
	}

	common.LogInfo("Session %s: connecting %s", s.ID, p.Name)
	go o.run(s)
	return s.ID, nil
}

// Disconnect requests teardown and waits until the session is terminal
// or ctx ends. Terminal sessions return nil at once.
func (o *Orchestrator) Disconnect(ctx context.Context, sessionID string) error {
	s, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	if s.terminal() {
		return nil
	}

	common.LogInfo("Session %s: disconnect requested", s.ID)
	s.requestCancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for session %s to stop: %w", s.ID, ctx.Err())
	}
}

// Cancel aborts a session in any state. It is Disconnect by another name.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	return o.Disconnect(ctx, sessionID)
}

// Subscribe replays the session's transitions from the first one and then
// follows live ones. The channel closes after the terminal snapshot or
// when ctx ends. Idle is the state before Connect and is never published,
// so every trace opens with ConnectingVPN at Seq 1.
func (o *Orchestrator) Subscribe(ctx context.Context, sessionID string) (<-chan Snapshot, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	ch := make(chan Snapshot)
	go func() {
		defer close(ch)
		next := 0
		for {
			snaps, changed := s.pending(next)
			for _, snap := range snaps {
				select {
				case ch <- snap:
				case <-ctx.Done():
					return
				}
				next++
				if snap.State.Terminal() {
					return
				}
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Session returns a view of one session.
func (o *Orchestrator) Session(sessionID string) (Info, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return Info{}, err
	}
	return s.info(), nil
}

// Trace returns every transition of a session so far.
func (o *Orchestrator) Trace(sessionID string) ([]Snapshot, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Trace(), nil
}

// Active returns the non-terminal session, if there is one.
func (o *Orchestrator) Active() (Info, bool) {
	o.mu.Lock()
	s := o.active
	o.mu.Unlock()
	if s == nil || s.terminal() {
		return Info{}, false
	}
	return s.info(), true
}

// Sessions returns all retained sessions, oldest first.
func (o *Orchestrator) Sessions() []Info {
	o.mu.Lock()
	list := make([]*Session, 0, len(o.order))
	for _, id := range o.order {
		list = append(list, o.sessions[id])
	}
	o.mu.Unlock()

	out := make([]Info, len(list))
	for i, s := range list {
		out[i] = s.info()
	}
	return out
}

// Acknowledge drops a terminal session.
func (o *Orchestrator) Acknowledge(sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.sessions[sessionID]
	if !ok {
		return common.NewError(common.KindNotFound, sessionID, common.ErrSessionNotFound)
	}
	if !s.terminal() {
		return common.Errorf(common.KindBusy, "session %s is still %s", sessionID, s.State())
	}
	o.removeLocked(sessionID)
	return nil
}

// Traffic reads the byte counters of the active session's VPN.
func (o *Orchestrator) Traffic(ctx context.Context) (vpn.Traffic, error) {
	o.mu.Lock()
	s := o.active
	o.mu.Unlock()
	if s == nil || s.terminal() {
		return vpn.Traffic{}, common.NewError(common.KindNotFound, "no active session", common.ErrSessionNotFound)
	}

	driver, h, _ := s.handles()
	if h == nil {
		return vpn.Traffic{}, common.Errorf(common.KindNotFound, "session %s has no vpn yet", s.ID)
	}
	tr, ok := driver.(vpn.TrafficReader)
	if !ok {
		return vpn.Traffic{}, fmt.Errorf("%s driver has no traffic counters", driver.Kind())
	}
	return tr.Traffic(ctx, h)
}

// Shutdown disconnects the active session and refuses new ones.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	s := o.active
	o.mu.Unlock()

	var err error
	if s != nil && !s.terminal() {
		err = o.Disconnect(ctx, s.ID)
	}
	o.shutdown()
	return err
}

func (o *Orchestrator) lookup(id string) (*Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	if !ok {
		return nil, common.NewError(common.KindNotFound, id, common.ErrSessionNotFound)
	}
	return s, nil
}

// publish records a transition and hands it to the observers.
func (o *Orchestrator) publish(s *Session, state State, kerr *common.KindError, warnings ...string) {
	snap := s.record(state, kerr, warnings)
	if kerr != nil {
		common.LogWarn("Session %s: %s (%v)", s.ID, state, kerr)
	} else {
		common.LogInfo("Session %s: %s", s.ID, state)
	}
	for _, ob := range o.opts.Observers {
		ob.Observe(snap)
	}
}

// retire evicts the oldest terminal sessions beyond the retention cap.
func (o *Orchestrator) retire() {
	o.mu.Lock()
	defer o.mu.Unlock()

	var terminal []string
	for _, id := range o.order {
		if o.sessions[id].terminal() {
			terminal = append(terminal, id)
		}
	}
	for len(terminal) > retainedSessions {
		o.removeLocked(terminal[0])
		terminal = terminal[1:]
	}
}

func (o *Orchestrator) removeLocked(id string) {
	delete(o.sessions, id)
	for i, v := range o.order {
		if v == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	if o.active != nil && o.active.ID == id {
		o.active = nil
	}
}

// run is the session goroutine.
func (o *Orchestrator) run(s *Session) {
	defer o.retire()
	defer close(s.done)
	defer s.creds.Wipe()
	p := s.Profile

	driver, err := o.vpns.For(p.VPNKind)
	if err != nil {
		o.fail(s, common.AsKindError(err, common.KindConfigInvalid))
		return
	}

	ref, err := driver.Resolve(s.ctx, p.VPNConfigRef)
	if err != nil {
		o.abort(s, err, common.KindConfigInvalid)
		return
	}
	if s.cancelled() {
		o.disconnect(s, nil)
		return
	}
	o.checkRoute(s, driver, ref)

	h, err := driver.Start(s.ctx, ref, p.VPNUsername, s.creds.VPNPassword)
	if err != nil {
		o.abort(s, err, common.KindDriverStartFailed)
		return
	}
	s.setVPN(driver, h)

	if kerr := o.waitVPNUp(s, driver, h); kerr != nil {
		if kerr.Kind == common.KindCancelled {
			o.disconnect(s, nil)
		} else {
			o.fail(s, kerr)
		}
		return
	}
	o.publish(s, StateVPNUp, nil)
	o.publish(s, StateConnectingRDP, nil)

	if s.cancelled() {
		o.disconnect(s, nil)
		return
	}
	rh, err := o.rdp.Start(s.ctx, rdp.TargetFor(p, s.creds.RDPPassword))
	if err != nil {
		o.abort(s, err, common.KindDriverStartFailed)
		return
	}
	s.setRDP(rh)

	probe := time.NewTimer(o.opts.RDPStartupProbe)
	select {
	case <-s.cancelCh:
		probe.Stop()
		o.disconnect(s, nil)
		return
	case <-probe.C:
	}
	if !o.rdp.IsRunning(rh) {
		kerr := o.rdp.ExitReason(rh, true)
		if kerr == nil {
			kerr = common.Errorf(common.KindDriverStartFailed, "rdp client exited during startup")
		}
		o.fail(s, kerr)
		return
	}
	o.publish(s, StateConnected, nil)

	o.disconnect(s, o.monitor(s, driver, h, rh))
}

// waitVPNUp polls the driver until the tunnel is up. Each attempt waits
// one interval before sampling.
func (o *Orchestrator) waitVPNUp(s *Session, driver vpn.Driver, h *vpn.Handle) *common.KindError {
	timer := time.NewTimer(o.opts.PollInterval)
	defer timer.Stop()

	for attempt := 1; attempt <= o.opts.PollAttempts; attempt++ {
		if attempt > 1 {
			timer.Reset(o.opts.PollInterval)
		}
		select {
		case <-s.cancelCh:
			return common.Errorf(common.KindCancelled, "cancelled while waiting for vpn")
		case <-timer.C:
		}

		st := driver.Status(s.ctx, h)
		s.observeVPN(st)
		common.LogDebug("Session %s: vpn poll %d/%d: %s %s", s.ID, attempt, o.opts.PollAttempts, st.Status, st.Detail)

		switch st.Status {
		case vpn.StatusUp:
			return nil
		case vpn.StatusError:
			if st.Err != nil {
				return st.Err
			}
			return common.Errorf(common.KindDriverCrashed, "vpn error: %s", st.Detail)
		case vpn.StatusDown:
			if s.cancelled() {
				return common.Errorf(common.KindCancelled, "cancelled while waiting for vpn")
			}
			return common.Errorf(common.KindDriverCrashed, "vpn client went down: %s", st.Detail)
		}
	}
	return common.Errorf(common.KindTimeout, "vpn not up after %d checks %s apart",
		o.opts.PollAttempts, o.opts.PollInterval)
}

// monitor watches a connected session. It returns nil when the user
// disconnects or closes the remote desktop, and the fault when the VPN
// drops.
func (o *Orchestrator) monitor(s *Session, driver vpn.Driver, h *vpn.Handle, rh *rdp.Handle) *common.KindError {
	ticker := time.NewTicker(o.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.cancelCh:
			return nil
		case <-ticker.C:
		}

		if !o.rdp.IsRunning(rh) {
			common.LogInfo("Session %s: remote desktop closed", s.ID)
			if reason := o.rdp.ExitReason(rh, false); reason != nil {
				s.addWarning(reason.Error())
			}
			return nil
		}

		st := driver.Status(s.ctx, h)
		s.observeVPN(st)
		if st.Status == vpn.StatusUp {
			continue
		}
		if s.cancelled() {
			return nil
		}
		detail := st.Detail
		if st.Err != nil {
			detail = st.Err.Error()
		}
		return common.Errorf(common.KindDriverCrashed, "vpn dropped: %s", detail)
	}
}

// abort ends a session after a failed driver call. A failure caused by a
// cancel request counts as a disconnect.
func (o *Orchestrator) abort(s *Session, err error, fallback common.ErrorKind) {
	kerr := common.AsKindError(err, fallback)
	if s.cancelled() || kerr.Kind == common.KindCancelled {
		o.disconnect(s, nil)
		return
	}
	o.fail(s, kerr)
}

// fail tears down whatever was started and publishes Failed.
func (o *Orchestrator) fail(s *Session, kerr *common.KindError) {
	warnings := o.teardown(s)
	o.publish(s, StateFailed, kerr, warnings...)
}

// disconnect publishes Disconnecting, tears down and publishes
// Disconnected. fault is recorded when the session ended on its own.
func (o *Orchestrator) disconnect(s *Session, fault *common.KindError) {
	o.publish(s, StateDisconnecting, fault)
	warnings := o.teardown(s)
	o.publish(s, StateDisconnected, nil, warnings...)
}

// teardown stops RDP before VPN. Stop errors become warnings.
func (o *Orchestrator) teardown(s *Session) []string {
	driver, h, rh := s.handles()
	var warnings []string

	if rh != nil {
		ctx, cancel := context.WithTimeout(context.Background(), o.opts.StopGrace)
		err := o.rdp.Stop(ctx, rh)
		cancel()
		if err != nil {
			kerr := common.AsKindError(err, common.KindStopTimeout)
			common.LogWarn("Session %s: stopping rdp: %v", s.ID, kerr)
			warnings = append(warnings, "rdp: "+kerr.Error())
		}
	}

	if h != nil {
		ctx, cancel := context.WithTimeout(context.Background(), o.opts.StopGrace)
		err := driver.Stop(ctx, h)
		cancel()
		if err != nil {
			kerr := common.AsKindError(err, common.KindStopTimeout)
			common.LogWarn("Session %s: stopping vpn: %v", s.ID, kerr)
			warnings = append(warnings, "vpn: "+kerr.Error())
		}
	}
	return warnings
}

// checkRoute warns when an IP-literal RDP host is outside the config's
// routes. Hostnames and server-pushed routes are not checked.
func (o *Orchestrator) checkRoute(s *Session, driver vpn.Driver, ref string) {
	rc, ok := driver.(vpn.RouteChecker)
	if !ok {
		return
	}
	host := s.Profile.RDPHost
	if _, err := netip.ParseAddr(host); err != nil {
		return
	}
	covered, known, err := rc.Covers(s.ctx, ref, host)
	if err != nil {
		common.LogDebug("Session %s: route check: %v", s.ID, err)
		return
	}
	if known && !covered {
		w := fmt.Sprintf("rdp host %s is not routed through %s", host, ref)
		common.LogWarn("Session %s: %s", s.ID, w)
		s.addWarning(w)
	}
}
