package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rjeffmyers/vpnrdp/common"
	"github.com/rjeffmyers/vpnrdp/profile"
	"github.com/rjeffmyers/vpnrdp/rdp"
	"github.com/rjeffmyers/vpnrdp/vpn"
)

// recorder keeps the driver calls of both fakes in one ordered list.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(e string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.events {
		if v == e {
			n++
		}
	}
	return n
}

// index returns the position of the first e, or -1.
func (r *recorder) index(e string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, v := range r.events {
		if v == e {
			return i
		}
	}
	return -1
}

func (r *recorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprint(r.events)
}

type fakeVPN struct {
	rec *recorder

	mu         sync.Mutex
	resolveErr error
	startErr   error
	blockStart bool
	status     func(poll int) vpn.StatusReport
	polls      int
	stopErr    error
	password   string
	covered    bool
	known      bool
}

func newFakeVPN(rec *recorder, status func(int) vpn.StatusReport) *fakeVPN {
	return &fakeVPN{rec: rec, status: status, covered: true, known: true}
}

// upAfter reports Starting for the first n-1 polls and Up afterwards.
func upAfter(n int) func(int) vpn.StatusReport {
	return func(poll int) vpn.StatusReport {
		if poll < n {
			return vpn.StatusReport{Status: vpn.StatusStarting, Detail: "connecting"}
		}
		return vpn.StatusReport{Status: vpn.StatusUp}
	}
}

func always(st vpn.StatusReport) func(int) vpn.StatusReport {
	return func(int) vpn.StatusReport { return st }
}

func (f *fakeVPN) Kind() profile.VPNKind { return profile.KindTunnel }

func (f *fakeVPN) Resolve(ctx context.Context, ref string) (string, error) {
	f.rec.add("vpn.resolve")
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	return "/etc/openvpn/client/" + ref, nil
}

func (f *fakeVPN) Start(ctx context.Context, ref, username, password string) (*vpn.Handle, error) {
	f.rec.add("vpn.start")
	f.mu.Lock()
	f.password = password
	block, startErr := f.blockStart, f.startErr
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, common.NewError(common.KindCancelled, "session-start", ctx.Err())
	}
	if startErr != nil {
		return nil, startErr
	}
	return &vpn.Handle{Kind: profile.KindTunnel, ConfigRef: ref, ID: "vpnrdp0", StartedAt: time.Now()}, nil
}

func (f *fakeVPN) Status(ctx context.Context, h *vpn.Handle) vpn.StatusReport {
	f.mu.Lock()
	f.polls++
	poll, fn := f.polls, f.status
	f.mu.Unlock()
	st := fn(poll)
	f.rec.add("vpn.status:" + st.Status.String())
	return st
}

func (f *fakeVPN) Stop(ctx context.Context, h *vpn.Handle) error {
	f.rec.add("vpn.stop")
	return f.stopErr
}

func (f *fakeVPN) Covers(ctx context.Context, ref, host string) (bool, bool, error) {
	return f.covered, f.known, nil
}

func (f *fakeVPN) Traffic(ctx context.Context, h *vpn.Handle) (vpn.Traffic, error) {
	return vpn.Traffic{BytesIn: 2048, BytesOut: 512}, nil
}

func (f *fakeVPN) setStatus(fn func(int) vpn.StatusReport) {
	f.mu.Lock()
	f.status = fn
	f.mu.Unlock()
}

func (f *fakeVPN) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

type fakeRDP struct {
	rec *recorder

	mu        sync.Mutex
	running   map[*rdp.Handle]bool
	codes     map[*rdp.Handle]int
	last      *rdp.Handle
	target    rdp.Target
	startErr  error
	crash     bool
	crashCode int
}

func newFakeRDP(rec *recorder) *fakeRDP {
	return &fakeRDP{
		rec:     rec,
		running: make(map[*rdp.Handle]bool),
		codes:   make(map[*rdp.Handle]int),
	}
}

func (f *fakeRDP) Start(ctx context.Context, t rdp.Target) (*rdp.Handle, error) {
	f.rec.add("rdp.start")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.target = t
	if f.startErr != nil {
		return nil, f.startErr
	}
	h := &rdp.Handle{Host: t.Host, StartedAt: time.Now()}
	f.running[h] = !f.crash
	if f.crash {
		f.codes[h] = f.crashCode
	}
	f.last = h
	return h, nil
}

func (f *fakeRDP) IsRunning(h *rdp.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[h]
}

func (f *fakeRDP) Stop(ctx context.Context, h *rdp.Handle) error {
	f.rec.add("rdp.stop")
	f.mu.Lock()
	f.running[h] = false
	f.mu.Unlock()
	return nil
}

func (f *fakeRDP) ExitReason(h *rdp.Handle, duringStartup bool) *common.KindError {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[h] || f.codes[h] == 0 {
		return nil
	}
	return rdp.ExitError(f.codes[h], duringStartup, "")
}

// exit simulates the client closing by itself.
func (f *fakeRDP) exit(code int) {
	f.mu.Lock()
	f.running[f.last] = false
	f.codes[f.last] = code
	f.mu.Unlock()
}

type profileMap map[string]*profile.Profile

func (m profileMap) Get(name string) (*profile.Profile, error) {
	p, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrProfileNotFound, name)
	}
	return p.Clone(), nil
}

func testProfiles() profileMap {
	office := profile.New("office", profile.KindTunnel, "office.ovpn", "10.20.0.5")
	office.VPNUsername = "alice"
	office.RDPUsername = "alice"
	lab := profile.New("lab", profile.KindTunnel, "lab.ovpn", "lab.corp.example")
	return profileMap{"office": office, "lab": lab}
}

func testOptions() Options {
	return Options{
		PollAttempts:    5,
		PollInterval:    5 * time.Millisecond,
		RDPStartupProbe: 20 * time.Millisecond,
		MonitorInterval: 5 * time.Millisecond,
		StopGrace:       100 * time.Millisecond,
	}
}

func newTestOrchestrator(v *fakeVPN, r *fakeRDP, opts Options) *Orchestrator {
	return New(testProfiles(), vpn.NewRegistry(v), r, opts)
}

// waitState follows a session until it reaches want.
func waitState(t *testing.T, o *Orchestrator, id string, want State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := o.Subscribe(ctx, id)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	var seen []State
	for snap := range ch {
		seen = append(seen, snap.State)
		if snap.State == want {
			return
		}
	}
	t.Fatalf("session never reached %s, saw %v", want, seen)
}

// finalTrace follows a session to its terminal snapshot.
func finalTrace(t *testing.T, o *Orchestrator, id string) []Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := o.Subscribe(ctx, id)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	var out []Snapshot
	for snap := range ch {
		out = append(out, snap)
	}
	if len(out) == 0 || !out[len(out)-1].State.Terminal() {
		t.Fatalf("session did not terminate: %v", states(out))
	}
	return out
}

func states(snaps []Snapshot) []State {
	out := make([]State, len(snaps))
	for i, s := range snaps {
		out[i] = s.State
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
