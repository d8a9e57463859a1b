package orchestrator

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rjeffmyers/vpnrdp/common"
	"github.com/rjeffmyers/vpnrdp/credentials"
	"github.com/rjeffmyers/vpnrdp/vpn"
)

var testCreds = credentials.Credentials{VPNPassword: "vpn-secret", RDPPassword: "rdp-secret"}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		want     string
		terminal bool
	}{
		{StateIdle, "Idle", false},
		{StateConnectingVPN, "ConnectingVPN", false},
		{StateConnected, "Connected", false},
		{StateFailed, "Failed", true},
		{StateDisconnected, "Disconnected", true},
		{State(42), "State(42)", false},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.state, got, tt.terminal)
		}
	}
}

func TestConnect_HappyPath(t *testing.T) {
	rec := &recorder{}
	v := newFakeVPN(rec, upAfter(3))
	r := newFakeRDP(rec)
	o := newTestOrchestrator(v, r, testOptions())

	id, err := o.Connect(context.Background(), "office", testCreds)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitState(t, o, id, StateConnected)

	info, ok := o.Active()
	if !ok || info.ID != id || info.State != StateConnected {
		t.Fatalf("Active() = %+v, %v", info, ok)
	}
	if info.VPN != "vpnrdp0" || info.VPNStatus != "Up" {
		t.Errorf("Active() vpn = %q %q", info.VPN, info.VPNStatus)
	}

	if err := o.Disconnect(context.Background(), id); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	trace, _ := o.Trace(id)
	want := []State{StateConnectingVPN, StateVPNUp, StateConnectingRDP, StateConnected, StateDisconnecting, StateDisconnected}
	if got := states(trace); !reflect.DeepEqual(got, want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}
	for i, snap := range trace {
		if snap.Seq != i+1 {
			t.Errorf("trace[%d].Seq = %d", i, snap.Seq)
		}
		if snap.SessionID != id || snap.Profile != "office" {
			t.Errorf("trace[%d] = %+v", i, snap)
		}
	}
	if last := trace[len(trace)-1]; last.Err != nil || len(last.Warnings) != 0 {
		t.Errorf("final snapshot = %+v", last)
	}

	if rec.index("rdp.start") < rec.index("vpn.status:Up") {
		t.Errorf("rdp started before vpn was up: %s", rec)
	}
	if rec.index("rdp.stop") > rec.index("vpn.stop") {
		t.Errorf("vpn stopped before rdp: %s", rec)
	}
	if rec.count("vpn.stop") != 1 || rec.count("rdp.stop") != 1 {
		t.Errorf("stop counts: %s", rec)
	}

	if v.password != "vpn-secret" || r.target.Password != "rdp-secret" || r.target.Host != "10.20.0.5" {
		t.Errorf("credentials not passed through: vpn %q rdp %+v", v.password, r.target)
	}
	if _, ok := o.Active(); ok {
		t.Error("Active() after disconnect should be empty")
	}
}

func TestConnect_VPNTimeout(t *testing.T) {
	rec := &recorder{}
	v := newFakeVPN(rec, always(vpn.StatusReport{Status: vpn.StatusStarting}))
	r := newFakeRDP(rec)
	opts := testOptions()
	opts.PollAttempts = 3
	o := newTestOrchestrator(v, r, opts)

	id, err := o.Connect(context.Background(), "office", testCreds)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	trace := finalTrace(t, o, id)

	if got := states(trace); !reflect.DeepEqual(got, []State{StateConnectingVPN, StateFailed}) {
		t.Fatalf("trace = %v", got)
	}
	if last := trace[len(trace)-1]; !errors.Is(last.Err, common.ErrTimeout) {
		t.Errorf("Err = %v, want Timeout", last.Err)
	}
	if n := v.pollCount(); n != 3 {
		t.Errorf("polls = %d, want 3", n)
	}
	if rec.count("rdp.start") != 0 {
		t.Error("rdp must not start when the vpn never came up")
	}
	if rec.count("vpn.stop") != 1 {
		t.Errorf("vpn.stop count = %d, want 1", rec.count("vpn.stop"))
	}
}

func TestConnect_VPNFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(v *fakeVPN)
		want      error
		wantStart int
		wantStop  int
	}{
		{
			name: "auth failed",
			setup: func(v *fakeVPN) {
				v.status = always(vpn.StatusReport{
					Status: vpn.StatusError,
					Err:    common.Errorf(common.KindAuthFailed, "AUTH_FAILED"),
				})
			},
			want:      common.ErrAuthFailed,
			wantStart: 1,
			wantStop:  1,
		},
		{
			name: "config invalid",
			setup: func(v *fakeVPN) {
				v.resolveErr = common.Errorf(common.KindConfigInvalid, "no remote directive")
			},
			want: common.ErrConfigInvalid,
		},
		{
			name: "start failed",
			setup: func(v *fakeVPN) {
				v.startErr = common.Errorf(common.KindDriverStartFailed, "openvpn not installed")
			},
			want:      common.ErrDriverStartFailed,
			wantStart: 1,
		},
		{
			name: "client exited",
			setup: func(v *fakeVPN) {
				v.status = always(vpn.StatusReport{Status: vpn.StatusDown, Detail: "exit code 1"})
			},
			want:      common.ErrDriverCrashed,
			wantStart: 1,
			wantStop:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			v := newFakeVPN(rec, upAfter(1))
			tt.setup(v)
			o := newTestOrchestrator(v, newFakeRDP(rec), testOptions())

			id, err := o.Connect(context.Background(), "office", testCreds)
			if err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
			trace := finalTrace(t, o, id)
			last := trace[len(trace)-1]
			if last.State != StateFailed || !errors.Is(last.Err, tt.want) {
				t.Fatalf("final = %s %v, want Failed %v", last.State, last.Err, tt.want)
			}

			// No automatic retry.
			time.Sleep(30 * time.Millisecond)
			if got := rec.count("vpn.start"); got != tt.wantStart {
				t.Errorf("vpn.start count = %d, want %d", got, tt.wantStart)
			}
			if got := rec.count("vpn.stop"); got != tt.wantStop {
				t.Errorf("vpn.stop count = %d, want %d", got, tt.wantStop)
			}
			if rec.count("rdp.start") != 0 {
				t.Error("rdp started after a vpn failure")
			}
		})
	}
}

func TestConnect_Busy(t *testing.T) {
	rec := &recorder{}
	v := newFakeVPN(rec, always(vpn.StatusReport{Status: vpn.StatusStarting}))
	opts := testOptions()
	opts.PollAttempts = 100000
	o := newTestOrchestrator(v, newFakeRDP(rec), opts)

	id, err := o.Connect(context.Background(), "office", testCreds)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	for _, name := range []string{"lab", "office"} {
		_, err := o.Connect(context.Background(), name, testCreds)
		if !errors.Is(err, common.ErrBusy) {
			t.Errorf("Connect(%s) error = %v, want Busy", name, err)
		}
	}

	info, err := o.Session(id)
	if err != nil || info.State != StateConnectingVPN {
		t.Errorf("active session disturbed: %+v, %v", info, err)
	}
	if got := len(o.Sessions()); got != 1 {
		t.Errorf("Sessions() = %d entries, want 1", got)
	}
	if rec.count("vpn.start") != 1 {
		t.Errorf("vpn.start count = %d, want 1", rec.count("vpn.start"))
	}

	if err := o.Disconnect(context.Background(), id); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	next, err := o.Connect(context.Background(), "lab", testCreds)
	if err != nil {
		t.Fatalf("Connect() after disconnect error = %v", err)
	}
	o.Disconnect(context.Background(), next)
}

func TestCancel_WhileConnectingVPN(t *testing.T) {
	rec := &recorder{}
	v := newFakeVPN(rec, always(vpn.StatusReport{Status: vpn.StatusStarting}))
	opts := testOptions()
	opts.PollAttempts = 100000
	o := newTestOrchestrator(v, newFakeRDP(rec), opts)

	id, err := o.Connect(context.Background(), "office", testCreds)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	eventually(t, "first vpn poll", func() bool { return v.pollCount() > 0 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	trace, _ := o.Trace(id)
	want := []State{StateConnectingVPN, StateDisconnecting, StateDisconnected}
	if got := states(trace); !reflect.DeepEqual(got, want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}
	if trace[len(trace)-1].Err != nil {
		t.Errorf("cancel should not record an error: %v", trace[len(trace)-1].Err)
	}
	if rec.count("rdp.start") != 0 || rec.count("vpn.stop") != 1 {
		t.Errorf("events = %s", rec)
	}
}

func TestCancel_DuringBlockingStart(t *testing.T) {
	rec := &recorder{}
	v := newFakeVPN(rec, upAfter(1))
	v.blockStart = true
	o := newTestOrchestrator(v, newFakeRDP(rec), testOptions())

	id, err := o.Connect(context.Background(), "office", testCreds)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	eventually(t, "vpn start", func() bool { return rec.count("vpn.start") == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.Disconnect(ctx, id); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	trace, _ := o.Trace(id)
	want := []State{StateConnectingVPN, StateDisconnecting, StateDisconnected}
	if got := states(trace); !reflect.DeepEqual(got, want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}
	if rec.count("vpn.stop") != 0 {
		t.Error("nothing was started, nothing should be stopped")
	}
}

func TestConnected_RDPClosedByUser(t *testing.T) {
	tests := []struct {
		name        string
		code        int
		wantWarning bool
	}{
		{"clean exit", 0, false},
		{"connection lost", 131, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			v := newFakeVPN(rec, upAfter(1))
			r := newFakeRDP(rec)
			o := newTestOrchestrator(v, r, testOptions())

			id, err := o.Connect(context.Background(), "office", testCreds)
			if err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
			waitState(t, o, id, StateConnected)
			r.exit(tt.code)

			trace := finalTrace(t, o, id)
			last := trace[len(trace)-1]
			if last.State != StateDisconnected || last.Err != nil {
				t.Fatalf("final = %s %v, want Disconnected without error", last.State, last.Err)
			}
			if got := len(last.Warnings) > 0; got != tt.wantWarning {
				t.Errorf("warnings = %v", last.Warnings)
			}
			if rec.count("vpn.stop") != 1 {
				t.Errorf("vpn.stop count = %d, want 1", rec.count("vpn.stop"))
			}
			if rec.index("rdp.stop") > rec.index("vpn.stop") {
				t.Errorf("vpn stopped before rdp: %s", rec)
			}
		})
	}
}

func TestConnected_VPNDrops(t *testing.T) {
	rec := &recorder{}
	v := newFakeVPN(rec, upAfter(1))
	r := newFakeRDP(rec)
	o := newTestOrchestrator(v, r, testOptions())

	id, err := o.Connect(context.Background(), "office", testCreds)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitState(t, o, id, StateConnected)
	v.setStatus(always(vpn.StatusReport{Status: vpn.StatusDown, Detail: "openvpn exited with code 1"}))

	trace := finalTrace(t, o, id)
	want := []State{StateConnectingVPN, StateVPNUp, StateConnectingRDP, StateConnected, StateDisconnecting, StateDisconnected}
	if got := states(trace); !reflect.DeepEqual(got, want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}
	for _, snap := range trace[4:] {
		if !errors.Is(snap.Err, common.ErrDriverCrashed) {
			t.Errorf("%s Err = %v, want DriverCrashed", snap.State, snap.Err)
		}
	}
	if rec.index("rdp.stop") < 0 || rec.index("rdp.stop") > rec.index("vpn.stop") {
		t.Errorf("teardown order: %s", rec)
	}
}

func TestConnectingRDP_Failures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *fakeRDP)
		want  error
	}{
		{
			name:  "exits during probe with auth failure",
			setup: func(r *fakeRDP) { r.crash, r.crashCode = true, 132 },
			want:  common.ErrAuthFailed,
		},
		{
			name:  "exits during probe",
			setup: func(r *fakeRDP) { r.crash, r.crashCode = true, 131 },
			want:  common.ErrDriverStartFailed,
		},
		{
			name:  "cannot launch",
			setup: func(r *fakeRDP) { r.startErr = common.Errorf(common.KindDriverStartFailed, "xfreerdp missing") },
			want:  common.ErrDriverStartFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			r := newFakeRDP(rec)
			tt.setup(r)
			o := newTestOrchestrator(newFakeVPN(rec, upAfter(1)), r, testOptions())

			id, err := o.Connect(context.Background(), "office", testCreds)
			if err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
			trace := finalTrace(t, o, id)
			want := []State{StateConnectingVPN, StateVPNUp, StateConnectingRDP, StateFailed}
			if got := states(trace); !reflect.DeepEqual(got, want) {
				t.Fatalf("trace = %v, want %v", got, want)
			}
			if last := trace[len(trace)-1]; !errors.Is(last.Err, tt.want) {
				t.Errorf("Err = %v, want %v", last.Err, tt.want)
			}
			if rec.count("vpn.stop") != 1 {
				t.Errorf("vpn.stop count = %d, want 1", rec.count("vpn.stop"))
			}
		})
	}
}

func TestDisconnect_StopTimeoutBecomesWarning(t *testing.T) {
	rec := &recorder{}
	v := newFakeVPN(rec, upAfter(1))
	v.stopErr = common.Errorf(common.KindStopTimeout, "openvpn did not exit")
	o := newTestOrchestrator(v, newFakeRDP(rec), testOptions())

	id, err := o.Connect(context.Background(), "office", testCreds)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitState(t, o, id, StateConnected)
	if err := o.Disconnect(context.Background(), id); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	info, _ := o.Session(id)
	if info.State != StateDisconnected || info.Err != nil {
		t.Fatalf("session = %s %v", info.State, info.Err)
	}
	if len(info.Warnings) != 1 || !strings.Contains(info.Warnings[0], "StopTimeout") {
		t.Errorf("Warnings = %v", info.Warnings)
	}
}

func TestDisconnect_Semantics(t *testing.T) {
	rec := &recorder{}
	v := newFakeVPN(rec, upAfter(1))
	v.resolveErr = common.Errorf(common.KindConfigInvalid, "missing")
	o := newTestOrchestrator(v, newFakeRDP(rec), testOptions())

	if err := o.Disconnect(context.Background(), "nope"); common.KindOf(err) != common.KindNotFound {
		t.Errorf("Disconnect(unknown) error = %v, want NotFound", err)
	}

	id, err := o.Connect(context.Background(), "office", testCreds)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	finalTrace(t, o, id)

	for i := 0; i < 2; i++ {
		if err := o.Disconnect(context.Background(), id); err != nil {
			t.Errorf("Disconnect(terminal) #%d error = %v", i+1, err)
		}
	}
}

func TestDisconnect_ContextExpires(t *testing.T) {
	rec := &recorder{}
	v := newFakeVPN(rec, upAfter(1))
	opts := testOptions()
	opts.StopGrace = time.Second
	o := newTestOrchestrator(v, newFakeRDP(rec), opts)

	// A slow stop keeps the session in Disconnecting.
	stopping := make(chan struct{})
	slow := &slowStopVPN{fakeVPN: v, release: stopping}
	o.vpns = vpn.NewRegistry(slow)

	id, err := o.Connect(context.Background(), "office", testCreds)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitState(t, o, id, StateConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := o.Disconnect(ctx, id); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Disconnect() error = %v, want deadline exceeded", err)
	}
	close(stopping)
	finalTrace(t, o, id)
}

type slowStopVPN struct {
	*fakeVPN
	release chan struct{}
}

func (s *slowStopVPN) Stop(ctx context.Context, h *vpn.Handle) error {
	<-s.release
	return s.fakeVPN.Stop(ctx, h)
}

func TestSubscribe(t *testing.T) {
	rec := &recorder{}
	o := newTestOrchestrator(newFakeVPN(rec, upAfter(1)), newFakeRDP(rec), testOptions())

	if _, err := o.Subscribe(context.Background(), "nope"); common.KindOf(err) != common.KindNotFound {
		t.Errorf("Subscribe(unknown) error = %v, want NotFound", err)
	}

	id, err := o.Connect(context.Background(), "office", testCreds)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitState(t, o, id, StateConnected)
	o.Disconnect(context.Background(), id)

	first := finalTrace(t, o, id)
	if first[0].State != StateConnectingVPN || first[0].Seq != 1 {
		t.Errorf("trace opens with %s at seq %d, want ConnectingVPN at 1", first[0].State, first[0].Seq)
	}
	for _, snap := range first {
		if snap.State == StateIdle {
			t.Errorf("Idle published at seq %d", snap.Seq)
		}
	}
	second := finalTrace(t, o, id)
	if !reflect.DeepEqual(states(first), states(second)) || len(first) != 6 {
		t.Errorf("replays differ: %v vs %v", states(first), states(second))
	}
}

func TestSubscribe_ClosesWhenContextEnds(t *testing.T) {
	rec := &recorder{}
	v := newFakeVPN(rec, always(vpn.StatusReport{Status: vpn.StatusStarting}))
	opts := testOptions()
	opts.PollAttempts = 100000
	o := newTestOrchestrator(v, newFakeRDP(rec), opts)

	id, err := o.Connect(context.Background(), "office", testCreds)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer o.Disconnect(context.Background(), id)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := o.Subscribe(ctx, id)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if snap := <-ch; snap.State != StateConnectingVPN {
		t.Fatalf("first snapshot = %s", snap.State)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("unexpected snapshot after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after ctx ended")
	}
}

func TestConnect_UnknownProfile(t *testing.T) {
	rec := &recorder{}
	o := newTestOrchestrator(newFakeVPN(rec, upAfter(1)), newFakeRDP(rec), testOptions())

	_, err := o.Connect(context.Background(), "missing", testCreds)
	if common.KindOf(err) != common.KindNotFound || !errors.Is(err, common.ErrProfileNotFound) {
		t.Errorf("Connect() error = %v, want NotFound", err)
	}
	if len(o.Sessions()) != 0 || rec.count("vpn.resolve") != 0 {
		t.Error("unknown profile must not create a session")
	}
}

func TestAcknowledgeAndRetention(t *testing.T) {
	rec := &recorder{}
	v := newFakeVPN(rec, always(vpn.StatusReport{Status: vpn.StatusStarting}))
	opts := testOptions()
	opts.PollAttempts = 100000
	o := newTestOrchestrator(v, newFakeRDP(rec), opts)

	id, err := o.Connect(context.Background(), "office", testCreds)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := o.Acknowledge(id); common.KindOf(err) != common.KindBusy {
		t.Errorf("Acknowledge(active) error = %v, want Busy", err)
	}
	o.Disconnect(context.Background(), id)
	if err := o.Acknowledge(id); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if _, err := o.Session(id); common.KindOf(err) != common.KindNotFound {
		t.Errorf("Session() after Acknowledge error = %v", err)
	}

	v.mu.Lock()
	v.resolveErr = common.Errorf(common.KindConfigInvalid, "missing")
	v.mu.Unlock()

	var ids []string
	for i := 0; i < retainedSessions+2; i++ {
		id, err := o.Connect(context.Background(), "office", testCreds)
		if err != nil {
			t.Fatalf("Connect() #%d error = %v", i, err)
		}
		finalTrace(t, o, id)
		eventually(t, "session retired", func() bool {
			s, err := o.lookup(id)
			if err != nil {
				return true
			}
			select {
			case <-s.done:
				return true
			default:
				return false
			}
		})
		ids = append(ids, id)
	}

	eventually(t, "retention cap", func() bool { return len(o.Sessions()) == retainedSessions })
	if _, err := o.Session(ids[0]); err == nil {
		t.Error("oldest session should have been evicted")
	}
	if _, err := o.Session(ids[len(ids)-1]); err != nil {
		t.Errorf("newest session evicted: %v", err)
	}
}

func TestObservers(t *testing.T) {
	rec := &recorder{}
	var mu sync.Mutex
	var seen []Snapshot
	opts := testOptions()
	opts.Observers = []Observer{ObserverFunc(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})}
	o := newTestOrchestrator(newFakeVPN(rec, upAfter(1)), newFakeRDP(rec), opts)

	id, err := o.Connect(context.Background(), "office", testCreds)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitState(t, o, id, StateConnected)
	o.Disconnect(context.Background(), id)

	trace, _ := o.Trace(id)
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(states(seen), states(trace)) {
		t.Errorf("observed %v, trace %v", states(seen), states(trace))
	}
}

func TestConnect_RouteWarning(t *testing.T) {
	tests := []struct {
		profile string
		covered bool
		known   bool
		warn    bool
	}{
		{"office", false, true, true},
		{"office", true, true, false},
		{"office", false, false, false},
		{"lab", false, true, false},
	}

	for _, tt := range tests {
		rec := &recorder{}
		v := newFakeVPN(rec, upAfter(1))
		v.covered, v.known = tt.covered, tt.known
		o := newTestOrchestrator(v, newFakeRDP(rec), testOptions())

		id, err := o.Connect(context.Background(), tt.profile, testCreds)
		if err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		waitState(t, o, id, StateConnected)
		info, _ := o.Session(id)
		o.Disconnect(context.Background(), id)

		got := len(info.Warnings) == 1 && strings.Contains(info.Warnings[0], "not routed")
		if got != tt.warn {
			t.Errorf("%s covered=%v known=%v: warnings = %v", tt.profile, tt.covered, tt.known, info.Warnings)
		}
	}
}

func TestTraffic(t *testing.T) {
	rec := &recorder{}
	o := newTestOrchestrator(newFakeVPN(rec, upAfter(1)), newFakeRDP(rec), testOptions())

	if _, err := o.Traffic(context.Background()); common.KindOf(err) != common.KindNotFound {
		t.Errorf("Traffic() without session error = %v, want NotFound", err)
	}

	id, err := o.Connect(context.Background(), "office", testCreds)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitState(t, o, id, StateConnected)
	defer o.Disconnect(context.Background(), id)

	tr, err := o.Traffic(context.Background())
	if err != nil || tr.BytesIn != 2048 || tr.BytesOut != 512 {
		t.Errorf("Traffic() = %+v, %v", tr, err)
	}
}

func TestShutdown(t *testing.T) {
	rec := &recorder{}
	o := newTestOrchestrator(newFakeVPN(rec, upAfter(1)), newFakeRDP(rec), testOptions())

	id, err := o.Connect(context.Background(), "office", testCreds)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitState(t, o, id, StateConnected)

	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if info, _ := o.Session(id); info.State != StateDisconnected {
		t.Errorf("state after Shutdown = %s", info.State)
	}
	if _, err := o.Connect(context.Background(), "office", testCreds); common.KindOf(err) != common.KindCancelled {
		t.Errorf("Connect() after Shutdown error = %v, want Cancelled", err)
	}
}
