package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/rjeffmyers/vpnrdp/common"
	"github.com/rjeffmyers/vpnrdp/credentials"
	"github.com/rjeffmyers/vpnrdp/history"
	"github.com/rjeffmyers/vpnrdp/orchestrator"
	"github.com/rjeffmyers/vpnrdp/profile"
	"github.com/rjeffmyers/vpnrdp/stats"
)

func init() {
	bcryptCost = bcrypt.MinCost
}

type fakeSessions struct {
	mu        sync.Mutex
	connectFn func(name string) (string, error)
	lastCreds credentials.Credentials
	infos     map[string]orchestrator.Info
	trace     []orchestrator.Snapshot
	disconn   error
	ackErr    error
}

func (f *fakeSessions) Connect(ctx context.Context, name string, creds credentials.Credentials) (string, error) {
	f.mu.Lock()
	f.lastCreds = creds
	f.mu.Unlock()
	return f.connectFn(name)
}

func (f *fakeSessions) Disconnect(ctx context.Context, id string) error {
	if f.disconn != nil {
		return f.disconn
	}
	if _, ok := f.infos[id]; !ok {
		return common.NewError(common.KindNotFound, id, common.ErrSessionNotFound)
	}
	return nil
}

func (f *fakeSessions) Subscribe(ctx context.Context, id string) (<-chan orchestrator.Snapshot, error) {
	if _, ok := f.infos[id]; !ok {
		return nil, common.NewError(common.KindNotFound, id, common.ErrSessionNotFound)
	}
	ch := make(chan orchestrator.Snapshot, len(f.trace))
	for _, s := range f.trace {
		ch <- s
	}
	close(ch)
	return ch, nil
}

func (f *fakeSessions) Session(id string) (orchestrator.Info, error) {
	in, ok := f.infos[id]
	if !ok {
		return orchestrator.Info{}, common.NewError(common.KindNotFound, id, common.ErrSessionNotFound)
	}
	return in, nil
}

func (f *fakeSessions) Sessions() []orchestrator.Info {
	out := make([]orchestrator.Info, 0, len(f.infos))
	for _, in := range f.infos {
		out = append(out, in)
	}
	return out
}

func (f *fakeSessions) Active() (orchestrator.Info, bool) {
	for _, in := range f.infos {
		if !in.State.Terminal() {
			return in, true
		}
	}
	return orchestrator.Info{}, false
}

func (f *fakeSessions) Acknowledge(id string) error {
	return f.ackErr
}

type fakeProfiles map[string]*profile.Profile

func (f fakeProfiles) List() []*profile.Profile {
	out := make([]*profile.Profile, 0, len(f))
	for _, p := range f {
		out = append(out, p)
	}
	return out
}

func (f fakeProfiles) Get(name string) (*profile.Profile, error) {
	if p, ok := f[name]; ok {
		return p, nil
	}
	return nil, common.ErrProfileNotFound
}

type fakeCreds struct {
	creds   credentials.Credentials
	missing []credentials.Kind
}

func (f fakeCreds) ResolveAll(p *profile.Profile) (credentials.Credentials, []credentials.Kind, error) {
	return f.creds, f.missing, nil
}

type fakeTraffic struct{ samples []stats.Sample }

func (f fakeTraffic) Latest() (stats.Sample, bool) {
	if len(f.samples) == 0 {
		return stats.Sample{}, false
	}
	return f.samples[len(f.samples)-1], true
}

func (f fakeTraffic) History() []stats.Sample { return f.samples }

type fakeHistory struct{ limit int }

func (f *fakeHistory) Recent(ctx context.Context, limit int) ([]history.Entry, error) {
	f.limit = limit
	return []history.Entry{{ID: "s1", Profile: "office", State: "Disconnected"}}, nil
}

func newTestServer(t *testing.T, sessions *fakeSessions, opts Options) *httptest.Server {
	t.Helper()
	if opts.Profiles == nil {
		opts.Profiles = fakeProfiles{
			"office": profile.New("office", profile.KindTunnel, "/etc/openvpn/office.ovpn", "10.20.0.5"),
		}
	}
	srv := httptest.NewServer(New(sessions, opts).Router())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestToken(t *testing.T) {
	token, hash, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	if len(token) != 64 {
		t.Errorf("token length = %d, want 64", len(token))
	}
	if !CheckToken(hash, token) {
		t.Error("generated token does not match its hash")
	}
	if CheckToken(hash, token+"x") {
		t.Error("wrong token accepted")
	}
	if CheckToken("", token) {
		t.Error("empty hash accepted")
	}
}

func TestAuth(t *testing.T) {
	token, hash, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, &fakeSessions{}, Options{TokenHash: hash})

	tests := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{"healthz is open", "/healthz", "", http.StatusOK},
		{"missing token", "/api/status", "", http.StatusUnauthorized},
		{"wrong token", "/api/status", "nope", http.StatusUnauthorized},
		{"valid token", "/api/status", token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodGet, srv.URL+tt.path, tt.token)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	sessions := &fakeSessions{infos: map[string]orchestrator.Info{
		"s1": {ID: "s1", Profile: "office", State: orchestrator.StateConnected},
	}}
	traffic := fakeTraffic{samples: []stats.Sample{{BytesIn: 10}, {BytesIn: 20, RateIn: 5}}}
	srv := newTestServer(t, sessions, Options{Traffic: traffic})

	resp := do(t, http.MethodGet, srv.URL+"/api/status", "")
	var body struct {
		Active  map[string]any `json:"active"`
		Traffic stats.Sample   `json:"traffic"`
		Samples []stats.Sample `json:"samples"`
	}
	decode(t, resp, &body)

	if body.Active["state"] != "Connected" {
		t.Errorf("active state = %v, want Connected", body.Active["state"])
	}
	if body.Traffic.BytesIn != 20 || len(body.Samples) != 2 {
		t.Errorf("traffic = %+v samples=%d", body.Traffic, len(body.Samples))
	}
}

func TestConnect(t *testing.T) {
	tests := []struct {
		name    string
		profile string
		missing []credentials.Kind
		err     error
		status  int
	}{
		{"accepted", "office", nil, nil, http.StatusAccepted},
		{"unknown profile", "nope", nil, nil, http.StatusNotFound},
		{"missing secrets", "office", []credentials.Kind{credentials.KindRDP}, nil, http.StatusConflict},
		{"busy", "office", nil, common.NewError(common.KindBusy, "office", nil), http.StatusConflict},
		{"invalid config", "office", nil, common.Errorf(common.KindConfigInvalid, "bad"), http.StatusUnprocessableEntity},
		{"shutting down", "office", nil, common.NewError(common.KindCancelled, "", nil), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := &fakeSessions{connectFn: func(string) (string, error) {
				if tt.err != nil {
					return "", tt.err
				}
				return "s1", nil
			}}
			creds := fakeCreds{
				creds:   credentials.Credentials{RDPPassword: "pw"},
				missing: tt.missing,
			}
			srv := newTestServer(t, sessions, Options{Credentials: creds})

			resp := do(t, http.MethodPost, srv.URL+"/api/profiles/"+tt.profile+"/connect", "")
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.status != http.StatusAccepted {
				return
			}
			var body map[string]string
			decode(t, resp, &body)
			if body["session_id"] != "s1" {
				t.Errorf("session_id = %q", body["session_id"])
			}
			if sessions.lastCreds.RDPPassword != "pw" {
				t.Errorf("connect got creds %+v", sessions.lastCreds)
			}
		})
	}
}

func TestSessionEndpoints(t *testing.T) {
	sessions := &fakeSessions{infos: map[string]orchestrator.Info{
		"s1": {
			ID:      "s1",
			Profile: "office",
			State:   orchestrator.StateFailed,
			Err:     common.Errorf(common.KindAuthFailed, "bad password"),
		},
	}}
	srv := newTestServer(t, sessions, Options{})

	resp := do(t, http.MethodGet, srv.URL+"/api/sessions/s1", "")
	var body map[string]any
	decode(t, resp, &body)
	if body["error_kind"] != "AuthFailed" || body["state"] != "Failed" {
		t.Errorf("session body = %v", body)
	}

	if resp := do(t, http.MethodGet, srv.URL+"/api/sessions/missing", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing session status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, srv.URL+"/api/sessions/s1/disconnect", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("disconnect status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodDelete, srv.URL+"/api/sessions/s1", ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("acknowledge status = %d", resp.StatusCode)
	}

	sessions.ackErr = common.NewError(common.KindBusy, "s1", nil)
	if resp := do(t, http.MethodDelete, srv.URL+"/api/sessions/s1", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("acknowledge active status = %d", resp.StatusCode)
	}

	sessions.disconn = context.DeadlineExceeded
	if resp := do(t, http.MethodPost, srv.URL+"/api/sessions/s1/disconnect", ""); resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("slow disconnect status = %d", resp.StatusCode)
	}
}

func TestEvents(t *testing.T) {
	now := time.Now()
	sessions := &fakeSessions{
		infos: map[string]orchestrator.Info{"s1": {ID: "s1"}},
		trace: []orchestrator.Snapshot{
			{SessionID: "s1", State: orchestrator.StateConnectingVPN, Seq: 1, At: now},
			{SessionID: "s1", State: orchestrator.StateFailed, Seq: 2, At: now,
				Err: common.Errorf(common.KindTimeout, "vpn")},
		},
	}
	srv := newTestServer(t, sessions, Options{})

	resp := do(t, http.MethodGet, srv.URL+"/api/sessions/s1/events", "")
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var events []string
	var last map[string]any
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			last = nil
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &last); err != nil {
				t.Fatal(err)
			}
		}
	}
	if strings.Join(events, ",") != "ConnectingVPN,Failed" {
		t.Errorf("events = %v", events)
	}
	if last["error_kind"] != "Timeout" {
		t.Errorf("last event = %v", last)
	}

	if resp := do(t, http.MethodGet, srv.URL+"/api/sessions/nope/events", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d", resp.StatusCode)
	}
}

func TestHistory(t *testing.T) {
	hist := &fakeHistory{}
	srv := newTestServer(t, &fakeSessions{}, Options{History: hist})

	resp := do(t, http.MethodGet, srv.URL+"/api/history?limit=5", "")
	var entries []history.Entry
	decode(t, resp, &entries)
	if len(entries) != 1 || hist.limit != 5 {
		t.Errorf("entries=%d limit=%d", len(entries), hist.limit)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/api/history?limit=x", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", resp.StatusCode)
	}

	noHist := newTestServer(t, &fakeSessions{}, Options{})
	if resp := do(t, http.MethodGet, noHist.URL+"/api/history", ""); resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("disabled history status = %d", resp.StatusCode)
	}
}

func TestCheckListen(t *testing.T) {
	tests := []struct {
		addr    string
		hash    string
		wantErr bool
	}{
		{"127.0.0.1:7439", "", false},
		{"[::1]:7439", "", false},
		{"localhost:7439", "", false},
		{"0.0.0.0:7439", "", true},
		{"192.168.1.5:7439", "", true},
		{"192.168.1.5:7439", "$2a$04$hash", false},
		{"nonsense", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			err := CheckListen(tt.addr, tt.hash)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckListen(%q) = %v, wantErr %v", tt.addr, err, tt.wantErr)
			}
		})
	}
}
