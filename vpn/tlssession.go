package vpn

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rjeffmyers/vpnrdp/common"
	"github.com/rjeffmyers/vpnrdp/process"
	"github.com/rjeffmyers/vpnrdp/profile"
)

var sessionPathPattern = regexp.MustCompile(`/net/openvpn/v3/sessions/[a-f0-9s]+`)

// TLSSessionOptions configures a TLSSessionDriver.
type TLSSessionOptions struct {
	// Binary is the openvpn3 binary; empty means "openvpn3" on PATH.
	Binary string
	// StartTimeout bounds a single session-start call.
	StartTimeout time.Duration
	// QueryTimeout bounds sessions-list, session-stats and configs-list.
	QueryTimeout time.Duration
}

// TLSSessionDriver manages sessions through the openvpn3 command line.
type TLSSessionDriver struct {
	runner process.Runner
	opts   TLSSessionOptions
}

var (
	_ Driver        = (*TLSSessionDriver)(nil)
	_ TrafficReader = (*TLSSessionDriver)(nil)
	_ ConfigLister  = (*TLSSessionDriver)(nil)
)

// NewTLSSessionDriver creates a TLSSessionDriver.
func NewTLSSessionDriver(runner process.Runner, opts TLSSessionOptions) *TLSSessionDriver {
	if opts.Binary == "" {
		opts.Binary = "openvpn3"
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = common.TLSStartTimeout
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = common.ManagementTimeout
	}
	return &TLSSessionDriver{runner: runner, opts: opts}
}

// Kind implements Driver.
func (d *TLSSessionDriver) Kind() profile.VPNKind {
	return profile.KindTLSSession
}

func (d *TLSSessionDriver) run(ctx context.Context, timeout time.Duration, stdin string, args ...string) (process.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.runner.Run(ctx, process.Command{Name: d.opts.Binary, Args: args, Stdin: stdin})
}

// startError maps a failed invocation onto an error kind.
func startError(ctx context.Context, what string, err error) error {
	switch {
	case process.IsNotFound(err):
		return common.NewError(common.KindDriverStartFailed, "openvpn3 not installed", err)
	case ctx.Err() != nil:
		return common.NewError(common.KindCancelled, what, ctx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		return common.NewError(common.KindTimeout, what, err)
	default:
		return common.NewError(common.KindDriverStartFailed, what, err)
	}
}

// Resolve implements Driver. An existing config file is accepted as is;
// otherwise the reference must be in the openvpn3 import registry.
func (d *TLSSessionDriver) Resolve(ctx context.Context, configRef string) (string, error) {
	if configRef == "" {
		return "", common.Errorf(common.KindConfigInvalid, "empty tls-session config reference")
	}
	if path := common.ExpandHome(configRef); common.FileExists(path) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", common.NewError(common.KindConfigInvalid, path, err)
		}
		return abs, nil
	}

	res, err := d.run(ctx, d.opts.QueryTimeout, "", "configs-list")
	if err != nil {
		return "", startError(ctx, "configs-list", err)
	}
	if res.ExitCode != 0 {
		return "", common.Errorf(common.KindConfigInvalid, "configs-list failed: %s", strings.TrimSpace(res.Combined()))
	}
	for _, name := range parseConfigsList(res.Stdout) {
		if name == configRef {
			return configRef, nil
		}
	}
	return "", common.Errorf(common.KindConfigInvalid, "config %q is not imported into openvpn3", configRef)
}

// Start implements Driver. Credentials are written to session-start's
// stdin, never to its arguments. The session lives in the openvpn3 daemon,
// so a failure after the daemon printed a session path disconnects that
// session before returning.
func (d *TLSSessionDriver) Start(ctx context.Context, configRef, username, password string) (*Handle, error) {
	common.LogInfo("VPN: Starting openvpn3 session for %s", configRef)

	stdin := username + "\n" + password + "\n"
	res, err := d.run(ctx, d.opts.StartTimeout, stdin, "session-start", "--config", configRef)
	out := res.Combined()
	if err != nil {
		d.abandon(out)
		return nil, startError(ctx, "session-start", err)
	}

	if isAuthFailure(out) {
		d.abandon(out)
		return nil, common.Errorf(common.KindAuthFailed, "openvpn3 rejected credentials for %s", configRef)
	}
	if res.ExitCode != 0 {
		d.abandon(out)
		return nil, common.Errorf(common.KindDriverStartFailed, "session-start exited with code %d: %s",
			res.ExitCode, lastLine(out))
	}

	path := parseSessionPath(out)
	if path == "" {
		return nil, common.Errorf(common.KindDriverStartFailed, "session-start printed no session path")
	}
	common.LogInfo("VPN: Session started at %s", path)

	return &Handle{
		Kind:      profile.KindTLSSession,
		ConfigRef: configRef,
		ID:        path,
		StartedAt: time.Now(),
	}, nil
}

// abandon disconnects the session named in a failed session-start's output.
// It runs on its own bounded context because the start context is usually
// the one that was cancelled.
func (d *TLSSessionDriver) abandon(out string) {
	path := parseSessionPath(out)
	if path == "" {
		return
	}
	common.LogWarn("VPN: session-start failed after creating %s, disconnecting it", path)

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.QueryTimeout)
	defer cancel()
	res, err := d.runner.Run(ctx, process.Command{
		Name: d.opts.Binary,
		Args: []string{"session-manage", "--session-path", path, "--disconnect"},
	})
	switch {
	case err != nil:
		common.LogError("VPN: Failed to disconnect abandoned session %s: %v", path, err)
	case res.ExitCode != 0:
		common.LogError("VPN: Failed to disconnect abandoned session %s: %s", path, lastLine(res.Combined()))
	}
}

// Status implements Driver.
func (d *TLSSessionDriver) Status(ctx context.Context, h *Handle) StatusReport {
	if h.Stopped() {
		return StatusReport{Status: StatusDown, Detail: "stopped"}
	}

	res, err := d.run(ctx, d.opts.QueryTimeout, "", "sessions-list")
	if err != nil {
		// A slow daemon is not a verdict; try again next poll
		return StatusReport{Status: StatusStarting, Detail: "sessions-list: " + err.Error()}
	}

	block, ok := findSessionBlock(res.Stdout, h.ID)
	if !ok {
		return StatusReport{Status: StatusDown, Detail: "session no longer listed"}
	}
	status := sessionStatus(block)
	switch {
	case isAuthFailure(status):
		return StatusReport{
			Status: StatusError,
			Detail: status,
			Err:    common.Errorf(common.KindAuthFailed, "openvpn3: %s", status),
		}
	case strings.Contains(status, "Client connected"):
		return StatusReport{Status: StatusUp, Detail: status}
	case strings.Contains(strings.ToLower(status), "disconnected") || strings.Contains(status, "Connection failed"):
		return StatusReport{
			Status: StatusError,
			Detail: status,
			Err:    common.Errorf(common.KindDriverCrashed, "openvpn3: %s", status),
		}
	default:
		return StatusReport{Status: StatusStarting, Detail: status}
	}
}

// Stop implements Driver. A session that is already gone counts as stopped.
func (d *TLSSessionDriver) Stop(ctx context.Context, h *Handle) error {
	if h == nil || h.Stopped() {
		return nil
	}

	res, err := d.runner.Run(ctx, process.Command{
		Name: d.opts.Binary,
		Args: []string{"session-manage", "--session-path", h.ID, "--disconnect"},
	})
	if err != nil {
		if process.IsNotFound(err) {
			return common.NewError(common.KindDriverStartFailed, "openvpn3 not installed", err)
		}
		return common.NewError(common.KindStopTimeout, "session-manage "+h.ID, err)
	}

	if res.ExitCode != 0 {
		if st := d.Status(ctx, h); st.Status != StatusDown {
			return fmt.Errorf("disconnecting %s: %s", h.ID, lastLine(res.Combined()))
		}
	}

	h.markStopped()
	common.LogInfo("VPN: Session %s disconnected", h.ID)
	return nil
}

// Traffic implements TrafficReader.
func (d *TLSSessionDriver) Traffic(ctx context.Context, h *Handle) (Traffic, error) {
	res, err := d.run(ctx, d.opts.QueryTimeout, "", "session-stats", "--session-path", h.ID)
	if err != nil {
		return Traffic{}, err
	}
	if res.ExitCode != 0 {
		return Traffic{}, fmt.Errorf("session-stats exited with code %d", res.ExitCode)
	}
	return parseSessionStats(res.Stdout), nil
}

// ListConfigs implements ConfigLister.
func (d *TLSSessionDriver) ListConfigs(ctx context.Context) ([]ConfigInfo, error) {
	res, err := d.run(ctx, d.opts.QueryTimeout, "", "configs-list")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("configs-list exited with code %d", res.ExitCode)
	}
	var out []ConfigInfo
	for _, name := range parseConfigsList(res.Stdout) {
		out = append(out, ConfigInfo{Kind: profile.KindTLSSession, Ref: name, Source: "openvpn3"})
	}
	return out, nil
}

// parseSessionPath extracts the D-Bus session path from session-start output.
func parseSessionPath(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if _, after, ok := strings.Cut(line, "Session path:"); ok {
			if p := strings.TrimSpace(after); p != "" {
				return p
			}
		}
	}
	return sessionPathPattern.FindString(out)
}

// parseConfigsList returns config names or paths from configs-list output.
// The first two lines are headers; dashed lines separate entries.
func parseConfigsList(out string) []string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) <= 2 {
		return nil
	}
	var names []string
	for _, line := range lines[2:] {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		if fields := strings.Fields(line); len(fields) > 0 {
			names = append(names, fields[0])
		}
	}
	return names
}

// findSessionBlock returns the sessions-list entry for path.
func findSessionBlock(out, path string) (string, bool) {
	var block []string
	flush := func() (string, bool) {
		text := strings.Join(block, "\n")
		block = block[:0]
		for _, l := range strings.Split(text, "\n") {
			if _, after, ok := strings.Cut(l, "Path:"); ok && strings.TrimSpace(after) == path {
				return text, true
			}
		}
		return "", false
	}

	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "---") {
			if text, ok := flush(); ok {
				return text, true
			}
			continue
		}
		block = append(block, line)
	}
	return flush()
}

// sessionStatus returns the Status field of a sessions-list entry.
func sessionStatus(block string) string {
	for _, line := range strings.Split(block, "\n") {
		if key, value, ok := strings.Cut(line, ":"); ok && strings.TrimSpace(key) == "Status" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// parseSessionStats reads BYTES_IN and BYTES_OUT, ignoring the TUN_
// counters. Lines look like "BYTES_IN.......12345".
func parseSessionStats(out string) Traffic {
	var t Traffic
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "TUN_") {
			continue
		}
		idx := strings.LastIndex(line, ".")
		if idx < 0 {
			continue
		}
		value, err := strconv.ParseUint(strings.TrimSpace(line[idx+1:]), 10, 64)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(line, "BYTES_IN"):
			t.BytesIn = value
		case strings.HasPrefix(line, "BYTES_OUT"):
			t.BytesOut = value
		}
	}
	return t
}

func isAuthFailure(s string) bool {
	return strings.Contains(s, authFailedMarker) || strings.Contains(strings.ToLower(s), "authentication failed")
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
