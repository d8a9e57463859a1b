package vpn

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rjeffmyers/vpnrdp/common"
	"github.com/rjeffmyers/vpnrdp/process"
	"github.com/rjeffmyers/vpnrdp/profile"
)

// Output markers printed by openvpn.
const (
	initCompleteMarker = "Initialization Sequence Completed"
	authFailedMarker   = "AUTH_FAILED"
)

// tunnelDevPrefix names the tun devices created by the driver.
const tunnelDevPrefix = "vpnrdp"

// TunnelOptions configures a TunnelDriver.
type TunnelOptions struct {
	// Binary is the openvpn binary; empty means "openvpn" on PATH.
	Binary string
	// PrivilegeHelper is prepended to the command line, e.g. "pkexec".
	PrivilegeHelper string
	// ConfigDirs are searched in order for config names.
	ConfigDirs []string
	// CredentialsDir holds temporary auth-user-pass files.
	CredentialsDir string
}

// TunnelDriver runs the classic openvpn client as a long-lived process.
type TunnelDriver struct {
	runner process.Runner
	opts   TunnelOptions

	// hasAddress reports whether a network interface carries an address.
	hasAddress func(iface string) bool
	// sysNet is the sysfs directory holding interface statistics.
	sysNet string

	mu      sync.Mutex
	devUsed map[string]bool
}

var (
	_ Driver        = (*TunnelDriver)(nil)
	_ RouteChecker  = (*TunnelDriver)(nil)
	_ ConfigLister  = (*TunnelDriver)(nil)
	_ TrafficReader = (*TunnelDriver)(nil)
)

// NewTunnelDriver creates a TunnelDriver.
func NewTunnelDriver(runner process.Runner, opts TunnelOptions) *TunnelDriver {
	if opts.Binary == "" {
		opts.Binary = "openvpn"
	}
	if opts.CredentialsDir == "" {
		opts.CredentialsDir = filepath.Join(os.TempDir(), common.ConfigDirName)
	}
	return &TunnelDriver{
		runner:     runner,
		opts:       opts,
		hasAddress: interfaceHasAddress,
		sysNet:     "/sys/class/net",
		devUsed:    make(map[string]bool),
	}
}

// Kind implements Driver.
func (d *TunnelDriver) Kind() profile.VPNKind {
	return profile.KindTunnel
}

// Resolve implements Driver. Paths are used as given; bare names are
// looked up in the config directories with and without extensions.
func (d *TunnelDriver) Resolve(ctx context.Context, configRef string) (string, error) {
	if configRef == "" {
		return "", common.Errorf(common.KindConfigInvalid, "empty tunnel config reference")
	}

	var candidates []string
	ref := common.ExpandHome(configRef)
	if filepath.IsAbs(ref) || strings.ContainsRune(ref, os.PathSeparator) {
		candidates = append(candidates, ref)
	} else {
		for _, dir := range d.opts.ConfigDirs {
			dir = common.ExpandHome(dir)
			for _, name := range []string{ref, ref + ".ovpn", ref + ".conf"} {
				candidates = append(candidates, filepath.Join(dir, name))
			}
		}
	}

	for _, path := range candidates {
		if !common.FileExists(path) {
			continue
		}
		if _, err := ParseClientConfigFile(path); err != nil {
			return "", common.NewError(common.KindConfigInvalid, path, err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", common.NewError(common.KindConfigInvalid, path, err)
		}
		return abs, nil
	}

	return "", common.Errorf(common.KindConfigInvalid, "tunnel config %q not found in %s",
		configRef, strings.Join(d.opts.ConfigDirs, ", "))
}

// Start implements Driver.
func (d *TunnelDriver) Start(ctx context.Context, configRef, username, password string) (*Handle, error) {
	cfg, err := ParseClientConfigFile(configRef)
	if err != nil {
		return nil, common.NewError(common.KindConfigInvalid, configRef, err)
	}

	bin, err := d.runner.LookPath(d.opts.Binary)
	if err != nil {
		return nil, common.NewError(common.KindDriverStartFailed, "openvpn not installed", err)
	}

	credFile := ""
	if username != "" {
		credFile, err = d.writeCredentials(username, password)
		if err != nil {
			return nil, common.NewError(common.KindDriverStartFailed, "writing credentials file", err)
		}
	}

	dev := d.allocDev()
	args := []string{
		"--config", configRef,
		"--dev", dev,
		"--dev-type", cfg.DevType(),
		"--verb", "3",
	}
	if credFile != "" {
		args = append(args, "--auth-user-pass", credFile)
	}

	cmd := process.Command{Name: bin, Args: args}
	if helper := strings.Fields(d.opts.PrivilegeHelper); len(helper) > 0 {
		cmd = process.Command{Name: helper[0], Args: append(append(helper[1:], bin), args...)}
	}

	h := &Handle{
		Kind:      profile.KindTunnel,
		ConfigRef: configRef,
		ID:        dev,
		StartedAt: time.Now(),
		credFile:  credFile,
	}

	common.LogInfo("VPN: Starting tunnel %s with %s", dev, filepath.Base(configRef))
	common.LogDebug("VPN: Command: %s", cmd)

	proc, err := d.runner.Start(cmd, func(line string) { d.onLine(h, line) })
	if err != nil {
		d.releaseDev(dev)
		removeFile(credFile)
		return nil, common.NewError(common.KindDriverStartFailed, "starting openvpn", err)
	}
	h.proc = proc
	return h, nil
}

// onLine watches openvpn output for readiness and auth failures.
func (d *TunnelDriver) onLine(h *Handle, line string) {
	common.LogDebug("OpenVPN[%s]: %s", h.ID, line)

	switch {
	case strings.Contains(line, initCompleteMarker):
		common.LogInfo("VPN: Tunnel %s initialization completed", h.ID)
		h.mu.Lock()
		h.initDone = true
		h.mu.Unlock()
	case strings.Contains(line, authFailedMarker):
		common.LogWarn("VPN: Authentication failed on %s", h.ID)
		h.mu.Lock()
		h.authFailed = true
		h.mu.Unlock()
	}
}

// Status implements Driver.
func (d *TunnelDriver) Status(ctx context.Context, h *Handle) StatusReport {
	h.mu.Lock()
	initDone, authFailed, stopped := h.initDone, h.authFailed, h.stopped
	h.mu.Unlock()

	if authFailed {
		return StatusReport{
			Status: StatusError,
			Detail: "server rejected credentials",
			Err:    common.Errorf(common.KindAuthFailed, "openvpn reported AUTH_FAILED"),
		}
	}
	if stopped || h.proc == nil {
		return StatusReport{Status: StatusDown, Detail: "stopped"}
	}
	if !h.proc.Running() {
		detail := fmt.Sprintf("openvpn exited with code %d", h.proc.ExitCode())
		if tail := h.proc.Tail(); len(tail) > 0 {
			detail += ": " + tail[len(tail)-1]
		}
		return StatusReport{Status: StatusDown, Detail: detail}
	}
	if initDone && d.hasAddress(h.ID) {
		return StatusReport{Status: StatusUp, Detail: h.ID}
	}
	if initDone {
		return StatusReport{Status: StatusStarting, Detail: "waiting for address on " + h.ID}
	}
	return StatusReport{Status: StatusStarting, Detail: "negotiating"}
}

// Stop implements Driver.
func (d *TunnelDriver) Stop(ctx context.Context, h *Handle) error {
	if h == nil || h.Stopped() {
		return nil
	}

	var err error
	if h.proc != nil {
		err = h.proc.Terminate(ctx)
	}
	removeFile(h.credFile)
	if err != nil {
		return err
	}

	d.releaseDev(h.ID)
	h.markStopped()
	common.LogInfo("VPN: Tunnel %s stopped", h.ID)
	return nil
}

// Covers implements RouteChecker for IP-literal hosts.
func (d *TunnelDriver) Covers(ctx context.Context, configRef, host string) (bool, bool, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false, false, nil
	}
	cfg, err := ParseClientConfigFile(configRef)
	if err != nil {
		return false, false, err
	}
	set, declared, err := cfg.RouteSet()
	if err != nil || !declared {
		return false, false, err
	}
	return set.Contains(addr.Unmap()), true, nil
}

// ListConfigs implements ConfigLister.
func (d *TunnelDriver) ListConfigs(ctx context.Context) ([]ConfigInfo, error) {
	var out []ConfigInfo
	for _, dir := range d.opts.ConfigDirs {
		dir = common.ExpandHome(dir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if e.IsDir() || (ext != ".ovpn" && ext != ".conf") {
				continue
			}
			out = append(out, ConfigInfo{Kind: profile.KindTunnel, Ref: e.Name(), Source: dir})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, nil
}

// allocDev picks the lowest free vpnrdpN device name.
func (d *TunnelDriver) allocDev() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; ; i++ {
		name := fmt.Sprintf("%s%d", tunnelDevPrefix, i)
		if d.devUsed[name] {
			continue
		}
		if _, err := net.InterfaceByName(name); err == nil {
			continue
		}
		d.devUsed[name] = true
		return name
	}
}

func (d *TunnelDriver) releaseDev(name string) {
	d.mu.Lock()
	delete(d.devUsed, name)
	d.mu.Unlock()
}

// writeCredentials creates a private auth-user-pass file.
func (d *TunnelDriver) writeCredentials(username, password string) (string, error) {
	if err := os.MkdirAll(d.opts.CredentialsDir, 0700); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(d.opts.CredentialsDir, "cred-*")
	if err != nil {
		return "", err
	}
	if err := f.Chmod(0600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if _, err := fmt.Fprintf(f, "%s\n%s\n", username, password); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// Traffic implements TrafficReader from the tun device's kernel counters.
func (d *TunnelDriver) Traffic(ctx context.Context, h *Handle) (Traffic, error) {
	rx, err := readCounter(filepath.Join(d.sysNet, h.ID, "statistics", "rx_bytes"))
	if err != nil {
		return Traffic{}, err
	}
	tx, err := readCounter(filepath.Join(d.sysNet, h.ID, "statistics", "tx_bytes"))
	if err != nil {
		return Traffic{}, err
	}
	return Traffic{BytesIn: rx, BytesOut: tx}, nil
}

func readCounter(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

func removeFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		common.LogWarn("VPN: Could not remove %s: %v", path, err)
	}
}

func interfaceHasAddress(name string) bool {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return false
	}
	addrs, err := iface.Addrs()
	return err == nil && len(addrs) > 0
}
