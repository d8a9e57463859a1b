// Package rdp launches and supervises the FreeRDP client for a session.
package rdp

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rjeffmyers/vpnrdp/common"
	"github.com/rjeffmyers/vpnrdp/process"
	"github.com/rjeffmyers/vpnrdp/profile"
)

// FreeRDP exit codes that mean the server rejected the login.
const (
	exitAuthFailure   = 132
	exitLogonFailure  = 134
	exitAccountLocked = 135
)

// Target is everything needed to open one remote desktop.
type Target struct {
	Host     string
	Username string
	Password string
	Domain   string
	Display  profile.Display
	Advanced profile.Advanced
}

// TargetFor builds the Target of a profile.
func TargetFor(p *profile.Profile, password string) Target {
	return Target{
		Host:     p.RDPHost,
		Username: p.RDPUsername,
		Password: password,
		Domain:   p.RDPDomain,
		Display:  p.Display,
		Advanced: p.Advanced,
	}
}

// Handle identifies a started RDP client.
type Handle struct {
	Host      string
	StartedAt time.Time

	proc    *process.Process
	mu      sync.Mutex
	stopped bool
}

// Pid returns the client's process id.
func (h *Handle) Pid() int {
	return h.proc.Pid()
}

// ExitCode returns the client's exit code, or -1 while it runs.
func (h *Handle) ExitCode() int {
	return h.proc.ExitCode()
}

// Signaled returns the signal that killed the client, if one did.
func (h *Handle) Signaled() (syscall.Signal, bool) {
	return h.proc.Signaled()
}

// LastOutput returns the last line the client printed.
func (h *Handle) LastOutput() string {
	tail := h.proc.Tail()
	if len(tail) == 0 {
		return ""
	}
	return tail[len(tail)-1]
}

// Done is closed when the client exits.
func (h *Handle) Done() <-chan struct{} {
	return h.proc.Done()
}

// Driver starts and stops the remote desktop client.
type Driver interface {
	// Start launches the client. It returns once the process exists; it
	// does not wait for the remote desktop to open.
	Start(ctx context.Context, t Target) (*Handle, error)
	// IsRunning reports whether the client process is alive.
	IsRunning(h *Handle) bool
	// Stop terminates the client. Stopping an exited client returns nil.
	Stop(ctx context.Context, h *Handle) error
	// ExitReason describes why an exited client stopped. It is nil while
	// the client runs and after a clean exit.
	ExitReason(h *Handle, duringStartup bool) *common.KindError
}

// Options configures FreeRDP.
type Options struct {
	// Binary overrides the xfreerdp3/xfreerdp lookup.
	Binary string
	// HomeDir is shared when Advanced.RedirectHome is set. Defaults to
	// the user's home directory.
	HomeDir string
}

// FreeRDP is the Driver backed by xfreerdp.
type FreeRDP struct {
	runner process.Runner
	opts   Options
}

var _ Driver = (*FreeRDP)(nil)

// NewFreeRDP creates a FreeRDP driver.
func NewFreeRDP(runner process.Runner, opts Options) *FreeRDP {
	if opts.HomeDir == "" {
		opts.HomeDir, _ = os.UserHomeDir()
	}
	return &FreeRDP{runner: runner, opts: opts}
}

// Binary returns the client binary that Start would run.
func (d *FreeRDP) Binary() (string, error) {
	if d.opts.Binary != "" {
		return d.runner.LookPath(d.opts.Binary)
	}
	for _, name := range []string{"xfreerdp3", "xfreerdp"} {
		if path, err := d.runner.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", common.Errorf(common.KindDriverStartFailed, "neither xfreerdp3 nor xfreerdp is installed")
}

// Start implements Driver. The password goes to stdin, never to argv.
func (d *FreeRDP) Start(ctx context.Context, t Target) (*Handle, error) {
	if t.Host == "" {
		return nil, common.Errorf(common.KindConfigInvalid, "no rdp host")
	}
	if err := ctx.Err(); err != nil {
		return nil, common.NewError(common.KindCancelled, "rdp start", err)
	}

	bin, err := d.Binary()
	if err != nil {
		return nil, common.AsKindError(err, common.KindDriverStartFailed)
	}

	args := append(BuildArgs(t, d.opts.HomeDir), "/from-stdin")
	common.LogInfo("RDP: Launching %s for %s", bin, t.Host)

	proc, err := d.runner.Start(process.Command{
		Name:  bin,
		Args:  args,
		Stdin: t.Password + "\n",
	}, func(line string) {
		common.LogDebug("RDP: %s", line)
	})
	if err != nil {
		return nil, common.NewError(common.KindDriverStartFailed, "launching "+bin, err)
	}

	return &Handle{Host: t.Host, StartedAt: time.Now(), proc: proc}, nil
}

// IsRunning implements Driver.
func (d *FreeRDP) IsRunning(h *Handle) bool {
	return h != nil && h.proc != nil && h.proc.Running()
}

// ExitReason implements Driver.
func (d *FreeRDP) ExitReason(h *Handle, duringStartup bool) *common.KindError {
	if h == nil || h.proc == nil || h.proc.Running() {
		return nil
	}
	if sig, ok := h.Signaled(); ok {
		return SignalError(sig, duringStartup, h.LastOutput())
	}
	code := h.ExitCode()
	if code == 0 {
		return nil
	}
	return ExitError(code, duringStartup, h.LastOutput())
}

// Stop implements Driver.
func (d *FreeRDP) Stop(ctx context.Context, h *Handle) error {
	if h == nil || h.proc == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}

	if err := h.proc.Terminate(ctx); err != nil {
		return err
	}
	h.stopped = true
	common.LogInfo("RDP: Client for %s stopped", h.Host)
	return nil
}

// BuildArgs maps a Target onto FreeRDP arguments, without credentials.
func BuildArgs(t Target, home string) []string {
	args := []string{"/v:" + t.Host, "/u:" + t.Username}
	if t.Domain != "" {
		args = append(args, "/d:"+t.Domain)
	}

	if t.Display.Fullscreen {
		args = append(args, "/f")
	} else {
		res := t.Display.Resolution
		if res == "" {
			res = profile.DefaultResolution
		}
		args = append(args, "/size:"+res)
	}
	if t.Display.MultiMonitor {
		args = append(args, "/multimon")
		if len(t.Display.Monitors) > 0 {
			ids := make([]string, len(t.Display.Monitors))
			for i, m := range t.Display.Monitors {
				ids[i] = strconv.Itoa(m)
			}
			args = append(args, "/monitors:"+strings.Join(ids, ","))
		}
	}

	a := t.Advanced
	if a.FontSmoothing {
		args = append(args, "+fonts")
	}
	if a.DisableWallpaper {
		args = append(args, "-wallpaper")
	}
	if a.DisableThemes {
		args = append(args, "-themes")
	}
	if a.DesktopComposition {
		args = append(args, "+aero")
	}
	if a.DisableWindowDrag {
		args = append(args, "-window-drag")
	}

	switch a.Audio {
	case profile.AudioRemote:
		args = append(args, "/audio-mode:1")
	case profile.AudioDisabled:
		args = append(args, "/audio-mode:2")
	default:
		args = append(args, "/sound")
	}

	if a.Clipboard {
		args = append(args, "+clipboard")
	}
	if a.RedirectHome && home != "" {
		args = append(args, "/drive:home,"+home)
	}

	args = append(args, "/cert:ignore")
	if a.NLA {
		args = append(args, "/sec:nla")
	} else {
		args = append(args, "/sec:rdp")
	}
	if a.Compression {
		args = append(args, "+compression")
	}
	return args
}

// SignalError maps death by signal onto an error. FreeRDP's auth exit
// codes overlap 128+N, so a signal is never read as an auth failure.
func SignalError(sig syscall.Signal, duringStartup bool, lastOutput string) *common.KindError {
	detail := fmt.Sprintf("xfreerdp killed by signal %d (%s)", int(sig), sig)
	if lastOutput != "" {
		detail += ": " + lastOutput
	}
	if duringStartup {
		return common.Errorf(common.KindDriverStartFailed, "%s", detail)
	}
	return common.Errorf(common.KindDriverCrashed, "%s", detail)
}

// ExitError maps a FreeRDP exit status onto an error. Exits observed
// during the startup probe count as start failures.
func ExitError(code int, duringStartup bool, lastOutput string) *common.KindError {
	detail := fmt.Sprintf("xfreerdp exited with code %d", code)
	if lastOutput != "" {
		detail += ": " + lastOutput
	}
	switch code {
	case exitAuthFailure, exitLogonFailure, exitAccountLocked:
		return common.Errorf(common.KindAuthFailed, "%s", detail)
	}
	if duringStartup {
		return common.Errorf(common.KindDriverStartFailed, "%s", detail)
	}
	return common.Errorf(common.KindDriverCrashed, "%s", detail)
}
