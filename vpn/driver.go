package vpn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rjeffmyers/vpnrdp/common"
	"github.com/rjeffmyers/vpnrdp/process"
	"github.com/rjeffmyers/vpnrdp/profile"
)

// Status is the coarse state of a VPN client.
type Status int

const (
	// StatusStarting means the client runs but the tunnel is not ready.
	StatusStarting Status = iota
	// StatusUp means traffic can flow through the tunnel.
	StatusUp
	// StatusDown means the client is gone.
	StatusDown
	// StatusError means the client reported a failure.
	StatusError
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "Starting"
	case StatusUp:
		return "Up"
	case StatusDown:
		return "Down"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// StatusReport is one status sample.
type StatusReport struct {
	Status Status
	Detail string
	// Err is set for StatusError.
	Err *common.KindError
}

// Handle identifies a started VPN client.
type Handle struct {
	Kind profile.VPNKind
	// ConfigRef is the resolved config the client was started with.
	ConfigRef string
	// ID is the tunnel device name or the openvpn3 session path.
	ID        string
	StartedAt time.Time

	proc     *process.Process
	credFile string

	mu         sync.Mutex
	initDone   bool
	authFailed bool
	stopped    bool
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s:%s", h.Kind, h.ID)
}

// Stopped reports whether Stop completed for the handle.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func (h *Handle) markStopped() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
}

// Driver controls one kind of VPN client.
type Driver interface {
	// Kind returns the profile VPN kind this driver serves.
	Kind() profile.VPNKind
	// Resolve checks configRef and returns the reference Start should use.
	// Failure is a ConfigInvalid error.
	Resolve(ctx context.Context, configRef string) (string, error)
	// Start launches the client. Blocking work honors ctx. A failed Start
	// leaves nothing running, since the caller has no handle to stop.
	Start(ctx context.Context, configRef, username, password string) (*Handle, error)
	// Status samples the client state. Read-only.
	Status(ctx context.Context, h *Handle) StatusReport
	// Stop tears the client down. Stopping a stopped handle returns nil.
	Stop(ctx context.Context, h *Handle) error
}

// Traffic holds cumulative byte counters of a session.
type Traffic struct {
	BytesIn  uint64
	BytesOut uint64
}

// TrafficReader is implemented by drivers that expose byte counters.
type TrafficReader interface {
	Traffic(ctx context.Context, h *Handle) (Traffic, error)
}

// RouteChecker is implemented by drivers that can tell whether a config
// routes a host through the tunnel. Known is false when the config leaves
// routing to the server.
type RouteChecker interface {
	Covers(ctx context.Context, configRef, host string) (covered, known bool, err error)
}

// ConfigInfo describes an available config.
type ConfigInfo struct {
	Kind profile.VPNKind `json:"kind"`
	Ref  string          `json:"ref"`
	// Source is the directory or registry the config was found in.
	Source string `json:"source"`
}

// ConfigLister is implemented by drivers that can enumerate configs.
type ConfigLister interface {
	ListConfigs(ctx context.Context) ([]ConfigInfo, error)
}

// Registry maps VPN kinds to drivers.
type Registry struct {
	drivers map[profile.VPNKind]Driver
}

// NewRegistry builds a Registry from drivers.
func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[profile.VPNKind]Driver, len(drivers))}
	for _, d := range drivers {
		r.drivers[d.Kind()] = d
	}
	return r
}

// For returns the driver for kind.
func (r *Registry) For(kind profile.VPNKind) (Driver, error) {
	d, ok := r.drivers[kind]
	if !ok {
		return nil, common.Errorf(common.KindConfigInvalid, "no driver for vpn kind %q", kind)
	}
	return d, nil
}

// All returns every registered driver in a stable order.
func (r *Registry) All() []Driver {
	out := make([]Driver, 0, len(r.drivers))
	for _, kind := range []profile.VPNKind{profile.KindTunnel, profile.KindTLSSession} {
		if d, ok := r.drivers[kind]; ok {
			out = append(out, d)
		}
	}
	return out
}
