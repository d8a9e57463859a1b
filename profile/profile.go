// Package profile provides the connection profile model and its
// YAML-backed store. A profile pairs one VPN configuration with one
// remote desktop target.
package profile

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rjeffmyers/vpnrdp/common"
)

// VPNKind selects the VPN driver used for a profile.
type VPNKind string

const (
	// KindTunnel is a classic OpenVPN client running as a tunnel process.
	KindTunnel VPNKind = "tunnel"
	// KindTLSSession is an OpenVPN 3 session managed by its daemon.
	KindTLSSession VPNKind = "tls-session"
)

// Valid reports whether k is one of the known kinds.
func (k VPNKind) Valid() bool {
	return k == KindTunnel || k == KindTLSSession
}

// AudioMode selects where remote audio is played.
type AudioMode string

const (
	AudioLocal    AudioMode = "local"
	AudioRemote   AudioMode = "remote"
	AudioDisabled AudioMode = "disabled"
)

var resolutionPattern = regexp.MustCompile(`^\d+x\d+$`)

// Display holds the remote desktop window settings.
type Display struct {
	Fullscreen bool `json:"fullscreen" yaml:"fullscreen"`
	// Resolution is "WxH" and only used when not fullscreen.
	Resolution   string `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	MultiMonitor bool   `json:"multi_monitor" yaml:"multi_monitor"`
	// Monitors restricts multi-monitor mode to the listed indices.
	Monitors []int `json:"monitors,omitempty" yaml:"monitors,omitempty"`
}

// Advanced holds performance, resource sharing and security options.
// Each boolean turns the corresponding client flag on.
type Advanced struct {
	FontSmoothing      bool      `json:"font_smoothing" yaml:"font_smoothing"`
	DisableWallpaper   bool      `json:"disable_wallpaper" yaml:"disable_wallpaper"`
	DisableThemes      bool      `json:"disable_themes" yaml:"disable_themes"`
	DesktopComposition bool      `json:"desktop_composition" yaml:"desktop_composition"`
	DisableWindowDrag  bool      `json:"disable_window_drag" yaml:"disable_window_drag"`
	Compression        bool      `json:"compression" yaml:"compression"`
	Audio              AudioMode `json:"audio" yaml:"audio"`
	Clipboard          bool      `json:"clipboard" yaml:"clipboard"`
	RedirectHome       bool      `json:"redirect_home" yaml:"redirect_home"`
	NLA                bool      `json:"nla" yaml:"nla"`
}

// Profile represents a VPN+RDP connection profile.
type Profile struct {
	// Name is the unique identity of the profile. The store is keyed by it.
	Name string `json:"name" yaml:"-"`
	// VPNKind selects the VPN driver.
	VPNKind VPNKind `json:"vpn_kind" yaml:"vpn_kind"`
	// VPNConfigRef names the imported VPN config: a file name or path for
	// tunnel profiles, a registry name or path for tls-session profiles.
	VPNConfigRef string `json:"vpn_config" yaml:"vpn_config"`
	// VPNUsername is the optional VPN username.
	VPNUsername string `json:"vpn_username,omitempty" yaml:"vpn_username,omitempty"`

	RDPHost     string `json:"rdp_host" yaml:"rdp_host"`
	RDPUsername string `json:"rdp_username,omitempty" yaml:"rdp_username,omitempty"`
	RDPDomain   string `json:"rdp_domain,omitempty" yaml:"rdp_domain,omitempty"`

	Display  Display  `json:"display" yaml:"display"`
	Advanced Advanced `json:"advanced" yaml:"advanced"`

	// SavePasswords indicates whether prompted passwords go to the keyring.
	SavePasswords bool `json:"save_passwords" yaml:"save_passwords"`
	// Created is the timestamp when the profile was created.
	Created time.Time `json:"created" yaml:"created"`
	// LastUsed is the timestamp when the profile was last connected.
	LastUsed time.Time `json:"last_used,omitempty" yaml:"last_used,omitempty"`
}

// New returns a profile with the default display and advanced settings.
func New(name string, kind VPNKind, configRef, rdpHost string) *Profile {
	return &Profile{
		Name:         name,
		VPNKind:      kind,
		VPNConfigRef: configRef,
		RDPHost:      rdpHost,
		Display:      DefaultDisplay(),
		Advanced:     DefaultAdvanced(),
	}
}

// DefaultResolution is the window size used when none is set.
const DefaultResolution = "1920x1080"

// DefaultDisplay returns fullscreen on a single monitor.
func DefaultDisplay() Display {
	return Display{
		Fullscreen: true,
		Resolution: DefaultResolution,
	}
}

// DefaultAdvanced returns the settings tuned for slow VPN links.
func DefaultAdvanced() Advanced {
	return Advanced{
		FontSmoothing:      true,
		DisableWallpaper:   true,
		DisableThemes:      true,
		DesktopComposition: true,
		Compression:        true,
		Audio:              AudioLocal,
		Clipboard:          true,
		NLA:                true,
	}
}

// Validate checks if the profile has all required fields.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: profile name is required", common.ErrInvalidProfile)
	}
	if !p.VPNKind.Valid() {
		return fmt.Errorf("%w: unknown vpn kind %q", common.ErrInvalidProfile, p.VPNKind)
	}
	if p.VPNConfigRef == "" {
		return fmt.Errorf("%w: vpn config is required", common.ErrInvalidProfile)
	}
	if p.RDPHost == "" {
		return fmt.Errorf("%w: rdp host is required", common.ErrInvalidProfile)
	}
	if !p.Display.Fullscreen && !resolutionPattern.MatchString(p.Display.Resolution) {
		return fmt.Errorf("%w: resolution %q must be WIDTHxHEIGHT", common.ErrInvalidProfile, p.Display.Resolution)
	}
	for _, m := range p.Display.Monitors {
		if m < 0 {
			return fmt.Errorf("%w: monitor index %d is negative", common.ErrInvalidProfile, m)
		}
	}
	switch p.Advanced.Audio {
	case AudioLocal, AudioRemote, AudioDisabled, "":
	default:
		return fmt.Errorf("%w: unknown audio mode %q", common.ErrInvalidProfile, p.Advanced.Audio)
	}
	return nil
}

// NeedsVPNSecret reports whether connecting requires a VPN password.
// TLS sessions always authenticate; tunnel configs only when a username
// is set, otherwise the config carries its own credentials.
func (p *Profile) NeedsVPNSecret() bool {
	return p.VPNKind == KindTLSSession || p.VPNUsername != ""
}

// Clone returns a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	c := *p
	if p.Display.Monitors != nil {
		c.Display.Monitors = append([]int(nil), p.Display.Monitors...)
	}
	return &c
}

// ToJSON converts the profile to a JSON string.
// Useful for debugging and logging.
func (p *Profile) ToJSON() string {
	data, _ := json.MarshalIndent(p, "", "  ")
	return string(data)
}
