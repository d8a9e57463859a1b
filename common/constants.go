// Package common provides shared constants, types, and utilities
// used across the VPN+RDP Manager application.
package common

import "time"

// Application metadata.
const (
	// AppID is the unique identifier for the application.
	AppID = "com.vpnrdp.manager"
	// AppName is the display name of the application.
	AppName = "VPN+RDP Manager"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "vpnrdp"
	// KeyringService is the service name used for stored secrets.
	KeyringService = "vpnrdp"
)

// File names used by the application.
const (
	ProfilesFileName    = "profiles.yaml"
	ConfigFileName      = "config.yaml"
	CredentialsFileName = ".credentials"
	CredentialsKeyName  = ".credentials.key"
	LogFileName         = "vpnrdp.log"
	HistoryFileName     = "history.db"
)

// Default timeouts and intervals.
const (
	// VPNPollAttempts is how many times the VPN status is sampled before
	// the connect attempt is declared timed out.
	VPNPollAttempts = 10
	// VPNPollInterval is the wait between VPN status samples.
	VPNPollInterval = 2 * time.Second
	// RDPStartupProbe is how long the RDP client must stay alive after
	// launch before it counts as started.
	RDPStartupProbe = 2 * time.Second
	// MonitorInterval is how often a connected session is sampled.
	MonitorInterval = 2 * time.Second
	// StopGracePeriod bounds the wait for a process to exit after the
	// termination signal.
	StopGracePeriod = 5 * time.Second
	// TLSStartTimeout bounds a single openvpn3 session-start invocation.
	TLSStartTimeout = 30 * time.Second
	// ManagementTimeout is the timeout for short client commands.
	ManagementTimeout = 5 * time.Second
	// TrafficSampleInterval is how often VPN byte counters are read.
	TrafficSampleInterval = 2 * time.Second
)

// TrafficHistoryPoints is the number of samples kept for the traffic view.
const TrafficHistoryPoints = 60

// Default API listen address for the local status server.
const DefaultAPIListen = "127.0.0.1:7439"
