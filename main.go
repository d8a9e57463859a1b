// Package main provides the entry point for vpnrdp, a manager that brings
// up a VPN and a remote desktop session together and tears them down as
// one.
//
// Usage:
//
//	vpnrdp <command> [flags]
//
// Environment:
//
//	Requires openvpn or openvpn3 for the VPN and xfreerdp3 or xfreerdp for
//	the remote desktop. Run "vpnrdp check" to verify.
package main

import "github.com/rjeffmyers/vpnrdp/cli"

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

func main() {
	cli.Execute(cli.BuildInfo{
		Version: appVersion,
		Commit:  commitSHA,
		Date:    buildTime,
	})
}
