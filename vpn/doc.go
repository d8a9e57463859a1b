// Package vpn drives the external VPN clients used by the VPN+RDP Manager.
//
// Two client kinds sit behind the Driver interface:
//
//   - TunnelDriver: a classic openvpn process owning a tun device
//   - TLSSessionDriver: an openvpn3 session managed by the session daemon
//
// # Lifecycle
//
// A driver never decides when to connect or give up. The orchestrator
// calls Resolve and Start, then samples Status until the tunnel is Up or
// has failed, and finally calls Stop. Stop is idempotent.
//
//  1. Resolve checks that the config reference names a usable config
//  2. Start launches the client and returns a Handle
//  3. Status reports Starting, Up, Down or Error for the Handle
//  4. Stop tears the client down and releases temporary files
//
// # Optional capabilities
//
// Drivers may implement TrafficReader (byte counters for the traffic
// monitor), RouteChecker (whether the tunnel routes a host) and
// ConfigLister (available configs for the front-end).
//
// # Thread Safety
//
// Status, Traffic and Covers are read-only and safe to call concurrently
// with each other. Start and Stop for a Handle are called from one
// goroutine only.
package vpn
