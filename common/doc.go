// Package common provides shared constants, types, utilities, and interfaces
// used throughout the VPN+RDP Manager.
//
// This package holds the cross-cutting pieces every other package leans on:
//
//   - Constants: file names, default poll budgets and grace periods
//   - Errors: error kinds, their sentinels, and the KindError carrier
//   - Interfaces: secret storage, notifications, and logging abstractions
//   - Logger: zap-backed logging with file output and rotation
//   - Utils: config/data directory helpers
//
// # Usage
//
//	import "github.com/rjeffmyers/vpnrdp/common"
//
//	common.LogInfo("Connecting profile %s", name)
//
//	if errors.Is(err, common.ErrAuthFailed) {
//	    // re-prompt and connect again
//	}
//
//	switch common.KindOf(err) {
//	case common.KindBusy:
//	    // another session is active
//	}
package common
