package cli

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/rjeffmyers/vpnrdp/orchestrator"
)

var (
	colorGreen  = lipgloss.AdaptiveColor{Light: "#04B575", Dark: "#04B575"}
	colorRed    = lipgloss.AdaptiveColor{Light: "#FF4672", Dark: "#FF4672"}
	colorAmber  = lipgloss.AdaptiveColor{Light: "#FF8C00", Dark: "#FFA500"}
	colorSubtle = lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#5C5C5C"}

	okStyle      = lipgloss.NewStyle().Foreground(colorGreen).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	pendingStyle = lipgloss.NewStyle().Foreground(colorAmber)
	subtleStyle  = lipgloss.NewStyle().Foreground(colorSubtle)
	headerStyle  = lipgloss.NewStyle().Bold(true)
)

func stateStyle(s orchestrator.State) lipgloss.Style {
	switch s {
	case orchestrator.StateConnected, orchestrator.StateVPNUp:
		return okStyle
	case orchestrator.StateFailed:
		return errorStyle
	case orchestrator.StateDisconnected, orchestrator.StateIdle:
		return subtleStyle
	default:
		return pendingStyle
	}
}

func stateSymbol(s orchestrator.State) string {
	switch s {
	case orchestrator.StateConnected, orchestrator.StateVPNUp:
		return "●"
	case orchestrator.StateFailed:
		return "✗"
	case orchestrator.StateDisconnected, orchestrator.StateIdle:
		return "○"
	default:
		return "◌"
	}
}

func check(ok bool) string {
	if ok {
		return okStyle.Render("✓")
	}
	return errorStyle.Render("✗")
}
