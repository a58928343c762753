package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	runtimesvc "github.com/fairhopeweb/guijs/app/guijs/runtime"
)

// View composes the splash box, key hints, process output and status bar.
func (m Model) View() string {
	sections := []string{m.renderSplash(), m.renderHints()}
	if len(m.lines) > 0 && m.ready {
		sections = append(sections, outputBoxStyle.Render(m.output.View()))
	}
	sections = append(sections, m.renderStatus())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderSplash() string {
	body := titleStyle.Render("guijs") + "\n\n" + m.phaseLine()
	return splashBoxStyle.Render(body)
}

// phaseLine describes the current notification for a human.
func (m Model) phaseLine() string {
	if !m.hasEvent {
		return m.spinner.View() + " " + phaseStyle.Render("Checking your environment…")
	}
	switch m.event.Name {
	case runtimesvc.NotifySplashscreen:
		return m.spinner.View() + " " + phaseStyle.Render("Preparing guijs…")
	case runtimesvc.NotifyFirstDownload:
		return m.spinner.View() + " " + phaseStyle.Render("Installing guijs for the first time…")
	case runtimesvc.NotifyDownloadingUpdate:
		return m.spinner.View() + " " + phaseStyle.Render("Downloading the update…")
	case runtimesvc.NotifyUpdateAvailable:
		return warningStyle.Render("An update is available.")
	case runtimesvc.NotifyNodeNotFound:
		return errorStyle.Render("Node.js was not found on your PATH.") + "\n" +
			dimStyle.Render("Install it from https://nodejs.org and start guijs again.")
	case runtimesvc.NotifyNodeWrongVersion:
		local, floor, _ := strings.Cut(m.event.Payload, "|")
		return errorStyle.Render(fmt.Sprintf("Node.js %s is too old.", local)) + "\n" +
			dimStyle.Render(fmt.Sprintf("guijs needs version %s or newer.", floor))
	case runtimesvc.NotifyServiceReady:
		return readyStyle.Render("guijs is running at " + m.event.Payload)
	case runtimesvc.NotifyBootstrapFailed:
		return errorStyle.Render("Startup failed") + "\n" + dimStyle.Render(m.event.Payload)
	default:
		return dimStyle.Render(m.event.Name)
	}
}

func (m Model) renderHints() string {
	hints := []string{keyStyle.Render("r") + dimStyle.Render(" reload"), keyStyle.Render("q") + dimStyle.Render(" quit")}
	if m.awaitingDecision() {
		hints = append([]string{
			keyStyle.Render("u") + dimStyle.Render(" update"),
			keyStyle.Render("s") + dimStyle.Render(" skip"),
		}, hints...)
	}
	return strings.Join(hints, dimStyle.Render("  ·  "))
}

func (m Model) renderStatus() string {
	left := "waiting"
	if m.hasEvent {
		left = m.event.Name
	}
	right := fmt.Sprintf("%d lines", len(m.lines))
	if m.scripts > 0 {
		right = fmt.Sprintf("%s | %d scripts", right, m.scripts)
	}
	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}
	return statusStyle.Render(left + strings.Repeat(" ", padding) + right)
}
