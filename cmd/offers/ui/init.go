package ui

import (
	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// InitUI applies the color setting for the rest of the process.
func InitUI(noColor bool) {
	if noColor {
		color.NoColor = true
	}
}

// Status colors a run status for terminal output.
func Status(status string) string {
	switch status {
	case "success":
		return green(status)
	case "partial":
		return yellow(status)
	case "failed":
		return red(status)
	default:
		return status
	}
}
