// Package ui provides terminal styling and logger setup for revsearch.
package ui

import (
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// InitLogger initializes the charm logger with default settings. Logs go to
// stderr so stdout stays free for command output and the MCP transport.
func InitLogger() {
	log.SetOutput(os.Stderr)
	log.SetLevel(log.InfoLevel)
	log.SetReportCaller(false)
	log.SetReportTimestamp(false)
}

// SetDebug enables debug logging.
func SetDebug(enabled bool) {
	if enabled {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// ServerMode switches to timestamped logs for long-running processes.
func ServerMode() {
	log.SetReportTimestamp(true)
	log.SetTimeFormat(time.RFC3339)
}
