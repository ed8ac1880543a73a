package cli

import (
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/koltyakov/fleetlink/internal/versionutil"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `fleetlink - device agent for fleet management servers

Registers the device, receives signed commands over long polling, reports
their outcome, and keeps a reverse ssh tunnel to the local web interface.

Usage:
  fleetlink [run]                       Run the agent (long polling + actions)
  fleetlink register                    Register this system and store its keys
  fleetlink ping                        Check that the server answers
  fleetlink info [--push|--capabilities] Show or push this system's info
  fleetlink status --status S ...       Send a status report
  fleetlink screenshot <file>           Upload a screenshot
  fleetlink tunnel                      Run only the reverse ssh tunnel
  fleetlink history [--limit N]         Show recently received commands
  fleetlink version                     Print version
  fleetlink help                        Show this help

Global Flags:
  -c, --config PATH       Config file (.json, .jsonc, .yaml)
      --db PATH           SQLite database path (default: ~/.fleetlink/agent.db)
      --url URL           Server URL
      --log-level LEVEL   debug|info|warn|error

Environment Variables:
  FLEETLINK_CONFIG        Config file path
  FLEETLINK_<KEY>         Any config key, e.g. FLEETLINK_URL, FLEETLINK_API_KEY,
                          FLEETLINK_SECRET_KEY, FLEETLINK_CHECK_SSL,
                          FLEETLINK_STATUS_LISTEN, FLEETLINK_WATCHDOG`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	if !versionutil.IsDev(Version) {
		Version = versionutil.EnsureVPrefix(Version)
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, "fleetlink", Version)
}
