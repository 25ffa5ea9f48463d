// Orchestron is an autonomous multi-agent task orchestration engine: goal
// decomposition, scheduling, execution, and recovery run unattended inside a
// workspace, durable in SQLite, surfaced here as a CLI over the same
// internal/api facade a transport layer would embed.
package main

import (
	"os"
	"runtime/debug"

	"github.com/dotcommander/orchestron/internal/cli"
)

// version is set via ldflags (-X main.version=v1.0.0) or detected
// automatically from Go module info embedded by go install.
var version = "dev"

func main() {
	if version == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
	}
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
