// Command eventsubbridge runs the Twitch EventSub bridge service. The
// actual command tree lives in internal/cli; main only wires ldflags
// version metadata into it and translates a top-level error into a
// process exit code, following the entrypoint shape used across the
// retrieved example pack's cmd/ binaries.
package main

import (
	"fmt"
	"os"

	"github.com/rmoriz/eventsubbridge/internal/cli"
)

// Set via -ldflags "-X main.version=... -X main.commit=... -X main.buildDate=..."
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.Version = version
	cli.GitCommit = commit
	cli.BuildDate = buildDate

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
