// score-int transfers genomic objects to and from a score server in
// resumable, md5-verified parts, and runs the server itself.
package main

import (
	"fmt"
	"os"
	"slices"

	"github.com/overture-stack/score-int/internal/cli"
	"github.com/overture-stack/score-int/internal/version"
)

// Set by ldflags.
var (
	Version   = "v1.2.0"
	BuildTime = "unknown"
)

func main() {
	version.Version = Version
	version.BuildTime = BuildTime

	// per-part and summary timing logs
	if slices.Contains(os.Args, "--timing") {
		os.Setenv("SCORE_TIMING", "1")
		os.Args = slices.DeleteFunc(os.Args, func(a string) bool { return a == "--timing" })
	}

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, cli.FormatError(err))
		os.Exit(cli.ExitCode(err))
	}
}
