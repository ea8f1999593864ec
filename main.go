// ════════════════════════════════════════════════════════════════════════════════════════════════
// tilemux - Main Entry Point
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Command line entry
//
// Description:
//   Hands the process to the cobra command tree and maps the returned error to an exit code.
//   Every subcommand loads config, installs the logger and owns its own workspace lifetime.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package main

import (
	"context"
	"fmt"
	"os"

	"tilemux/cli"
)

func main() {
	err := cli.NewRootCommand().ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "tilemux:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
