// Command flowkernel is the orchestration kernel's CLI entrypoint: run,
// resume, selftest, and serve all dispatch through internal/cli.
package main

import (
	"os"

	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:], os.Stdout, os.Stderr))
}
