// Command coderun runs the code execution service: an HTTP API that accepts
// programs, a durable job queue and a pool of workers executing jobs in
// sandboxes.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "coderun",
	Short: "coderun - sandboxed code execution service",
	Long: `coderun accepts programs in Node.js, Python and C++, queues them and runs
each one in an isolated sandbox with no network and fixed resource limits.

Configuration is read from CODERUN_* environment variables and an optional
.env file in the working directory.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
