// Command trader runs the spot DCA/grid trading engine.
package main

import (
	"context"
	"fmt"
	"os"

	"spot-trader/internal/cli"
	"spot-trader/internal/logging"
)

func main() {
	logger := logging.NewLogger()

	// config is loaded by the root command from --config
	rootCmd := cli.NewRootCmd(nil, logger)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
