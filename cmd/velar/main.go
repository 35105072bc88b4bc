package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "velar",
		Short:   "Velar is a policy-governed LLM invocation gateway",
		Version: version,
	}

	root.AddCommand(
		newServeCmd(),
		newPolicyCmd(),
		newCacheCmd(),
		newStatsCmd(),
		newAuditCmd(),
		newMCPCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
