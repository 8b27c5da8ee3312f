// Command ralph is the multi-repository agent orchestrator: a long-lived
// daemon that schedules coding-agent sessions across repositories, plus the
// operator CLI that inspects and steers it.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/3mdistal/ralph/internal/config"
)

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:           "ralph",
	Short:         "Autonomous multi-repo coding agent orchestrator",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		if jsonOutput {
			config.Set("json", true)
		}
		return nil
	},
}

// exitCoder lets classified errors pick their process exit code. Schema
// forward-incompatibility and a held daemon lock exit 2; everything else
// exits 1.
type exitCoder interface {
	ExitCode() int
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var coder exitCoder
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

func outputJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to encode JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
