package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3mdistal/ralph/internal/lock"
	"github.com/3mdistal/ralph/internal/paths"
	"github.com/3mdistal/ralph/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		daemonVersion := ""
		if controlRoot, err := paths.ControlRoot(); err == nil {
			if record, err := lock.NewRegistry(controlRoot).Current(); err == nil && record != nil {
				daemonVersion = record.Version
			}
		}

		if jsonOutput {
			result := map[string]interface{}{"version": version.Version}
			if daemonVersion != "" {
				result["daemon_version"] = daemonVersion
				result["compatible"] = version.CompatibleWithDaemon(version.Version, daemonVersion)
			}
			outputJSON(result)
			return nil
		}

		fmt.Printf("ralph version %s\n", version.Version)
		if daemonVersion != "" {
			fmt.Printf("daemon version %s\n", daemonVersion)
			if !version.CompatibleWithDaemon(version.Version, daemonVersion) {
				fmt.Println("warning: CLI and daemon versions are incompatible")
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
