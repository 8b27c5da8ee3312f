package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/3mdistal/ralph/internal/control"
	"github.com/3mdistal/ralph/internal/lock"
	"github.com/3mdistal/ralph/internal/paths"
	"github.com/3mdistal/ralph/internal/ui"
	"github.com/3mdistal/ralph/internal/version"
)

// StatusReport is the status command's JSON shape.
type StatusReport struct {
	Running         bool    `json:"running"`
	DaemonID        string  `json:"daemon_id,omitempty"`
	PID             int     `json:"pid,omitempty"`
	Version         string  `json:"version,omitempty"`
	Mode            string  `json:"mode"`
	Started         string  `json:"started,omitempty"`
	UptimeSeconds   float64 `json:"uptime_seconds,omitempty"`
	HeartbeatAge    float64 `json:"heartbeat_age_seconds,omitempty"`
	LogPath         string  `json:"log_path,omitempty"`
	StateDBPath     string  `json:"state_db_path,omitempty"`
	VersionMismatch bool    `json:"version_mismatch,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := buildStatusReport()
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(report)
			return nil
		}
		printStatus(report)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func buildStatusReport() (*StatusReport, error) {
	controlRoot, err := paths.ControlRoot()
	if err != nil {
		return nil, err
	}

	report := &StatusReport{Mode: control.ModeRunning}
	if path, found, err := control.Find(); err == nil && found {
		if f, err := control.Load(path); err == nil {
			report.Mode = f.Mode
		}
	}

	record, err := lock.NewRegistry(controlRoot).Current()
	if err != nil {
		return nil, err
	}
	if record == nil {
		return report, nil
	}
	report.Running = true
	report.DaemonID = record.DaemonID
	report.PID = record.PID
	report.Version = record.Version
	report.Started = record.StartedAt.Format(time.RFC3339)
	report.UptimeSeconds = time.Since(record.StartedAt).Seconds()
	if !record.HeartbeatAt.IsZero() {
		report.HeartbeatAge = time.Since(record.HeartbeatAt).Seconds()
	}
	report.LogPath = record.LogPath
	report.StateDBPath = record.StateDBPath
	report.VersionMismatch = !version.CompatibleWithDaemon(version.Version, record.Version)
	return report, nil
}

func printStatus(r *StatusReport) {
	if !r.Running {
		fmt.Println("daemon: not running")
		fmt.Printf("mode:   %s\n", ui.StatusStyle(r.Mode).Render(r.Mode))
		return
	}
	fmt.Printf("daemon: running (pid %d, version %s)\n", r.PID, r.Version)
	fmt.Printf("mode:   %s\n", ui.StatusStyle(r.Mode).Render(r.Mode))
	fmt.Printf("uptime: %s\n", (time.Duration(r.UptimeSeconds) * time.Second).String())
	if r.HeartbeatAge > 0 {
		fmt.Printf("heartbeat: %.0fs ago\n", r.HeartbeatAge)
	}
	fmt.Printf("log:    %s\n", r.LogPath)
	if r.VersionMismatch {
		fmt.Println(ui.TableWarningStyle.Render("warning: CLI and daemon versions are incompatible"))
	}
}
