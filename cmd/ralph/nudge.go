package main

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/3mdistal/ralph/internal/agent"
	"github.com/3mdistal/ralph/internal/config"
	"github.com/3mdistal/ralph/internal/paths"
	"github.com/3mdistal/ralph/internal/queue"
)

var nudgeCmd = &cobra.Command{
	Use:   `nudge <taskRef> "<message>"`,
	Short: "Queue an operator message for a running agent session",
	Long: `Queue a message for the agent working on a task. The supervisor
delivers it at the next safe checkpoint (a tool boundary).

The task reference has the form repo#issue, e.g. 3mdistal/ralph#319.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskRef, message := args[0], args[1]
		if message == "" {
			return fmt.Errorf("nudge message must not be empty")
		}

		task, err := findTaskByRef(taskRef)
		if err != nil {
			return err
		}
		if task.SessionID == "" {
			return fmt.Errorf("task %s has no active session", taskRef)
		}

		sessionsDir, err := paths.SessionsDir()
		if err != nil {
			return err
		}
		sessionDir, err := paths.SessionDir(sessionsDir, task.SessionID)
		if err != nil {
			return err
		}
		nq := agent.NewNudgeQueue(sessionDir, config.GetInt("agent.nudge-max-attempts"))
		id := uuid.NewString()
		if err := nq.Enqueue(id, message); err != nil {
			return err
		}
		fmt.Printf("nudge %s queued for %s (session %s)\n", id, taskRef, task.SessionID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(nudgeCmd)
}

func queueDir() (string, error) {
	if dir := config.GetString("queue-dir"); dir != "" {
		return dir, nil
	}
	controlRoot, err := paths.ControlRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(controlRoot, "queue"), nil
}

func findTaskByRef(ref string) (*queue.Task, error) {
	dir, err := queueDir()
	if err != nil {
		return nil, err
	}
	q, err := queue.Open(dir)
	if err != nil {
		return nil, err
	}
	tasks, err := q.List()
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Ref() == ref {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no task %s in queue", ref)
}
