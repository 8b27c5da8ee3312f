//go:build unix

package agent

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"golang.org/x/sys/unix"
)

// ProcessSpec describes the agent subprocess to launch.
type ProcessSpec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// Process is a running agent subprocess.
type Process interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	Terminate() error // polite stop (SIGTERM)
	Kill() error      // hard stop (SIGKILL)
	Wait() error
	PID() int
}

// Spawner starts agent subprocesses. The exec implementation is the real
// one; tests inject fakes.
type Spawner interface {
	Start(ctx context.Context, spec ProcessSpec) (Process, error)
}

// ExecSpawner launches the agent with os/exec.
type ExecSpawner struct{}

func (ExecSpawner) Start(ctx context.Context, spec ProcessSpec) (Process, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }
func (p *execProcess) PID() int          { return p.cmd.Process.Pid }

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(unix.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}
