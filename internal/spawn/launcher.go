package spawn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// LaunchSpec is everything needed to start one run of a spawn.
type LaunchSpec struct {
	SpawnID string
	Run     int
	Command string
	Args    []string
	Env     []string
	// Stdin is written to PromptPath and attached as standard input.
	Stdin      string
	Dir        string
	LogPath    string
	PromptPath string
}

// Process is a launched OS process.
type Process interface {
	PID() int
	// Exited is closed once the process has been reaped. It is only
	// observable from the coordinator that launched it.
	Exited() <-chan struct{}
}

// Launcher starts detached processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ProcessTable answers liveness questions about arbitrary pids, including
// processes started by another coordinator.
type ProcessTable interface {
	Alive(pid int) bool
	// Signal asks the process group led by pid to terminate.
	Signal(pid int) error
}

// OSLauncher starts providers as detached processes in their own session.
// Output goes straight to the run log through an inherited file descriptor,
// so the child keeps running when the coordinator exits.
type OSLauncher struct{}

func (OSLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if spec.PromptPath != "" {
		if err := os.WriteFile(spec.PromptPath, []byte(spec.Stdin), 0o600); err != nil {
			return nil, fmt.Errorf("write prompt: %w", err)
		}
		stdin, err := os.Open(spec.PromptPath)
		if err != nil {
			return nil, fmt.Errorf("open prompt: %w", err)
		}
		defer stdin.Close()
		cmd.Stdin = stdin
	}
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	p := &osProcess{pid: cmd.Process.Pid, exited: make(chan struct{})}
	// Reap only; state is advanced by health scans.
	go func() {
		_ = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

type osProcess struct {
	pid    int
	exited chan struct{}
}

func (p *osProcess) PID() int                { return p.pid }
func (p *osProcess) Exited() <-chan struct{} { return p.exited }
