package process

import (
	"context"
	"os"
	"os/exec"
)

// Spawner starts the client binary detached, with stdout and stderr going
// to logFile, and returns the child PID.
type Spawner interface {
	Spawn(ctx context.Context, binary string, args []string, logFile *os.File) (int, error)
}

// Signaler delivers termination signals by PID.
type Signaler interface {
	Terminate(pid int) error
	Kill(pid int) error
}

// OSSpawner spawns real OS processes in a new session.
type OSSpawner struct{}

func (OSSpawner) Spawn(_ context.Context, binary string, args []string, logFile *os.File) (int, error) {
	// The child must outlive the request that started it, so no CommandContext.
	// #nosec G204 -- binary comes from configuration, args from a confined path
	cmd := exec.Command(binary, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	configureSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// reap when it exits so no zombie lingers while we are alive
	go func() { _ = cmd.Wait() }()
	return pid, nil
}
