package worker

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
)

// Supervisor spawns and reaps command-watcher child processes. Every
// child is started in its own process group so a single kill reaches
// the whole subtree the command-watcher may itself have forked.
type Supervisor struct {
	pidDir string
	logDir string
}

// NewSupervisor creates the worker's PID and log directories if they
// do not already exist. Both are created world-writable (0o777); the
// command-watcher children themselves run as the worker's own user.
func NewSupervisor(pidDir, logDir string) (*Supervisor, error) {
	if err := os.MkdirAll(pidDir, 0o777); err != nil {
		return nil, fmt.Errorf("worker: create pid dir: %w", err)
	}
	if err := os.MkdirAll(logDir, 0o777); err != nil {
		return nil, fmt.Errorf("worker: create log dir: %w", err)
	}
	return &Supervisor{pidDir: pidDir, logDir: logDir}, nil
}

// Spawn builds and starts the command-watcher child for cmd, pointed
// at the worker's own control RPC port so the watcher can report
// progress back through it. argv0 is the command-watcher binary to
// exec; it is looked up on PATH if not absolute.
func (s *Supervisor) Spawn(argv0 string, cmd *Command, controlPort int) (*ProcessHandle, error) {
	logFile := filepath.Join(s.logDir, cmd.RelativeLogPath)
	if err := os.MkdirAll(filepath.Dir(logFile), 0o777); err != nil {
		return nil, fmt.Errorf("worker: create log subdir for command %d: %w", cmd.ID, err)
	}

	args := []string{
		"--log-file", logFile,
		"--control-port", strconv.Itoa(controlPort),
		"--command-id", strconv.Itoa(cmd.ID),
		"--validation-expression", cmd.ValidationExpression,
		cmd.Runner,
	}
	for name, value := range cmd.Arguments {
		args = append(args, fmt.Sprintf("%s=%s", name, value))
	}

	execCmd := exec.Command(argv0, args...)
	execCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	execCmd.Env = mergeEnv(os.Environ(), cmd.Environment)

	out, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("worker: open log file for command %d: %w", cmd.ID, err)
	}
	execCmd.Stdout = out
	execCmd.Stderr = out

	if err := execCmd.Start(); err != nil {
		out.Close()
		return nil, fmt.Errorf("worker: start command-watcher for command %d: %w", cmd.ID, err)
	}

	handle := &ProcessHandle{
		Cmd:     execCmd,
		Pid:     execCmd.Process.Pid,
		PIDFile: filepath.Join(s.pidDir, strconv.Itoa(cmd.ID)+".pid"),
		LogFile: logFile,
	}
	_ = os.WriteFile(handle.PIDFile, []byte(strconv.Itoa(handle.Pid)), 0o666)
	return handle, nil
}

// Kill sends SIGKILL to the child's entire process group.
func (s *Supervisor) Kill(h *ProcessHandle) error {
	if h == nil || h.Pid == 0 {
		return nil
	}
	if err := syscall.Kill(-h.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("worker: kill pid %d: %w", h.Pid, err)
	}
	return nil
}

// Cleanup removes the PID file for a handle once its process has been
// reaped. Best-effort: a missing PID file is not an error.
func (s *Supervisor) Cleanup(h *ProcessHandle) {
	if h == nil {
		return
	}
	_ = os.Remove(h.PIDFile)
}

// ReapOne performs a single non-blocking wait for any exited child.
// It returns ok=false when there is nothing to reap this call,
// letting the caller drain the zombie backlog with a bounded loop
// instead of blocking the reconciler tick.
func ReapOne() (pid int, exitCode int, ok bool, err error) {
	var status syscall.WaitStatus
	wpid, werr := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
	if werr == syscall.ECHILD {
		return 0, 0, false, nil
	}
	if werr != nil {
		return 0, 0, false, werr
	}
	if wpid <= 0 {
		return 0, 0, false, nil
	}
	return wpid, status.ExitStatus(), true, nil
}

func mergeEnv(base []string, overlay map[string]string) []string {
	out := make([]string, len(base), len(base)+len(overlay))
	copy(out, base)
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}
