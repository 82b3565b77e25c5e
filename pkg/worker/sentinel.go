package worker

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// KillFlag is the integer payload of the KILLFILE sentinel.
type KillFlag int

const (
	// KillFlagPause means the file is present but carries no kill or
	// restart request: pause only.
	KillFlagPause KillFlag = 0
	// KillFlagKill requests the running command be killed in addition
	// to pausing.
	KillFlagKill KillFlag = -1
	// KillFlagRestart requests the worker process itself be restarted
	// by its external supervisor once paused.
	KillFlagRestart KillFlag = -2
	// KillFlagKillAndRestart combines KillFlagKill and KillFlagRestart.
	KillFlagKillAndRestart KillFlag = -3
)

// SentinelState is the result of reading the worker's control files on
// a single tick.
type SentinelState struct {
	Present bool
	Flag    KillFlag
}

// ShouldKill reports whether the current running command should be
// killed.
func (s SentinelState) ShouldKill() bool {
	return s.Flag == KillFlagKill || s.Flag == KillFlagKillAndRestart
}

// RequestsRestart reports whether the external supervisor should be
// asked to restart the worker process via RESTARTFILE.
func (s SentinelState) RequestsRestart() bool {
	return s.Flag == KillFlagRestart || s.Flag == KillFlagKillAndRestart
}

// Sentinel reads and writes the two control files an operator (or an
// external supervisor) uses to pause, kill, or restart a worker
// without touching the dispatcher.
type Sentinel struct {
	KillFile    string
	RestartFile string
}

// NewSentinel builds a Sentinel bound to the given file paths.
func NewSentinel(killFile, restartFile string) *Sentinel {
	return &Sentinel{KillFile: killFile, RestartFile: restartFile}
}

// Read inspects KILLFILE. A missing file yields SentinelState{}. A
// present-but-empty or unparsable file is treated as KillFlagPause,
// matching a plain "touch KILLFILE" pause request.
func (s *Sentinel) Read() (SentinelState, error) {
	data, err := os.ReadFile(s.KillFile)
	if err != nil {
		if os.IsNotExist(err) {
			return SentinelState{}, nil
		}
		return SentinelState{}, fmt.Errorf("worker: read kill file: %w", err)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return SentinelState{Present: true, Flag: KillFlagPause}, nil
	}

	n, err := strconv.Atoi(text)
	if err != nil {
		return SentinelState{Present: true, Flag: KillFlagPause}, nil
	}
	return SentinelState{Present: true, Flag: KillFlag(n)}, nil
}

// EnsureRestartFile creates RESTARTFILE if it does not already exist.
// It is idempotent: the file's only meaning is its presence, consumed
// by whatever process supervises the worker from outside.
func (s *Sentinel) EnsureRestartFile() error {
	f, err := os.OpenFile(s.RestartFile, os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return fmt.Errorf("worker: create restart file: %w", err)
	}
	return f.Close()
}
