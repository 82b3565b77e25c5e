package worker

import (
	"os/exec"
	"time"
)

// CommandStatus is the authoritative status of a Command as tracked by
// the dispatcher. The worker mirrors it locally and pushes transitions
// back via the dispatcher client.
type CommandStatus string

const (
	StatusBlocked   CommandStatus = "BLOCKED"
	StatusReady     CommandStatus = "READY"
	StatusAssigned  CommandStatus = "ASSIGNED"
	StatusRunning   CommandStatus = "RUNNING"
	StatusFinishing CommandStatus = "FINISHING"
	StatusDone      CommandStatus = "DONE"
	StatusCanceled  CommandStatus = "CANCELED"
	StatusError     CommandStatus = "ERROR"
	StatusTimeout   CommandStatus = "TIMEOUT"
	StatusPaused    CommandStatus = "PAUSED"
)

// IsTerminal reports whether no further status transitions are allowed
// from this status. FINISHING is intentionally excluded: it is a
// transient value the worker treats as non-terminal.
func (s CommandStatus) IsTerminal() bool {
	switch s {
	case StatusDone, StatusCanceled, StatusError, StatusTimeout:
		return true
	default:
		return false
	}
}

// WorkerStatus is the worker's own lifecycle state, published to the
// dispatcher on every heartbeat.
type WorkerStatus string

const (
	StatusBooting WorkerStatus = "BOOTING"
	StatusIdle    WorkerStatus = "IDLE"
	StatusRun     WorkerStatus = "RUNNING"
	StatusPausedW WorkerStatus = "PAUSED"
	StatusUnknown WorkerStatus = "UNKNOWN"
)

// Command is a single assignment pushed by the dispatcher.
type Command struct {
	ID                    int
	Runner                string
	Arguments             map[string]string
	ValidationExpression  string
	TaskName              string
	RelativeLogPath       string
	Environment           map[string]string
	Status                CommandStatus
	Completion            *float64
	Message               string
	ValidatorMessage      string
	ErrorInfos            []string
}

// NewCommand builds a Command in its initial ASSIGNED state.
func NewCommand(id int, runner string, arguments map[string]string, validationExpression, taskName, relativeLogPath string, environment map[string]string) *Command {
	if arguments == nil {
		arguments = map[string]string{}
	}
	if environment == nil {
		environment = map[string]string{}
	}
	return &Command{
		ID:                   id,
		Runner:               runner,
		Arguments:            arguments,
		ValidationExpression: validationExpression,
		TaskName:             taskName,
		RelativeLogPath:      relativeLogPath,
		Environment:          environment,
		Status:               StatusAssigned,
	}
}

// ProcessHandle is the supervisor's view of a spawned command-watcher
// child: the live *exec.Cmd plus the on-disk artifacts the supervisor
// owns (PID file, log file).
type ProcessHandle struct {
	Cmd     *exec.Cmd
	Pid     int
	PIDFile string
	LogFile string
}

// CommandWatcher is the supervision record for one active Command. It
// is a sibling record keyed by commandId, not a cyclic back-reference:
// both it and its Command live in the same Registry entry and are
// removed together.
type CommandWatcher struct {
	CommandID int
	Command   *Command
	Process   *ProcessHandle
	StartTime time.Time
	Timeout   *time.Duration

	// Modified is true when some field differs from the last value
	// successfully confirmed by the dispatcher.
	Modified bool

	// Finished is true once the child process has exited OR a terminal
	// status has been observed for its command.
	Finished bool
}
