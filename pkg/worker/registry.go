package worker

import (
	"fmt"
	"sync"
)

// ErrUnknownCommand is returned when an operation names a command id
// the Registry has no entry for.
type ErrUnknownCommand struct {
	ID int
}

func (e *ErrUnknownCommand) Error() string {
	return fmt.Sprintf("worker: no command with id %d", e.ID)
}

type registryEntry struct {
	command *Command
	watcher *CommandWatcher
}

// Registry holds the worker's in-memory view of every Command it has
// been assigned, paired with its CommandWatcher supervision record.
// Entries are added by Add and removed once both the child process
// and the dispatcher have acknowledged a terminal status.
//
// The registry is mutated almost exclusively by the single main-loop
// goroutine; the mutex makes its reads safe from other goroutines,
// such as the metrics collector calling StatusCounts and Len.
type Registry struct {
	mu      sync.Mutex
	entries map[int]*registryEntry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[int]*registryEntry)}
}

// Add inserts a new Command/CommandWatcher pair. It overwrites any
// existing entry for the same id.
func (r *Registry) Add(cmd *Command, watcher *CommandWatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[cmd.ID] = &registryEntry{command: cmd, watcher: watcher}
}

// Remove deletes the entry for id, if any.
func (r *Registry) Remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Lookup returns the Command and CommandWatcher for id.
func (r *Registry) Lookup(id int) (*Command, *CommandWatcher, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, nil, false
	}
	return e.command, e.watcher, true
}

// Len returns the number of tracked commands.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns every tracked Command, for inclusion in the
// registration payload sent to the dispatcher.
func (r *Registry) Snapshot() []*Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Command, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.command)
	}
	return out
}

// ModifiedWatchers returns every CommandWatcher whose Modified flag is
// set, i.e. whose Command has diverged from the dispatcher's last
// confirmed view.
func (r *Registry) ModifiedWatchers() []*CommandWatcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*CommandWatcher, 0)
	for _, e := range r.entries {
		if e.watcher.Modified {
			out = append(out, e.watcher)
		}
	}
	return out
}

// FinishedQuiescent returns every CommandWatcher that has finished and
// carries no pending, unflushed modification — i.e. it is safe to
// remove from the registry.
func (r *Registry) FinishedQuiescent() []*CommandWatcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*CommandWatcher, 0)
	for _, e := range r.entries {
		if e.watcher.Finished && !e.watcher.Modified {
			out = append(out, e.watcher)
		}
	}
	return out
}

// Running returns every CommandWatcher still believed to have a live
// child process, for zombie-reap and timeout-enforcement passes.
func (r *Registry) Running() []*CommandWatcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*CommandWatcher, 0)
	for _, e := range r.entries {
		if !e.watcher.Finished {
			out = append(out, e.watcher)
		}
	}
	return out
}

// ApplyUpdate merges a completion/status/message triple into the
// Command for id and marks its watcher Modified. If the command's
// current status is CANCELED, the status is absorbing: Modified is
// still set (so the dispatcher is told again), but no field is
// overwritten.
func (r *Registry) ApplyUpdate(id int, completion *float64, status CommandStatus, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return &ErrUnknownCommand{ID: id}
	}

	e.watcher.Modified = true
	if e.command.Status == StatusCanceled {
		return nil
	}

	if completion != nil {
		e.command.Completion = completion
	}
	if message != "" {
		e.command.Message = message
	}
	if status != "" {
		e.command.Status = status
		if status.IsTerminal() {
			e.watcher.Finished = true
		}
	}
	return nil
}

// ApplyValidation merges a validator message and error list into the
// Command for id, following the same CANCELED-absorbing rule as
// ApplyUpdate.
func (r *Registry) ApplyValidation(id int, validatorMessage string, errorInfos []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return &ErrUnknownCommand{ID: id}
	}

	e.watcher.Modified = true
	if e.command.Status == StatusCanceled {
		return nil
	}

	e.command.ValidatorMessage = validatorMessage
	e.command.ErrorInfos = errorInfos
	return nil
}

// StatusCounts returns the number of tracked commands per status,
// keyed by the status string, for the metrics collector.
func (r *Registry) StatusCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for _, e := range r.entries {
		out[string(e.command.Status)]++
	}
	return out
}

// ClearModified marks a CommandWatcher's pending changes as flushed.
func (r *Registry) ClearModified(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.watcher.Modified = false
	}
}
