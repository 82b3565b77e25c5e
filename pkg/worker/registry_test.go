package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEntry(id int) (*Command, *CommandWatcher) {
	cmd := NewCommand(id, "mray", map[string]string{"scene": "shot010.ma"}, "", "task-1", "log.txt", nil)
	watcher := &CommandWatcher{CommandID: id, Command: cmd}
	return cmd, watcher
}

func TestRegistry_AddLookupRemove(t *testing.T) {
	r := NewRegistry()
	cmd, watcher := newTestEntry(1)
	r.Add(cmd, watcher)

	gotCmd, gotWatcher, ok := r.Lookup(1)
	require.True(t, ok)
	assert.Same(t, cmd, gotCmd)
	assert.Same(t, watcher, gotWatcher)
	assert.Equal(t, 1, r.Len())

	r.Remove(1)
	_, _, ok = r.Lookup(1)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_LookupUnknown(t *testing.T) {
	r := NewRegistry()
	_, _, ok := r.Lookup(99)
	assert.False(t, ok)
}

func TestRegistry_ApplyUpdate_SetsModifiedAndFields(t *testing.T) {
	r := NewRegistry()
	cmd, watcher := newTestEntry(1)
	cmd.Status = StatusRunning
	r.Add(cmd, watcher)

	completion := 0.5
	err := r.ApplyUpdate(1, &completion, StatusRunning, "halfway")
	require.NoError(t, err)

	gotCmd, gotWatcher, _ := r.Lookup(1)
	assert.True(t, gotWatcher.Modified)
	assert.Equal(t, 0.5, *gotCmd.Completion)
	assert.Equal(t, "halfway", gotCmd.Message)
}

func TestRegistry_ApplyUpdate_TerminalTransitionMarksFinished(t *testing.T) {
	r := NewRegistry()
	cmd, watcher := newTestEntry(1)
	cmd.Status = StatusRunning
	r.Add(cmd, watcher)

	err := r.ApplyUpdate(1, nil, StatusDone, "finished")
	require.NoError(t, err)

	_, gotWatcher, _ := r.Lookup(1)
	assert.True(t, gotWatcher.Finished)
}

func TestRegistry_ApplyUpdate_CanceledIsAbsorbing(t *testing.T) {
	r := NewRegistry()
	cmd, watcher := newTestEntry(1)
	cmd.Status = StatusCanceled
	r.Add(cmd, watcher)

	completion := 0.9
	err := r.ApplyUpdate(1, &completion, StatusDone, "should not apply")
	require.NoError(t, err)

	gotCmd, gotWatcher, _ := r.Lookup(1)
	// Modified is still set so the dispatcher is told again...
	assert.True(t, gotWatcher.Modified)
	// ...but the fields themselves never change once CANCELED.
	assert.Equal(t, StatusCanceled, gotCmd.Status)
	assert.Nil(t, gotCmd.Completion)
}

func TestRegistry_ApplyUpdate_UnknownCommand(t *testing.T) {
	r := NewRegistry()
	err := r.ApplyUpdate(42, nil, StatusDone, "")
	require.Error(t, err)
	var unknown *ErrUnknownCommand
	assert.ErrorAs(t, err, &unknown)
}

func TestRegistry_FinishedQuiescent(t *testing.T) {
	r := NewRegistry()
	cmd1, watcher1 := newTestEntry(1)
	watcher1.Finished = true
	watcher1.Modified = false
	r.Add(cmd1, watcher1)

	cmd2, watcher2 := newTestEntry(2)
	watcher2.Finished = true
	watcher2.Modified = true
	r.Add(cmd2, watcher2)

	cmd3, watcher3 := newTestEntry(3)
	r.Add(cmd3, watcher3)

	quiescent := r.FinishedQuiescent()
	require.Len(t, quiescent, 1)
	assert.Equal(t, 1, quiescent[0].CommandID)
}

func TestRegistry_ModifiedWatchers(t *testing.T) {
	r := NewRegistry()
	cmd1, watcher1 := newTestEntry(1)
	watcher1.Modified = true
	r.Add(cmd1, watcher1)

	cmd2, watcher2 := newTestEntry(2)
	r.Add(cmd2, watcher2)

	modified := r.ModifiedWatchers()
	require.Len(t, modified, 1)
	assert.Equal(t, 1, modified[0].CommandID)
}

func TestRegistry_StatusCounts(t *testing.T) {
	r := NewRegistry()
	cmd1, watcher1 := newTestEntry(1)
	cmd1.Status = StatusRunning
	r.Add(cmd1, watcher1)

	cmd2, watcher2 := newTestEntry(2)
	cmd2.Status = StatusRunning
	r.Add(cmd2, watcher2)

	cmd3, watcher3 := newTestEntry(3)
	cmd3.Status = StatusDone
	r.Add(cmd3, watcher3)

	counts := r.StatusCounts()
	assert.Equal(t, 2, counts[string(StatusRunning)])
	assert.Equal(t, 1, counts[string(StatusDone)])
}

func TestRegistry_ClearModified(t *testing.T) {
	r := NewRegistry()
	cmd, watcher := newTestEntry(1)
	watcher.Modified = true
	r.Add(cmd, watcher)

	r.ClearModified(1)
	_, gotWatcher, _ := r.Lookup(1)
	assert.False(t, gotWatcher.Modified)
}
