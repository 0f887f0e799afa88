// Package queue owns the per-target command queues and their status
// lifecycle. Every mutation is followed by a full snapshot save while the
// queue lock is held, so saves never interleave.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/user/cmdrelay/internal/metrics"
	"github.com/user/cmdrelay/internal/types"
)

var (
	// ErrUnknownCommand means the id is not in the target's queue.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrConflict means the command's current status does not allow the
	// requested transition. The unchanged command is returned with it.
	ErrConflict = errors.New("command status conflict")
	// ErrInvalidStatus means the requested status is not a transition target.
	ErrInvalidStatus = errors.New("invalid status")
)

// Queue holds the authoritative command state for all targets.
type Queue struct {
	mu     sync.Mutex
	store  types.QueueStore
	queues types.Snapshot
	owners map[types.CommandID]string

	now   func() time.Time
	newID func() types.CommandID
}

// New creates an empty Queue persisting to store.
func New(store types.QueueStore) *Queue {
	return &Queue{
		store:  store,
		queues: make(types.Snapshot),
		owners: make(map[types.CommandID]string),
		now:    time.Now,
		newID:  types.NewCommandID,
	}
}

// Open loads the snapshot from store. Errors wrapping
// types.ErrCorruptStore are returned unchanged so the caller can decide
// whether to abort or start empty.
func Open(store types.QueueStore) (*Queue, error) {
	snap, err := store.Load()
	if err != nil {
		return nil, err
	}
	q := New(store)
	for target, cmds := range snap {
		for _, cmd := range cmds {
			if owner, dup := q.owners[cmd.ID]; dup {
				return nil, fmt.Errorf("%w: command %s appears under %q and %q", types.ErrCorruptStore, cmd.ID, owner, target)
			}
			cmd.Target = target
			q.owners[cmd.ID] = target
		}
		q.queues[target] = cmds
	}
	return q, nil
}

// Enqueue appends a pending command for target and persists. A failed
// save is logged; the command stays queued in memory.
func (q *Queue) Enqueue(target, kind string, payload json.RawMessage) types.Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.newID()
	for {
		if _, taken := q.owners[id]; !taken {
			break
		}
		id = q.newID()
	}

	now := q.now()
	cmd := &types.Command{
		ID:        id,
		Target:    target,
		Kind:      kind,
		Payload:   payload,
		Status:    types.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.queues[target] = append(q.queues[target], cmd)
	q.owners[id] = target
	q.persist()

	metrics.CommandEnqueued()
	return *cmd
}

// FindByID returns the command with id in target's queue.
func (q *Queue) FindByID(target string, id types.CommandID) (types.Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cmd := q.find(target, id)
	if cmd == nil {
		return types.Command{}, false
	}
	return *cmd, true
}

// TransitionOption attaches extra data to a transition.
type TransitionOption func(*types.Command)

// WithFile records a reassembled upload on the command.
func WithFile(ref *types.FileRef) TransitionOption {
	return func(c *types.Command) { c.File = ref }
}

// Transition moves a command to status and persists it.
//
//	pending    -> dispatched | canceled | done | failed
//	dispatched -> done | failed
//
// Terminal commands never change: the stored command is returned together
// with ErrConflict so duplicate reports are detectable.
func (q *Queue) Transition(target string, id types.CommandID, status types.Status, result json.RawMessage, opts ...TransitionOption) (types.Command, error) {
	if !status.Valid() || status == types.StatusPending {
		return types.Command{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	cmd := q.find(target, id)
	if cmd == nil {
		return types.Command{}, fmt.Errorf("%w: %s/%s", ErrUnknownCommand, target, id)
	}
	if !allowed(cmd.Status, status) {
		return *cmd, fmt.Errorf("%w: %s is %s, cannot become %s", ErrConflict, id, cmd.Status, status)
	}

	cmd.Status = status
	cmd.UpdatedAt = q.now()
	if status.Terminal() && status != types.StatusCanceled {
		cmd.Result = result
		for _, opt := range opts {
			opt(cmd)
		}
	}
	q.persist()

	metrics.CommandTransition(string(status))
	return *cmd, nil
}

// MarkDispatched records that a pending command was handed to the target's
// transport.
func (q *Queue) MarkDispatched(target string, id types.CommandID) (types.Command, error) {
	return q.Transition(target, id, types.StatusDispatched, nil)
}

// Requeue returns a dispatched command to pending, for frames the
// target's transport never wrote. Any other status yields ErrConflict.
func (q *Queue) Requeue(target string, id types.CommandID) (types.Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cmd := q.find(target, id)
	if cmd == nil {
		return types.Command{}, fmt.Errorf("%w: %s/%s", ErrUnknownCommand, target, id)
	}
	if cmd.Status != types.StatusDispatched {
		return *cmd, fmt.Errorf("%w: %s is %s, cannot be requeued", ErrConflict, id, cmd.Status)
	}
	cmd.Status = types.StatusPending
	cmd.UpdatedAt = q.now()
	q.persist()

	metrics.CommandTransition(string(types.StatusPending))
	return *cmd, nil
}

// Cancel retracts a pending command. Commands that already left pending
// yield ErrConflict; unknown ids yield ErrUnknownCommand.
func (q *Queue) Cancel(target string, id types.CommandID) (types.Command, error) {
	return q.Transition(target, id, types.StatusCanceled, nil)
}

// Record inserts a terminal command that the relay never issued. It backs
// the "record" policy for reports naming unknown ids. The id must not exist
// under any target.
func (q *Queue) Record(target string, id types.CommandID, status types.Status, result json.RawMessage, opts ...TransitionOption) (types.Command, error) {
	if status != types.StatusDone && status != types.StatusFailed {
		return types.Command{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if owner, taken := q.owners[id]; taken {
		return types.Command{}, fmt.Errorf("%w: id %s already belongs to %q", ErrConflict, id, owner)
	}

	now := q.now()
	cmd := &types.Command{
		ID:        id,
		Target:    target,
		Kind:      "unknown",
		Status:    status,
		Result:    result,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(cmd)
	}
	q.queues[target] = append(q.queues[target], cmd)
	q.owners[id] = target
	q.persist()

	metrics.CommandTransition(string(status))
	return *cmd, nil
}

// CheckReport reports, without changing anything, whether a report moving
// id to status would be applied. It returns nil when Transition would
// succeed, ErrUnknownCommand when only Record could store it, and
// ErrConflict when the command is already terminal or the id belongs to
// another target.
func (q *Queue) CheckReport(target string, id types.CommandID, status types.Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if cmd := q.find(target, id); cmd != nil {
		if !allowed(cmd.Status, status) {
			return fmt.Errorf("%w: %s is %s, cannot become %s", ErrConflict, id, cmd.Status, status)
		}
		return nil
	}
	if owner, taken := q.owners[id]; taken {
		return fmt.Errorf("%w: id %s already belongs to %q", ErrConflict, id, owner)
	}
	return fmt.Errorf("%w: %s/%s", ErrUnknownCommand, target, id)
}

// ListPending returns target's pending commands in queue order.
func (q *Queue) ListPending(target string) []types.Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []types.Command
	for _, cmd := range q.queues[target] {
		if cmd.Status == types.StatusPending {
			out = append(out, *cmd)
		}
	}
	return out
}

// ListAll returns target's full history in queue order.
func (q *Queue) ListAll(target string) []types.Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	cmds := q.queues[target]
	out := make([]types.Command, 0, len(cmds))
	for _, cmd := range cmds {
		out = append(out, *cmd)
	}
	return out
}

// Targets returns the names that have at least one queued command, sorted.
func (q *Queue) Targets() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]string, 0, len(q.queues))
	for target := range q.queues {
		out = append(out, target)
	}
	sort.Strings(out)
	return out
}

func (q *Queue) find(target string, id types.CommandID) *types.Command {
	for _, cmd := range q.queues[target] {
		if cmd.ID == id {
			return cmd
		}
	}
	return nil
}

// persist saves the whole snapshot. Caller must hold q.mu.
func (q *Queue) persist() {
	if q.store == nil {
		return
	}
	if err := q.store.Save(q.queues); err != nil {
		metrics.StoreSaveFailure()
		slog.Error("queue snapshot save failed; continuing from memory", "error", err)
	}
}

func allowed(from, to types.Status) bool {
	switch from {
	case types.StatusPending:
		return to == types.StatusDispatched || to == types.StatusCanceled || to == types.StatusDone || to == types.StatusFailed
	case types.StatusDispatched:
		return to == types.StatusDone || to == types.StatusFailed
	}
	return false
}
