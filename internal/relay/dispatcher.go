// Package relay drives the target and controller protocols: it decodes
// inbound frames, mutates the command queue and session registry, and
// decides which endpoints hear about it.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/cmdrelay/internal/broadcast"
	"github.com/user/cmdrelay/internal/metrics"
	"github.com/user/cmdrelay/internal/protocol"
	"github.com/user/cmdrelay/internal/queue"
	"github.com/user/cmdrelay/internal/session"
	"github.com/user/cmdrelay/internal/state"
	"github.com/user/cmdrelay/internal/types"
)

var (
	// ErrMalformed is returned by Decode for unparseable or incomplete
	// frames. Such frames are dropped; they never end a connection.
	ErrMalformed = protocol.ErrMalformed
	// ErrProtocolViolation ends a connection whose first valid frame is
	// not the registration its endpoint expects.
	ErrProtocolViolation = errors.New("protocol violation")
)

// Conn is a session that can also be read from. Transports implement it.
type Conn interface {
	types.Session
	// ReadMessage blocks for the next inbound frame. Any error ends the
	// session.
	ReadMessage() ([]byte, error)
}

// UnknownReportPolicy decides what happens to a report naming a command id
// the target's queue does not hold.
type UnknownReportPolicy string

const (
	PolicyDrop   UnknownReportPolicy = "drop"
	PolicyRecord UnknownReportPolicy = "record"
)

// ParsePolicy validates a configured policy name. Empty means drop.
func ParsePolicy(s string) (UnknownReportPolicy, error) {
	switch UnknownReportPolicy(s) {
	case "", PolicyDrop:
		return PolicyDrop, nil
	case PolicyRecord:
		return PolicyRecord, nil
	}
	return "", fmt.Errorf("unknown report policy %q (want drop or record)", s)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithUnknownReportPolicy sets the policy for reports with unknown ids.
func WithUnknownReportPolicy(p UnknownReportPolicy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithUploads enables file payloads on reports. Without it, file payloads
// and chunk frames are dropped.
func WithUploads(u *state.UploadStore) Option {
	return func(d *Dispatcher) { d.uploads = u }
}

// Dispatcher wires the queue, registry and broadcaster together.
type Dispatcher struct {
	queue       *queue.Queue
	registry    *session.Registry
	broadcaster *broadcast.Broadcaster
	uploads     *state.UploadStore
	policy      UnknownReportPolicy

	// Delivery to a target is serialized per name so a registration replay
	// and a concurrent enqueue never send the same command twice.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a Dispatcher. The registry's presence events are routed to
// the broadcaster.
func New(q *queue.Queue, reg *session.Registry, b *broadcast.Broadcaster, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:       q,
		registry:    reg,
		broadcaster: b,
		policy:      PolicyDrop,
		locks:       make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(d)
	}
	reg.OnPresence(b.Presence)
	return d
}

// Queue exposes the command queue for read-side callers.
func (d *Dispatcher) Queue() *queue.Queue { return d.queue }

// Registry exposes the session registry for read-side callers.
func (d *Dispatcher) Registry() *session.Registry { return d.registry }

// ServeTarget runs the target protocol on conn until it closes or ctx is
// done. The first valid frame must register a target name.
func (d *Dispatcher) ServeTarget(ctx context.Context, conn Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	name, err := d.awaitTargetRegister(conn)
	if err != nil {
		return err
	}

	d.registry.RegisterTarget(name, conn)
	defer func() {
		conn.Close()
		d.registry.UnregisterTarget(name, conn)
		d.requeueUnsent(name, conn)
	}()
	slog.Info("target registered", "target", name, "session", conn.ID())

	d.flush(name, conn)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			slog.Info("target disconnected", "target", name, "session", conn.ID())
			return nil
		}
		msg, ok := decode(conn, data)
		if !ok {
			continue
		}
		switch m := msg.(type) {
		case protocol.Report:
			d.handleReport(name, m)
		case protocol.Chunk:
			d.handleChunk(name, m)
		default:
			metrics.FrameDropped("unexpected")
			slog.Debug("unexpected frame from target", "target", name, "type", fmt.Sprintf("%T", m))
		}
	}
}

func (d *Dispatcher) awaitTargetRegister(conn Conn) (string, error) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return "", err
		}
		msg, ok := decode(conn, data)
		if !ok {
			continue
		}
		reg, isReg := msg.(protocol.Register)
		if !isReg || reg.IsController() {
			metrics.FrameDropped("protocol_violation")
			slog.Warn("target connection did not register first", "session", conn.ID())
			return "", ErrProtocolViolation
		}
		return reg.Name, nil
	}
}

// ServeController runs the controller protocol on conn until it closes or
// ctx is done. Frames before register{role:control} are ignored; a target
// registration on this endpoint is a protocol violation.
func (d *Dispatcher) ServeController(ctx context.Context, conn Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	if err := d.awaitControllerRegister(conn); err != nil {
		return err
	}

	d.registry.RegisterController(conn)
	defer d.registry.UnregisterController(conn)
	slog.Info("controller registered", "session", conn.ID())

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			slog.Info("controller disconnected", "session", conn.ID())
			return nil
		}
		msg, ok := decode(conn, data)
		if !ok {
			continue
		}
		issue, isIssue := msg.(protocol.Issue)
		if !isIssue {
			metrics.FrameDropped("unexpected")
			slog.Debug("unexpected frame from controller", "session", conn.ID(), "type", fmt.Sprintf("%T", msg))
			continue
		}
		cmd, delivered := d.Issue(issue.Target, issue.Kind, issue.Payload)
		conn.Send(protocol.MustEncode(protocol.NewAck(cmd.Target, cmd.ID, delivered)))
	}
}

func (d *Dispatcher) awaitControllerRegister(conn Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, ok := decode(conn, data)
		if !ok {
			continue
		}
		reg, isReg := msg.(protocol.Register)
		if !isReg {
			metrics.FrameDropped("unregistered")
			slog.Debug("controller frame before register dropped", "session", conn.ID())
			continue
		}
		if !reg.IsController() {
			metrics.FrameDropped("protocol_violation")
			slog.Warn("target registration on controller endpoint", "session", conn.ID(), "name", reg.Name)
			return ErrProtocolViolation
		}
		return nil
	}
}

// Issue enqueues a command and delivers it if the target is online. It
// reports whether the command reached the target's transport.
func (d *Dispatcher) Issue(target, kind string, payload json.RawMessage) (types.Command, bool) {
	cmd := d.queue.Enqueue(target, kind, payload)
	slog.Info("command enqueued", "target", target, "command_id", cmd.ID, "kind", kind)

	if s, ok := d.registry.LookupTarget(target); ok {
		d.flush(target, s)
	}
	current, ok := d.queue.FindByID(target, cmd.ID)
	if !ok {
		return cmd, false
	}
	delivered := current.Status != types.StatusPending && current.Status != types.StatusCanceled
	return current, delivered
}

// flush sends every pending command for target to s in queue order and
// marks each dispatched. It stops at the first refused send; the rest stay
// pending for the next registration.
func (d *Dispatcher) flush(target string, s types.Session) {
	mu := d.targetLock(target)
	mu.Lock()
	defer mu.Unlock()

	for _, cmd := range d.queue.ListPending(target) {
		if !s.Send(protocol.MustEncode(protocol.NewCommandFrame(cmd))) {
			slog.Warn("command delivery refused", "target", target, "command_id", cmd.ID, "session", s.ID())
			return
		}
		if _, err := d.queue.MarkDispatched(target, cmd.ID); err != nil {
			// Canceled between listing and sending.
			slog.Warn("sent command changed state before dispatch", "target", target, "command_id", cmd.ID, "error", err)
		}
	}
}

// unsentReporter is implemented by connections that can return the frames
// they never wrote before closing.
type unsentReporter interface {
	Unsent() [][]byte
}

// requeueUnsent puts commands whose frames never left a closed connection
// back to pending and hands them to the target's current session, if any.
func (d *Dispatcher) requeueUnsent(target string, conn Conn) {
	ur, ok := conn.(unsentReporter)
	if !ok {
		return
	}
	requeued := 0
	for _, data := range ur.Unsent() {
		ev, err := protocol.DecodeEvent(data)
		if err != nil || ev.Type != protocol.TypeCommand {
			continue
		}
		if _, err := d.queue.Requeue(target, ev.ID); err != nil {
			slog.Debug("unsent command not requeued", "target", target, "command_id", ev.ID, "error", err)
			continue
		}
		requeued++
	}
	if requeued == 0 {
		return
	}
	slog.Warn("requeued commands never written to target", "target", target, "session", conn.ID(), "count", requeued)
	if s, ok := d.registry.LookupTarget(target); ok {
		d.flush(target, s)
	}
}

func (d *Dispatcher) targetLock(target string) *sync.Mutex {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	mu, ok := d.locks[target]
	if !ok {
		mu = &sync.Mutex{}
		d.locks[target] = mu
	}
	return mu
}

// handleReport applies a target's report. Reports and chunks for one
// target are serialized with deliveries, and uploads are only written once
// the queue would accept the report, so a duplicate never touches disk.
func (d *Dispatcher) handleReport(target string, r protocol.Report) {
	mu := d.targetLock(target)
	mu.Lock()
	defer mu.Unlock()

	known := true
	switch err := d.queue.CheckReport(target, r.ID, r.Status); {
	case err == nil:
	case errors.Is(err, queue.ErrUnknownCommand) && d.policy == PolicyRecord:
		known = false
	case errors.Is(err, queue.ErrUnknownCommand):
		metrics.FrameDropped("unknown_command")
		slog.Warn("report for unknown command dropped", "target", target, "command_id", r.ID)
		return
	case errors.Is(err, queue.ErrConflict):
		metrics.FrameDropped("conflict")
		slog.Info("duplicate or late report ignored", "target", target, "command_id", r.ID, "error", err)
		return
	default:
		metrics.FrameDropped("rejected")
		slog.Warn("report rejected", "target", target, "command_id", r.ID, "error", err)
		return
	}

	var opts []queue.TransitionOption
	stored := false
	if r.File != nil {
		ref, err := d.storeFile(target, r.ID, r.File)
		if err != nil {
			slog.Error("report file not stored", "target", target, "command_id", r.ID, "error", err)
		} else {
			opts = append(opts, queue.WithFile(ref))
			stored = true
		}
	}

	var (
		cmd types.Command
		err error
	)
	if known {
		cmd, err = d.queue.Transition(target, r.ID, r.Status, r.Result, opts...)
	} else {
		cmd, err = d.queue.Record(target, r.ID, r.Status, r.Result, opts...)
	}
	if err != nil {
		// A cancel or another target's record won the race after the check.
		if stored {
			if derr := d.uploads.Discard(target, r.ID); derr != nil {
				slog.Warn("orphaned upload not removed", "target", target, "command_id", r.ID, "error", derr)
			}
		}
		if errors.Is(err, queue.ErrConflict) {
			metrics.FrameDropped("conflict")
			slog.Info("duplicate or late report ignored", "target", target, "command_id", r.ID, "error", err)
			return
		}
		metrics.FrameDropped("rejected")
		slog.Warn("report rejected", "target", target, "command_id", r.ID, "error", err)
		return
	}

	slog.Info("command reported", "target", target, "command_id", cmd.ID, "status", cmd.Status)
	d.broadcaster.Report(cmd)
}

func (d *Dispatcher) handleChunk(target string, c protocol.Chunk) {
	if d.uploads == nil {
		metrics.FrameDropped("uploads_disabled")
		return
	}
	mu := d.targetLock(target)
	mu.Lock()
	defer mu.Unlock()

	switch err := d.queue.CheckReport(target, c.ID, types.StatusDone); {
	case err == nil:
	case errors.Is(err, queue.ErrUnknownCommand) && d.policy == PolicyRecord:
	case errors.Is(err, queue.ErrUnknownCommand):
		metrics.FrameDropped("unknown_command")
		slog.Warn("chunk for unknown command dropped", "target", target, "command_id", c.ID)
		return
	default:
		metrics.FrameDropped("conflict")
		slog.Info("chunk for settled command dropped", "target", target, "command_id", c.ID, "error", err)
		return
	}
	if err := d.uploads.PutChunk(target, c.ID, c.Index, c.Data); err != nil {
		slog.Error("chunk not stored", "target", target, "command_id", c.ID, "index", c.Index, "error", err)
	}
}

func (d *Dispatcher) storeFile(target string, id types.CommandID, f *protocol.FilePayload) (*types.FileRef, error) {
	if d.uploads == nil {
		return nil, errors.New("uploads disabled")
	}
	if f.Chunks > 0 {
		return d.uploads.Assemble(target, id, f.Name, f.Chunks)
	}
	return d.uploads.Write(target, id, f.Name, f.Data)
}

// decode logs and drops malformed frames.
func decode(conn Conn, data []byte) (protocol.Message, bool) {
	msg, err := protocol.Decode(data)
	if err != nil {
		metrics.FrameDropped("malformed")
		slog.Debug("malformed frame dropped", "session", conn.ID(), "error", err)
		return nil, false
	}
	return msg, true
}
