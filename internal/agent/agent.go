// Package agent is a reference target: it connects to the relay, registers
// a name, executes commands by kind and reports the results.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/user/cmdrelay/internal/protocol"
	"github.com/user/cmdrelay/internal/transport"
	"github.com/user/cmdrelay/internal/types"
)

// DefaultChunkSize splits file results larger than this into chunk frames.
const DefaultChunkSize = 256 << 10

// File is a file produced by a handler.
type File struct {
	Name string
	Data []byte
}

// Result is what a handler returns for a successful command.
type Result struct {
	Value json.RawMessage
	File  *File
}

// Handler executes one command kind. A returned error reports the command
// as failed.
type Handler func(ctx context.Context, payload json.RawMessage) (Result, error)

// Agent is a reconnecting target client.
type Agent struct {
	url         string
	name        string
	retry       *RetryPolicy
	concurrency int
	chunkSize   int
	opts        transport.Options

	mu       sync.RWMutex
	handlers map[string]Handler
}

// Option configures an Agent.
type Option func(*Agent)

// WithRetryPolicy overrides the reconnect backoff.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(a *Agent) { a.retry = p }
}

// WithConcurrency bounds commands executed at once.
func WithConcurrency(n int) Option {
	return func(a *Agent) { a.concurrency = n }
}

// WithChunkSize sets the file size above which results are chunked.
func WithChunkSize(n int) Option {
	return func(a *Agent) { a.chunkSize = n }
}

// New creates an agent for the relay endpoint url (ws://host/client-ws)
// registering as name. ping and echo are handled out of the box.
func New(url, name string, opts ...Option) *Agent {
	a := &Agent{
		url:         url,
		name:        name,
		retry:       DefaultRetryPolicy(),
		concurrency: 4,
		chunkSize:   DefaultChunkSize,
		handlers:    make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.Handle("ping", func(context.Context, json.RawMessage) (Result, error) {
		return Result{Value: json.RawMessage(`{"ok":true}`)}, nil
	})
	a.Handle("echo", func(_ context.Context, payload json.RawMessage) (Result, error) {
		return Result{Value: payload}, nil
	})
	return a
}

// Handle registers h for kind, replacing any earlier handler.
func (a *Agent) Handle(kind string, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[kind] = h
}

func (a *Agent) handler(kind string) (Handler, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.handlers[kind]
	return h, ok
}

// Run connects and serves until ctx is done, reconnecting with backoff.
// The attempt counter resets after every session that registered.
func (a *Agent) Run(ctx context.Context) error {
	attempt := 0
	for {
		registered, err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if registered {
			attempt = 0
		}
		attempt++
		if !a.retry.ShouldRetry(err, attempt) {
			return err
		}
		delay := a.retry.NextDelay(attempt)
		slog.Warn("relay connection lost, reconnecting", "name", a.name, "attempt", attempt, "delay", delay, "error", err)
		if err := sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// session runs one connection. It reports whether registration was sent.
func (a *Agent) session(ctx context.Context) (bool, error) {
	conn, err := transport.Dial(ctx, a.url, a.opts)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) {
			return false, Permanent(err)
		}
		return false, err
	}
	defer conn.Close()

	if err := send(ctx, conn, protocol.Envelope{Type: protocol.TypeRegister, Name: a.name}); err != nil {
		return false, fmt.Errorf("register: %w", err)
	}
	slog.Info("registered with relay", "name", a.name, "url", a.url)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency + 1)
	stop := context.AfterFunc(gctx, func() { conn.Close() })
	defer stop()

	g.Go(func() error {
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("read: %w", err)
			}
			ev, err := protocol.DecodeEvent(data)
			if err != nil || ev.Type != protocol.TypeCommand || ev.ID == "" {
				slog.Debug("ignoring frame", "frame", string(data))
				continue
			}
			g.Go(func() error {
				a.execute(gctx, conn, ev)
				return nil
			})
		}
	})
	return true, g.Wait()
}

func (a *Agent) execute(ctx context.Context, conn *transport.Conn, ev protocol.Event) {
	log := slog.With("command_id", ev.ID, "kind", ev.Kind)

	h, ok := a.handler(ev.Kind)
	if !ok {
		log.Warn("no handler for command kind")
		a.report(ctx, conn, ev.ID, types.StatusFailed, errorResult(fmt.Errorf("unknown kind %q", ev.Kind)), nil)
		return
	}

	res, err := h(ctx, ev.Payload)
	if err != nil {
		log.Info("command failed", "error", err)
		a.report(ctx, conn, ev.ID, types.StatusFailed, errorResult(err), nil)
		return
	}
	log.Info("command done")
	a.report(ctx, conn, ev.ID, types.StatusDone, res.Value, res.File)
}

// report waits for buffer space so chunks and the report itself are never
// dropped while the connection is alive.
func (a *Agent) report(ctx context.Context, conn *transport.Conn, id types.CommandID, status types.Status, value json.RawMessage, f *File) {
	env := protocol.Envelope{Type: protocol.TypeReport, ID: id, Status: status, Result: value}
	if f != nil {
		payload, err := a.sendFile(ctx, conn, id, f)
		if err != nil {
			slog.Warn("upload aborted", "command_id", id, "file", f.Name, "error", err)
			return
		}
		env.File = payload
	}
	if err := send(ctx, conn, env); err != nil {
		slog.Warn("report not sent", "command_id", id, "error", err)
	}
}

// sendFile sends large files as chunk frames ahead of the report and
// returns the payload the report should carry.
func (a *Agent) sendFile(ctx context.Context, conn *transport.Conn, id types.CommandID, f *File) (*protocol.FilePayload, error) {
	if len(f.Data) <= a.chunkSize {
		return &protocol.FilePayload{Name: f.Name, Data: f.Data}, nil
	}
	total := (len(f.Data) + a.chunkSize - 1) / a.chunkSize
	for i := 0; i < total; i++ {
		end := min((i+1)*a.chunkSize, len(f.Data))
		err := send(ctx, conn, protocol.Envelope{
			Type:  protocol.TypeChunk,
			ID:    id,
			Index: i,
			Total: total,
			Data:  f.Data[i*a.chunkSize : end],
		})
		if err != nil {
			return nil, fmt.Errorf("chunk %d/%d: %w", i, total, err)
		}
	}
	return &protocol.FilePayload{Name: f.Name, Chunks: total}, nil
}

func errorResult(err error) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return data
}

func send(ctx context.Context, conn *transport.Conn, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.SendContext(ctx, data)
}
