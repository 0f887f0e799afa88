package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/cmdrelay/internal/api"
	"github.com/user/cmdrelay/internal/broadcast"
	"github.com/user/cmdrelay/internal/config"
	"github.com/user/cmdrelay/internal/metrics"
	"github.com/user/cmdrelay/internal/queue"
	"github.com/user/cmdrelay/internal/relay"
	"github.com/user/cmdrelay/internal/scheduler"
	"github.com/user/cmdrelay/internal/session"
	"github.com/user/cmdrelay/internal/state"
	"github.com/user/cmdrelay/internal/telegram"
	"github.com/user/cmdrelay/internal/transport"
	"github.com/user/cmdrelay/internal/types"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(path string) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	return nil
}

// openQueue restores the queue snapshot. A corrupt snapshot aborts startup
// unless reset is set, in which case it is moved aside and the queue starts
// empty.
func openQueue(store *state.SnapshotStore, reset bool) (*queue.Queue, error) {
	q, err := queue.Open(store)
	if err == nil {
		return q, nil
	}
	if !errors.Is(err, types.ErrCorruptStore) || !reset {
		return nil, fmt.Errorf("open queue %s: %w", store.Path(), err)
	}
	moved, qerr := store.Quarantine()
	if qerr != nil {
		return nil, fmt.Errorf("quarantine corrupt queue: %w", qerr)
	}
	slog.Warn("queue snapshot corrupt; starting empty", "path", store.Path(), "moved_to", moved, "error", err)
	return queue.New(store), nil
}

// newDispatcher assembles the relay core from cfg.
func newDispatcher(cfg *config.Config) (*relay.Dispatcher, error) {
	codec, err := state.CodecFor(cfg.Store.Format)
	if err != nil {
		return nil, err
	}
	q, err := openQueue(state.NewSnapshotStore(cfg.StorePath(), codec), cfg.Store.ResetOnCorrupt)
	if err != nil {
		return nil, err
	}
	policy, err := relay.ParsePolicy(cfg.Relay.UnknownReportPolicy)
	if err != nil {
		return nil, err
	}

	reg := session.NewRegistry()
	return relay.New(q, reg, broadcast.New(reg.Controllers),
		relay.WithUnknownReportPolicy(policy),
		relay.WithUploads(state.NewUploadStore(cfg.UploadsDir())),
	), nil
}

// newMux mounts the websocket endpoints, the HTTP side-channel and
// /metrics. Sessions accepted by the mux are closed when ctx is done.
func newMux(ctx context.Context, cfg *config.Config, d *relay.Dispatcher, tasks *state.TaskStore) *http.ServeMux {
	mux := http.NewServeMux()
	transport.NewServer(ctx, d, transport.Options{
		SendBuffer:      cfg.Relay.SendBuffer,
		MaxMessageBytes: cfg.Relay.MaxMessageBytes,
	}).Register(mux)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("/", api.NewServer(d, d.Queue(), d.Registry(), tasks))
	return mux
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return err
	}
	defer os.Remove(pidPath)

	metrics.Init()

	d, err := newDispatcher(cfg)
	if err != nil {
		return err
	}
	taskStore := state.NewTaskStore(cfg.TasksPath())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newMux(gctx, cfg, d, taskStore),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		slog.Info("relay listening", "listen", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return httpServer.Shutdown(shutdownCtx)
	})

	sched := scheduler.New(taskStore, func(t state.Task) {
		cmd, delivered := d.Issue(t.Target, t.Kind, t.Payload)
		slog.Info("scheduled command issued", "task", t.Name, "command_id", cmd.ID, "delivered", delivered)
	})
	n, err := sched.Start()
	if err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	slog.Info("scheduler started", "entries", n)

	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		adapter, err := telegram.New(cfg.Telegram.Token, cfg.Telegram.ChatID, telegram.Deps{
			Issuer:   d,
			Queue:    d.Queue(),
			Registry: d.Registry(),
		})
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		g.Go(func() error { return adapter.Run(gctx) })
		slog.Info("telegram controller started", "chat_id", cfg.Telegram.ChatID)
	} else {
		slog.Warn("telegram controller disabled (token or chat_id missing)")
	}

	slog.Info("cmdrelay started",
		"data_dir", cfg.DataDir,
		"store", cfg.StorePath(),
		"store_format", cfg.Store.Format,
		"unknown_report_policy", cfg.Relay.UnknownReportPolicy,
		"pid_file", pidPath,
	)

	g.Go(func() error {
		return waitForSignal(gctx, cancel, sched, pidPath)
	})
	return g.Wait()
}

// waitForSignal cancels the group on SIGINT or SIGTERM, reloads tasks and
// re-executes the binary on SIGHUP.
func waitForSignal(ctx context.Context, cancel context.CancelFunc, sched *scheduler.Scheduler, pidPath string) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigChan:
			if sig != syscall.SIGHUP {
				slog.Info("shutting down", "signal", sig)
				cancel()
				return nil
			}
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				if _, err := sched.Reload(); err != nil {
					slog.Error("task reload failed", "error", err)
				}
				continue
			}
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				if writeErr := writePIDFile(pidPath); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
			}
		}
	}
}
