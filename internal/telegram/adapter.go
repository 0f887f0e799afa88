// Package telegram joins a Telegram chat to the relay as a controller: the
// chat receives relay events as text and can issue commands.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/cmdrelay/internal/protocol"
	"github.com/user/cmdrelay/internal/queue"
	"github.com/user/cmdrelay/internal/types"
)

const (
	maxTelegramMessage = 4096
	outboxSize         = 128
)

// Issuer enqueues and delivers commands.
type Issuer interface {
	Issue(target, kind string, payload json.RawMessage) (types.Command, bool)
}

// Queue is the part of the command queue the chat can inspect and cancel.
type Queue interface {
	ListAll(target string) []types.Command
	Cancel(target string, id types.CommandID) (types.Command, error)
}

// Registry admits the chat as a controller and answers presence queries.
type Registry interface {
	RegisterController(s types.Session)
	UnregisterController(s types.Session)
	OnlineTargets() []string
}

// Deps are the relay components the adapter drives.
type Deps struct {
	Issuer   Issuer
	Queue    Queue
	Registry Registry
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Adapter is a controller session backed by one Telegram chat.
type Adapter struct {
	bot    *tgbotapi.BotAPI
	out    sender
	chatID int64
	deps   Deps

	outbox    chan []byte
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// New creates an adapter for chatID. Only messages from that chat are
// accepted.
func New(token string, chatID int64, deps Deps) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := newAdapter(bot, chatID, deps)
	a.bot = bot
	return a, nil
}

func newAdapter(out sender, chatID int64, deps Deps) *Adapter {
	return &Adapter{
		out:    out,
		chatID: chatID,
		deps:   deps,
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}
}

func (a *Adapter) ID() string { return "telegram:" + strconv.FormatInt(a.chatID, 10) }

// Send queues a relay frame for the chat without blocking.
func (a *Adapter) Send(data []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	select {
	case a.outbox <- data:
		return true
	default:
		return false
	}
}

func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.done)
	})
	return nil
}

// Run joins the controller set and serves the chat until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	a.deps.Registry.RegisterController(a)
	defer a.deps.Registry.UnregisterController(a)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.drain()
	}()
	defer func() {
		a.Close()
		wg.Wait()
	}()

	if a.bot == nil {
		<-ctx.Done()
		return nil
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			msg := update.Message
			if msg == nil || msg.Text == "" {
				continue
			}
			if msg.Chat.ID != a.chatID {
				slog.Warn("telegram message from unknown chat ignored", "chat_id", msg.Chat.ID)
				continue
			}
			a.sendText(a.handleText(msg.Text))
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return nil
		}
	}
}

// drain renders queued frames until the adapter is closed.
func (a *Adapter) drain() {
	for {
		select {
		case data := <-a.outbox:
			if text := formatFrame(data); text != "" {
				a.sendText(text)
			}
		case <-a.done:
			return
		}
	}
}

// handleText answers one chat message.
func (a *Adapter) handleText(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	switch cmd {
	case "start", "help":
		return "Commands:\n/targets\n/run <target> <kind> [json payload]\n/cancel <target> <id>\n/queue <target>"

	case "targets":
		online := a.deps.Registry.OnlineTargets()
		if len(online) == 0 {
			return "No targets online."
		}
		return "Online: " + strings.Join(online, ", ")

	case "run":
		if len(args) < 2 {
			return "Usage: /run <target> <kind> [json payload]"
		}
		var payload json.RawMessage
		if len(args) > 2 {
			raw := strings.Join(args[2:], " ")
			if !json.Valid([]byte(raw)) {
				return "Payload must be valid JSON."
			}
			payload = json.RawMessage(raw)
		}
		c, delivered := a.deps.Issuer.Issue(args[0], args[1], payload)
		if delivered {
			return fmt.Sprintf("Command %s sent to %s.", c.ID, c.Target)
		}
		return fmt.Sprintf("Command %s queued; %s is offline.", c.ID, c.Target)

	case "cancel":
		if len(args) != 2 {
			return "Usage: /cancel <target> <id>"
		}
		c, err := a.deps.Queue.Cancel(args[0], types.CommandID(args[1]))
		switch {
		case errors.Is(err, queue.ErrUnknownCommand), errors.Is(err, queue.ErrConflict):
			return "Already executed or missing."
		case err != nil:
			return "Cancel failed: " + err.Error()
		}
		return fmt.Sprintf("Command %s canceled.", c.ID)

	case "queue":
		if len(args) != 1 {
			return "Usage: /queue <target>"
		}
		cmds := a.deps.Queue.ListAll(args[0])
		if len(cmds) == 0 {
			return "No commands for " + args[0] + "."
		}
		var b strings.Builder
		for _, c := range cmds {
			fmt.Fprintf(&b, "%s %s %s\n", c.ID, c.Kind, c.Status)
		}
		return strings.TrimRight(b.String(), "\n")
	}
	return "Unknown command. Send /help for the list."
}

// formatFrame renders an outbound relay frame as chat text.
func formatFrame(data []byte) string {
	ev, err := protocol.DecodeEvent(data)
	if err != nil {
		return ""
	}
	switch ev.Type {
	case protocol.TypePresence:
		if ev.Online {
			return ev.Target + " is online."
		}
		return ev.Target + " went offline."
	case protocol.TypeRelayedReport:
		text := fmt.Sprintf("%s reported %s: %s", ev.Target, ev.ID, ev.Status)
		if len(ev.Result) > 0 {
			text += "\n" + string(ev.Result)
		}
		if ev.File != nil {
			text += fmt.Sprintf("\nfile %s (%d bytes)", ev.File.Name, ev.File.Size)
		}
		return text
	}
	return ""
}

func (a *Adapter) sendText(text string) {
	if text == "" {
		return
	}
	for _, part := range splitMessage(text) {
		if _, err := a.out.Send(tgbotapi.NewMessage(a.chatID, part)); err != nil {
			slog.Error("telegram send failed", "chat_id", a.chatID, "error", err)
		}
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := min(maxTelegramMessage, len(text))
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
