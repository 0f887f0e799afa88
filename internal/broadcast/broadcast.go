// Package broadcast fans relay events out to every connected controller.
package broadcast

import (
	"log/slog"
	"sync"

	"github.com/user/cmdrelay/internal/metrics"
	"github.com/user/cmdrelay/internal/protocol"
	"github.com/user/cmdrelay/internal/types"
)

// Audience returns the sessions an event should reach.
type Audience func() []types.Session

// Broadcaster sends events to an audience. Events are delivered to each
// session in the order Broadcast was called. A session that refuses a
// frame is skipped; it never blocks delivery to the others.
type Broadcaster struct {
	mu       sync.Mutex
	audience Audience
}

// New creates a broadcaster over audience.
func New(audience Audience) *Broadcaster {
	return &Broadcaster{audience: audience}
}

// Broadcast encodes frame once and offers it to every session. It returns
// the number of sessions that accepted it.
func (b *Broadcaster) Broadcast(frame any) int {
	data := protocol.MustEncode(frame)

	b.mu.Lock()
	defer b.mu.Unlock()

	sent := 0
	for _, s := range b.audience() {
		if s.Send(data) {
			sent++
			continue
		}
		metrics.BroadcastFailure()
		slog.Debug("broadcast skipped session", "session", s.ID())
	}
	return sent
}

// Presence broadcasts a target's online state. Its signature matches
// session.PresenceFunc.
func (b *Broadcaster) Presence(target string, online bool) {
	b.Broadcast(protocol.NewPresence(target, online))
}

// Report broadcasts a command's terminal state.
func (b *Broadcaster) Report(cmd types.Command) {
	b.Broadcast(protocol.NewRelayedReport(cmd))
}
