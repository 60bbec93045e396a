package worker

import (
	"log/slog"
	"sync"

	"github.com/edgekit/offload/protocol"
)

// ConfirmationPrompter shows the user a confirmation request. The
// decision comes back asynchronously through Gate.OnConfirmationResult
// with the same id.
type ConfirmationPrompter interface {
	Prompt(id int64, clientName, feature string)
}

// Gate serializes permission checks for gated features. Ids increase
// monotonically and each resolves at most one pending request. A grant is
// sticky per client and feature for the lifetime of the gate.
type Gate struct {
	logger   *slog.Logger
	prompter ConfirmationPrompter

	mu      sync.Mutex
	nextID  int64
	pending map[int64]func(bool)
	granted map[string]bool
}

// NewGate creates a gate. A nil prompter allows everything, for devices
// with no one to ask.
func NewGate(prompter ConfirmationPrompter, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		logger:   logger.With("component", "gate"),
		prompter: prompter,
		pending:  make(map[int64]func(bool)),
		granted:  make(map[string]bool),
	}
}

// Request asks for permission and eventually calls decide exactly once.
// Already-granted client/feature pairs resolve immediately.
func (g *Gate) Request(clientID, clientName, feature string, decide func(allowed bool)) {
	if g.prompter == nil {
		decide(true)
		return
	}

	key := clientID + "|" + feature
	g.mu.Lock()
	if g.granted[key] {
		g.mu.Unlock()
		decide(true)
		return
	}
	g.nextID++
	id := g.nextID
	g.pending[id] = func(allowed bool) {
		if allowed {
			g.mu.Lock()
			g.granted[key] = true
			g.mu.Unlock()
		}
		decide(allowed)
	}
	g.mu.Unlock()

	g.logger.Info("confirmation requested",
		"id", id,
		"client", protocol.ShortID(clientID),
		"feature", feature)
	g.prompter.Prompt(id, clientName, feature)
}

// OnConfirmationResult resolves one pending request. Unknown or already
// resolved ids are ignored.
func (g *Gate) OnConfirmationResult(id int64, allowed bool) {
	g.mu.Lock()
	decide, ok := g.pending[id]
	delete(g.pending, id)
	g.mu.Unlock()
	if !ok {
		g.logger.Debug("stale confirmation result ignored", "id", id)
		return
	}
	g.logger.Info("confirmation resolved", "id", id, "allowed", allowed)
	decide(allowed)
}
