package reply

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
)

// Generator produces reply text for a conversation context. Implementations
// return an error for any failure; they never fall back themselves.
type Generator interface {
	Name() string
	Generate(ctx context.Context, rc Context) (string, error)
}

// cannedReplies are substituted whenever the active backend fails or no
// backend is configured. Picks are pseudo-random; repeats are fine.
var cannedReplies = []string{
	"Hey! I'm a bit tied up right now, let's chat in a bit.",
	"Haha, that's a fun one!",
	"Hm, not sure I follow - could you say that again?",
	"Sounds good to me!",
	"Thanks for sharing that!",
	"You make a fair point.",
	"Lovely weather today, isn't it?",
	"What have you been up to lately?",
	"Always nice chatting with you!",
	"Looking forward to next time!",
}

// CannedReplies returns a copy of the fallback set, mainly for tests.
func CannedReplies() []string {
	out := make([]string, len(cannedReplies))
	copy(out, cannedReplies)
	return out
}

func pickCanned() string {
	return cannedReplies[rand.IntN(len(cannedReplies))]
}

// Gateway dispatches generation to the currently selected backend and
// guarantees a usable reply. Backend selection is configuration: changing it
// races benignly with in-flight tasks (last writer wins), it is not a
// per-request routing decision.
type Gateway struct {
	mu       sync.RWMutex
	backends map[string]Generator
	active   string

	logger *slog.Logger
}

func NewGateway(logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{backends: make(map[string]Generator), logger: logger}
}

// Register adds a backend under its own name. Registering twice replaces the
// earlier entry.
func (g *Gateway) Register(gen Generator) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.backends[gen.Name()] = gen
}

// Select makes name the active backend. The empty string deselects any
// backend, leaving only canned replies.
func (g *Gateway) Select(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if name != "" {
		if _, ok := g.backends[name]; !ok {
			return fmt.Errorf("unknown backend %q", name)
		}
	}
	g.active = name
	return nil
}

// Active returns the current backend name, empty when none is selected.
func (g *Gateway) Active() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

// Backends lists the registered backend names, sorted.
func (g *Gateway) Backends() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.backends))
	for name := range g.backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Reply generates text for rc. It never fails and never returns empty text:
// backend errors are logged once and replaced by a canned reply, with no
// retry (a struggling backend should not be hammered per incoming message).
func (g *Gateway) Reply(ctx context.Context, rc Context) string {
	g.mu.RLock()
	gen := g.backends[g.active]
	g.mu.RUnlock()

	if gen == nil {
		return pickCanned()
	}

	text, err := gen.Generate(ctx, rc)
	if err != nil {
		g.logger.Warn("reply: backend failed, using canned reply",
			"backend", gen.Name(), "error", err)
		return pickCanned()
	}
	text = strings.TrimSpace(text)
	if text == "" {
		g.logger.Warn("reply: backend returned empty text, using canned reply",
			"backend", gen.Name())
		return pickCanned()
	}
	return text
}
