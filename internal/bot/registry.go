package bot

import (
	"context"
	"fmt"
	"sync"

	"github.com/quangdle/bybit-multistrat-bot/internal/state"
)

// Registry holds the running bots and enforces that no two bots with
// the same name run simultaneously.
type Registry struct {
	mu   sync.Mutex
	bots map[string]*Bot
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bots: make(map[string]*Bot)}
}

// Register adds a bot. A name already registered with a live bot is
// rejected; a stopped or errored predecessor is replaced.
func (r *Registry) Register(b *Bot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.bots[b.opts.Name]; ok {
		switch existing.State() {
		case state.StateStopped, state.StateError:
			// replaceable
		default:
			return fmt.Errorf("bot %q is already running", b.opts.Name)
		}
	}
	r.bots[b.opts.Name] = b
	return nil
}

// Get returns a bot by name.
func (r *Registry) Get(name string) (*Bot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[name]
	return b, ok
}

// Names returns the registered bot names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.bots))
	for n := range r.bots {
		names = append(names, n)
	}
	return names
}

// All returns the registered bots.
func (r *Registry) All() []*Bot {
	r.mu.Lock()
	defer r.mu.Unlock()
	bots := make([]*Bot, 0, len(r.bots))
	for _, b := range r.bots {
		bots = append(bots, b)
	}
	return bots
}

// StopAll gracefully stops every running bot.
func (r *Registry) StopAll(ctx context.Context) {
	for _, b := range r.All() {
		if err := b.Stop(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("Stop failed during shutdown")
		}
	}
}
