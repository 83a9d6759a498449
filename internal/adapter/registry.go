package adapter

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/beamcode/beamcode/internal/config"
	"github.com/beamcode/beamcode/internal/trace"
)

// Registry maps adapter names to implementations.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter under its name. Panics on duplicate.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Name()]; exists {
		panic(fmt.Sprintf("adapter already registered: %s", a.Name()))
	}
	r.adapters[a.Name()] = a
}

// Get returns the adapter for a name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("no adapter registered: %s", name)
	}
	return a, nil
}

// Names returns all registered adapter names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// DefaultRegistry builds a registry with every adapter enabled by the config.
func DefaultRegistry(cfg config.AdaptersConfig, logger *slog.Logger, tracer *trace.Tracer) *Registry {
	r := NewRegistry()
	r.Register(NewClaudeAdapter(cfg.Claude, logger, tracer))
	r.Register(NewCodexAdapter(cfg.Codex, logger, tracer))
	r.Register(NewGeminiAdapter(cfg.Gemini, logger, tracer))
	if cfg.Remote != nil {
		r.Register(NewRemoteAdapter(cfg.Remote, logger, tracer))
	}
	return r
}
