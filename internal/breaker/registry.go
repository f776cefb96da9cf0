package breaker

import (
	"errors"
	"sort"
	"sync"

	"github.com/citizen-chat/resilience-core/pkg/logger"
)

// ErrUnknownBreaker is returned for names the registry has never built.
var ErrUnknownBreaker = errors.New("unknown circuit breaker")

// Registry owns one breaker per named dependency.
type Registry struct {
	template Options
	logger   *logger.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share the template options.
func NewRegistry(template Options, log *logger.Logger) *Registry {
	return &Registry{
		template: template,
		logger:   log,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	opts := r.template
	opts.Name = name
	b = New(opts, r.logger)
	r.breakers[name] = b
	return b
}

// List returns snapshots of every breaker sorted by name.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset forces the named breaker Closed.
func (r *Registry) Reset(name string) error {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownBreaker
	}
	b.Reset()
	return nil
}

// Close stops every breaker's timers.
func (r *Registry) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Close()
	}
}
