package adapter

import (
	"sort"
	"sync"

	"github.com/orient-bot/policy-sidecar/internal/approval"
	"github.com/rs/zerolog/log"
)

// Registry maps platform ids to the adapter serving them.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]approval.Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]approval.Adapter)}
}

// Register adds a, replacing any adapter already registered for its platform.
func (r *Registry) Register(a approval.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[a.Platform()]; exists {
		log.Warn().Str("platform", a.Platform()).Msg("replacing registered adapter")
	}
	r.adapters[a.Platform()] = a
}

func (r *Registry) Get(platform string) (approval.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[platform]
	return a, ok
}

// Platforms lists registered platform ids in sorted order.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	platforms := make([]string, 0, len(r.adapters))
	for p := range r.adapters {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)
	return platforms
}
