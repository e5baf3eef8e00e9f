package sandbox

import (
	"sync"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/home"
)

// Registry is the process-level index of per-agent sandbox configs.
// The daemon owns one; the session manager reads versions from it to
// detect drift.
type Registry struct {
	mu      sync.RWMutex
	h       *home.Home
	configs map[string]*Config // teamID + "/" + agent
}

// NewRegistry creates a registry.
func NewRegistry(h *home.Home) *Registry {
	return &Registry{h: h, configs: make(map[string]*Config)}
}

func key(teamID, agent string) string { return teamID + "/" + agent }

// Get returns the agent's config, creating it from role defaults when
// absent.
func (r *Registry) Get(teamID, agent string, role domain.Role, allowlist []string) *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg, ok := r.configs[key(teamID, agent)]; ok {
		return cfg
	}
	cfg := NewConfig(r.h, teamID, agent, role, allowlist)
	r.configs[key(teamID, agent)] = cfg
	return cfg
}

// Lookup returns the agent's config without creating one.
func (r *Registry) Lookup(teamID, agent string) (*Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[key(teamID, agent)]
	return cfg, ok
}

// SetAllowlist pushes a new network allowlist into every config. Every
// version bumps, so every session rotates on next acquire.
func (r *Registry) SetAllowlist(domains []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cfg := range r.configs {
		cfg.SetNetworkAllowlist(domains)
	}
}

// DropTeam forgets a team's configs on team deletion.
func (r *Registry) DropTeam(teamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, cfg := range r.configs {
		if cfg.TeamID == teamID {
			delete(r.configs, k)
		}
	}
}
