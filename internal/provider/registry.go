package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// aliases maps vendor names to the CLI that serves them.
var aliases = map[string]string{
	"anthropic":   "claude",
	"claude-code": "claude",
	"google":      "gemini",
	"gemini-cli":  "gemini",
	"openai":      "codex",
}

// NormalizeName resolves aliases and lower-cases a provider name.
func NormalizeName(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := aliases[lower]; ok {
		return canonical
	}
	return lower
}

// Registry holds the known providers by canonical name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns a registry with the built-in providers.
func NewRegistry() *Registry {
	r := &Registry{providers: map[string]Provider{}}
	for _, p := range []Provider{Claude{}, Codex{}, Gemini{}, Opencode{}} {
		r.providers[p.Name()] = p
	}
	return r
}

// Register adds or replaces a provider under name.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[NormalizeName(name)] = p
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[NormalizeName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
