package model

import (
	"fmt"
	"sync"
)

// Registry holds the configured model candidates in registration order.
// Registration is explicit; nothing is discovered at init time. The order
// doubles as the default fallback order.
type Registry struct {
	mu         sync.RWMutex
	candidates []Candidate
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a candidate. Registering a provider twice replaces the
// earlier candidate in place so the fallback order stays stable.
func (r *Registry) Register(c Candidate) error {
	if c.Provider == "" {
		return fmt.Errorf("candidate provider must not be empty")
	}
	if c.Client == nil {
		return fmt.Errorf("candidate %s: client must not be nil", c.Provider)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.candidates {
		if r.candidates[i].Provider == c.Provider {
			r.candidates[i] = c
			return nil
		}
	}
	r.candidates = append(r.candidates, c)
	return nil
}

// Get returns the candidate registered for provider.
func (r *Registry) Get(provider string) (Candidate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.candidates {
		if c.Provider == provider {
			return c, true
		}
	}
	return Candidate{}, false
}

// Candidates returns all candidates in registration order.
func (r *Registry) Candidates() []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Candidate(nil), r.candidates...)
}

// ChainFor returns all candidates with the given provider moved to the
// front, preserving registration order among the rest. This is the fallback
// chain used after routing selects a preferred provider. An unknown provider
// yields the plain registration order.
func (r *Registry) ChainFor(provider string) []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := make([]Candidate, 0, len(r.candidates))
	for _, c := range r.candidates {
		if c.Provider == provider {
			chain = append(chain, c)
		}
	}
	for _, c := range r.candidates {
		if c.Provider != provider {
			chain = append(chain, c)
		}
	}
	return chain
}
