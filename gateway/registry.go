package gateway

import (
	"fmt"
	"sort"
	"strings"
)

// MockBackend is the name the registry uses for test mode.
const MockBackend = "mock"

// Policy decides which backend serves a new escrow.
type Policy struct {
	Default  string
	TestMode bool
	// Regions maps an ISO region code to a backend name.
	Regions map[string]string
}

// Selection is the per-request selection context.
type Selection struct {
	Backend string
	Region  string
}

// Registry holds the configured backends and applies the selection policy.
type Registry struct {
	backends map[string]Gateway
	policy   Policy
}

// NewRegistry validates that every backend referenced by the policy exists.
func NewRegistry(policy Policy, backends ...Gateway) (*Registry, error) {
	r := &Registry{
		backends: make(map[string]Gateway, len(backends)),
		policy: Policy{
			Default:  strings.TrimSpace(policy.Default),
			TestMode: policy.TestMode,
			Regions:  make(map[string]string, len(policy.Regions)),
		},
	}
	for _, gw := range backends {
		if gw == nil {
			continue
		}
		name := gw.Name()
		if _, dup := r.backends[name]; dup {
			return nil, fmt.Errorf("gateway: duplicate backend %q", name)
		}
		r.backends[name] = gw
	}
	for region, name := range policy.Regions {
		if _, ok := r.backends[name]; !ok {
			return nil, fmt.Errorf("%w: region %s references %q", ErrUnknownBackend, region, name)
		}
		r.policy.Regions[strings.ToUpper(strings.TrimSpace(region))] = name
	}
	if r.policy.TestMode {
		if _, ok := r.backends[MockBackend]; !ok {
			return nil, fmt.Errorf("%w: test mode requires %q", ErrUnknownBackend, MockBackend)
		}
	}
	if r.policy.Default == "" {
		if !r.policy.TestMode {
			return nil, fmt.Errorf("gateway: default backend required")
		}
	} else if _, ok := r.backends[r.policy.Default]; !ok {
		return nil, fmt.Errorf("%w: default %q", ErrUnknownBackend, r.policy.Default)
	}
	return r, nil
}

// Select applies the policy: explicit choice, then test mode, then region,
// then the default backend.
func (r *Registry) Select(sel Selection) (Gateway, error) {
	if name := strings.TrimSpace(sel.Backend); name != "" {
		return r.Get(name)
	}
	if r.policy.TestMode {
		return r.Get(MockBackend)
	}
	if region := strings.ToUpper(strings.TrimSpace(sel.Region)); region != "" {
		if name, ok := r.policy.Regions[region]; ok {
			return r.Get(name)
		}
	}
	return r.Get(r.policy.Default)
}

// Get returns the backend registered under name. Release and refund use the
// backend stored on the escrow rather than re-running selection.
func (r *Registry) Get(name string) (Gateway, error) {
	gw, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return gw, nil
}

// Names lists the registered backends.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.backends))
	for name := range r.backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
