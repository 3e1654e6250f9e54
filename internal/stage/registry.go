package stage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"dossier/internal/services"
)

// Registry maps tool names to extractors.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Extractor
}

// NewRegistry returns a registry holding the built-in metadata extractor and
// any extra tools.
func NewRegistry(extra ...Extractor) *Registry {
	r := &Registry{tools: make(map[string]Extractor)}
	r.Register(NewMetadata())
	for _, tool := range extra {
		r.Register(tool)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Extractor) {
	if tool == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[strings.ToLower(tool.Name())] = tool
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Extractor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
	return tool, ok
}

// Resolve returns the named tools in order, failing on the first unknown name.
func (r *Registry) Resolve(names []string) ([]Extractor, error) {
	out := make([]Extractor, 0, len(names))
	for _, name := range names {
		tool, ok := r.Lookup(name)
		if !ok {
			return nil, services.Wrap(services.ErrValidation, "stage", "resolve", fmt.Sprintf("unknown extraction tool %q", name), nil)
		}
		out = append(out, tool)
	}
	return out, nil
}

// Health checks every registered tool, sorted by name.
func (r *Registry) Health(ctx context.Context) []Health {
	r.mu.RLock()
	tools := make([]Extractor, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	r.mu.RUnlock()

	out := make([]Health, 0, len(tools))
	for _, tool := range tools {
		out = append(out, tool.HealthCheck(ctx))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
