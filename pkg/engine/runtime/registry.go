package runtime

import (
	"fmt"
	"sort"
	"sync"
)

// TransformFactory builds a transform from its step options.
type TransformFactory func(options map[string]any) (Transform, error)

// AggregationFactory builds an aggregation from its step options.
type AggregationFactory func(options map[string]any) (Aggregation, error)

// Registry maps plugin names to factories. It is constructed by the caller
// and handed to the pipeline builder; there is no package-level registry.
type Registry struct {
	mu           sync.RWMutex
	transforms   map[string]TransformFactory
	aggregations map[string]AggregationFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		transforms:   make(map[string]TransformFactory),
		aggregations: make(map[string]AggregationFactory),
	}
}

// RegisterTransform adds a transform plugin.
func (r *Registry) RegisterTransform(name string, f TransformFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transforms[name] = f
}

// RegisterAggregation adds an aggregation plugin.
func (r *Registry) RegisterAggregation(name string, f AggregationFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aggregations[name] = f
}

// NewTransform instantiates a transform plugin.
func (r *Registry) NewTransform(name string, options map[string]any) (Transform, error) {
	r.mu.RLock()
	f, ok := r.transforms[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transform plugin %q (registered: %v)", name, r.names(true))
	}
	return f(options)
}

// NewAggregation instantiates an aggregation plugin.
func (r *Registry) NewAggregation(name string, options map[string]any) (Aggregation, error) {
	r.mu.RLock()
	f, ok := r.aggregations[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown aggregation plugin %q (registered: %v)", name, r.names(false))
	}
	return f(options)
}

func (r *Registry) names(transforms bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	if transforms {
		for name := range r.transforms {
			out = append(out, name)
		}
	} else {
		for name := range r.aggregations {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
