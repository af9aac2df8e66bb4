package policy

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"
)

// EngineOptions control OPA engine construction.
type EngineOptions struct {
	// Entrypoint is the decision path (e.g. "pipeline/errors").
	Entrypoint string
	// Modules contains the Rego modules loaded into the engine, keyed by file name.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
}

// Engine evaluates Rego decisions with an embedded OPA instance.
type Engine struct {
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	entrypoint    string
	cache         *decisionCache

	mu       sync.Mutex
	prepared *rego.PreparedEvalQuery
}

const (
	defaultEntrypoint    = "pipeline/errors"
	defaultCacheCapacity = 1024
)

// NewEngine parses the modules and prepares the entrypoint query so syntax
// and compile errors surface at construction time.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	entry := strings.Trim(strings.TrimSpace(opts.Entrypoint), "/")
	if entry == "" {
		entry = defaultEntrypoint
	}
	if len(opts.Modules) == 0 {
		return nil, errors.New("policy engine requires at least one rego module")
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}

	moduleOrder := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	parsed := make(map[string]*ast.Module, len(moduleOrder))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsed[name] = module
	}

	engine := &Engine{
		moduleOrder:   moduleOrder,
		parsedModules: parsed,
		entrypoint:    entry,
	}
	if maxEntries > 0 {
		engine.cache = newDecisionCache(maxEntries)
	}

	if _, err := engine.preparedQuery(ctx); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}
	return engine, nil
}

// Entrypoint returns the decision path evaluated by the engine.
func (e *Engine) Entrypoint() string {
	return e.entrypoint
}

// Evaluate runs the entrypoint query against input and returns the decision
// document. An undefined decision yields an empty map.
func (e *Engine) Evaluate(ctx context.Context, input map[string]any) (map[string]any, error) {
	key, cacheable := e.cacheKey(input)
	if cacheable {
		if cached, ok := e.cache.Get(key); ok {
			return cloneAnyMap(cached), nil
		}
	}

	prepared, err := e.preparedQuery(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare query: %w", err)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("opa decision: %w", err)
	}

	decision := map[string]any{}
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		payload, ok := results[0].Expressions[0].Value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
		}
		decision = payload
	}

	if cacheable {
		e.cache.Add(key, cloneAnyMap(decision))
	}
	return decision, nil
}

// FlushCache clears all cached decisions. Safe to call concurrently.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

func (e *Engine) preparedQuery(ctx context.Context) (*rego.PreparedEvalQuery, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.prepared != nil {
		return e.prepared, nil
	}

	opts := make([]func(*rego.Rego), 0, len(e.parsedModules)+2)
	opts = append(opts,
		rego.Query("data."+strings.ReplaceAll(e.entrypoint, "/", ".")),
		rego.SetRegoVersion(ast.RegoV1),
	)
	for _, name := range e.moduleOrder {
		opts = append(opts, rego.ParsedModule(e.parsedModules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	e.prepared = &prepared
	return e.prepared, nil
}

// cacheKey hashes the canonical JSON form of the input. Inputs that cannot be
// encoded are evaluated without caching.
func (e *Engine) cacheKey(input map[string]any) (string, bool) {
	if e.cache == nil {
		return "", false
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), true
}

func cloneAnyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

type decisionCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	value map[string]any
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *decisionCache) Get(key string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(cacheItem).value, true
}

func (c *decisionCache) Add(key string, value map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(cacheItem{key: key, value: value})
	if c.order.Len() <= c.max {
		return
	}
	if tail := c.order.Back(); tail != nil {
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(cacheItem).key)
	}
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}
