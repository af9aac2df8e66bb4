// Package tokens creates tokens and tracks their lineage in a flat arena
// keyed by token id. Parent links are ids, never pointers.
package tokens

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

// IDGenerator mints token ids.
type IDGenerator func() string

// Manager is safe for concurrent use by several row processors.
type Manager struct {
	mu     sync.Mutex
	newID  IDGenerator
	tokens map[string]*domain.Token
	byRow  map[string][]string
}

// NewManager returns a Manager. A nil generator defaults to random UUIDs.
func NewManager(gen IDGenerator) *Manager {
	if gen == nil {
		gen = uuid.NewString
	}
	return &Manager{
		newID:  gen,
		tokens: make(map[string]*domain.Token),
		byRow:  make(map[string][]string),
	}
}

func (m *Manager) store(t *domain.Token) {
	m.tokens[t.TokenID] = t
	m.byRow[t.RowID] = append(m.byRow[t.RowID], t.TokenID)
}

// CreateRoot mints the token for a freshly read source row.
func (m *Manager) CreateRoot(rowID string, data domain.Row) *domain.Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &domain.Token{
		TokenID: m.newID(),
		RowID:   rowID,
		RowData: data.Clone(),
	}
	m.store(t)
	return t
}

// Fork creates one child per branch label. Each child owns a deep copy of
// the parent's payload taken at fork time. The caller marks the parent
// FORKED; it must not be enqueued again.
func (m *Manager) Fork(parent *domain.Token, branches []string) ([]*domain.Token, error) {
	if parent == nil {
		return nil, fmt.Errorf("fork: nil parent token")
	}
	if len(branches) == 0 {
		return nil, fmt.Errorf("fork of token %s: no branches declared", parent.TokenID)
	}
	seen := make(map[string]bool, len(branches))
	for _, b := range branches {
		if b == "" || seen[b] {
			return nil, fmt.Errorf("fork of token %s: invalid or duplicate branch %q", parent.TokenID, b)
		}
		seen[b] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	children := make([]*domain.Token, 0, len(branches))
	for _, branch := range branches {
		child := &domain.Token{
			TokenID:       m.newID(),
			RowID:         parent.RowID,
			ParentTokenID: parent.TokenID,
			BranchName:    branch,
			ForkGroupID:   parent.TokenID,
			RowData:       parent.RowData.Clone(),
			StepIndex:     parent.StepIndex,
		}
		m.store(child)
		children = append(children, child)
	}
	return children, nil
}

// Coalesce mints the merged token for a set of branch tokens that share one
// fork group. The merged token's parent is the forking ancestor and it
// rejoins the ancestor's branch and fork group, so an enclosing coalesce
// point still sees it.
func (m *Manager) Coalesce(branches []*domain.Token, data domain.Row, stepIndex int) (*domain.Token, error) {
	if len(branches) == 0 {
		return nil, fmt.Errorf("coalesce: no branch tokens")
	}
	group := branches[0].ForkGroupID
	rowID := branches[0].RowID
	for _, b := range branches[1:] {
		if b.ForkGroupID != group {
			return nil, fmt.Errorf("coalesce: token %s belongs to fork group %q, want %q", b.TokenID, b.ForkGroupID, group)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	merged := &domain.Token{
		TokenID:       m.newID(),
		RowID:         rowID,
		ParentTokenID: group,
		RowData:       data,
		StepIndex:     stepIndex,
	}
	if ancestor, ok := m.tokens[group]; ok {
		merged.ForkGroupID = ancestor.ForkGroupID
		merged.BranchName = ancestor.BranchName
	}
	m.store(merged)
	return merged, nil
}

// Expand mints one token per row emitted by an aggregation flush. The
// outputs descend from the token whose arrival triggered the flush and stay
// on its branch.
func (m *Manager) Expand(trigger *domain.Token, rows []domain.Row) []*domain.Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.Token, 0, len(rows))
	for _, row := range rows {
		t := &domain.Token{
			TokenID:       m.newID(),
			RowID:         trigger.RowID,
			ParentTokenID: trigger.TokenID,
			BranchName:    trigger.BranchName,
			ForkGroupID:   trigger.ForkGroupID,
			RowData:       row.Clone(),
			StepIndex:     trigger.StepIndex,
		}
		m.store(t)
		out = append(out, t)
	}
	return out
}

// Get looks a token up by id.
func (m *Manager) Get(tokenID string) (*domain.Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenID]
	return t, ok
}

// Lineage returns the chain of token ids from tokenID up to its root.
func (m *Manager) Lineage(tokenID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var chain []string
	for id := tokenID; id != ""; {
		t, ok := m.tokens[id]
		if !ok {
			break
		}
		chain = append(chain, id)
		id = t.ParentTokenID
	}
	return chain
}

// Release drops every token minted for a row.
func (m *Manager) Release(rowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.byRow[rowID] {
		delete(m.tokens, id)
	}
	delete(m.byRow, rowID)
}

// Len returns the number of live tokens.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}
