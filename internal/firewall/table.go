package firewall

import (
	"fmt"
	"sync"
)

// Table is the rule storage the reconciler drives. Insert prepends to a
// chain. With auto-commit off, changes are queued until Commit.
type Table interface {
	EnsureChain(c ChainRef) error
	Rules(c ChainRef) ([]Rule, error)
	Insert(c ChainRef, r Rule) error
	Delete(c ChainRef, r Rule) error
	SetAutoCommit(on bool)
	Commit() error
	Refresh() error
}

// MemoryTable is an in-process Table. It backs the "memory" firewall
// backend and tests.
type MemoryTable struct {
	mu         sync.Mutex
	chains     map[ChainRef][]Rule
	pending    map[ChainRef][]Rule // working copy while auto-commit is off
	autoCommit bool
	nextHandle uint64
	commits    int
}

// NewMemoryTable creates an empty table with auto-commit enabled.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{
		chains:     make(map[ChainRef][]Rule),
		autoCommit: true,
		nextHandle: 1,
	}
}

func (t *MemoryTable) view() map[ChainRef][]Rule {
	if t.pending != nil {
		return t.pending
	}
	return t.chains
}

func (t *MemoryTable) EnsureChain(c ChainRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.view()
	if _, ok := v[c]; !ok {
		v[c] = nil
	}
	return nil
}

func (t *MemoryTable) Rules(c ChainRef) ([]Rule, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rules, ok := t.view()[c]
	if !ok {
		return nil, fmt.Errorf("chain %s does not exist", c)
	}
	return append([]Rule(nil), rules...), nil
}

func (t *MemoryTable) Insert(c ChainRef, r Rule) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.view()
	rules, ok := v[c]
	if !ok {
		return fmt.Errorf("chain %s does not exist", c)
	}
	r.Handle = t.nextHandle
	t.nextHandle++
	v[c] = append([]Rule{r}, rules...)
	return nil
}

func (t *MemoryTable) Delete(c ChainRef, r Rule) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.view()
	rules := v[c]
	for i, existing := range rules {
		if existing.Handle == r.Handle {
			v[c] = append(rules[:i:i], rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("rule %d not found in %s", r.Handle, c)
}

func (t *MemoryTable) SetAutoCommit(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.autoCommit = on
	if on {
		t.pending = nil
		return
	}
	if t.pending == nil {
		t.pending = make(map[ChainRef][]Rule, len(t.chains))
		for c, rules := range t.chains {
			t.pending[c] = append([]Rule(nil), rules...)
		}
	}
}

func (t *MemoryTable) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil {
		t.chains = t.pending
		t.pending = make(map[ChainRef][]Rule, len(t.chains))
		for c, rules := range t.chains {
			t.pending[c] = append([]Rule(nil), rules...)
		}
	}
	t.commits++
	return nil
}

func (t *MemoryTable) Refresh() error {
	return nil
}

// Committed returns the committed rules of c, ignoring queued changes.
func (t *MemoryTable) Committed(c ChainRef) []Rule {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Rule(nil), t.chains[c]...)
}

// Commits returns how many times Commit was called.
func (t *MemoryTable) Commits() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commits
}

var _ Table = (*MemoryTable)(nil)
