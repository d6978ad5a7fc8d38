package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLedger is an in-memory, thread-safe Ledger implementation.
// It is primarily useful for tests and for validating a patch set without
// touching a database. Payloads receive a recording Executor whose
// statements can be inspected afterwards via Statements.
type MemoryLedger struct {
	mu        sync.Mutex
	principal string
	patches   map[string]*Patch
	// dependents counts how many installed patches require each id.
	dependents map[string]int
	statements []string
}

// NewMemory creates an empty MemoryLedger. Installed patches are attributed
// to the given principal.
func NewMemory(principal string) *MemoryLedger {
	return &MemoryLedger{
		principal:  principal,
		patches:    make(map[string]*Patch),
		dependents: make(map[string]int),
	}
}

// recordingExec collects executed SQL so tests can assert payload behaviour.
type recordingExec struct {
	ledger *MemoryLedger
}

func (e *recordingExec) Execute(_ context.Context, sql string, _ ...any) error {
	e.ledger.statements = append(e.ledger.statements, sql)
	return nil
}

// Install implements Ledger.
func (l *MemoryLedger) Install(ctx context.Context, id string, requires []string, apply ApplyFunc) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.patches[id]; ok {
		return false, nil
	}
	for _, req := range requires {
		if _, ok := l.patches[req]; !ok {
			return false, unknownDependency(id, req)
		}
	}

	if apply != nil {
		if err := apply(ctx, &recordingExec{ledger: l}); err != nil {
			return false, err
		}
	}

	l.patches[id] = &Patch{
		ID:          id,
		InstalledAt: time.Now().UTC(),
		InstalledBy: l.principal,
		Requires:    append([]string(nil), requires...),
	}
	for _, req := range requires {
		l.dependents[req]++
	}
	return true, nil
}

// Uninstall implements Ledger.
func (l *MemoryLedger) Uninstall(ctx context.Context, id string, revert ApplyFunc) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.patches[id]
	if !ok {
		return false, nil
	}
	if l.dependents[id] > 0 {
		return false, dependentExists(id)
	}

	if revert != nil {
		if err := revert(ctx, &recordingExec{ledger: l}); err != nil {
			return false, err
		}
	}

	for _, req := range p.Requires {
		if l.dependents[req]--; l.dependents[req] == 0 {
			delete(l.dependents, req)
		}
	}
	delete(l.patches, id)
	return true, nil
}

// IsInstalled implements Ledger.
func (l *MemoryLedger) IsInstalled(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.patches[id]
	return ok, nil
}

// Installed implements Ledger.
func (l *MemoryLedger) Installed(_ context.Context) ([]*Patch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Patch, 0, len(l.patches))
	for _, p := range l.patches {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InstalledAt.Equal(out[j].InstalledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].InstalledAt.Before(out[j].InstalledAt)
	})
	return out, nil
}

// Requires implements Ledger.
func (l *MemoryLedger) Requires(_ context.Context, id string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.patches[id]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), p.Requires...), nil
}

// Statements returns all SQL executed through payload executors, in order.
func (l *MemoryLedger) Statements() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.statements...)
}
