// Package memory keeps ledger tables in memory for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/contact-harvester/internal/harvest"
	"github.com/JakeFAU/contact-harvester/internal/ledger"
)

// LedgerStore implements ledger.Store without durability. Every write is
// kept so tests can inspect the sequence of table versions.
type LedgerStore struct {
	mu              sync.RWMutex
	snap            ledger.Snapshot
	resultWrites    [][]harvest.EntityResult
	unmatchedWrites [][]harvest.UnmatchedEntity

	// WriteErr, when set, fails every write without changing state.
	WriteErr error
}

var _ ledger.Store = (*LedgerStore)(nil)

// NewLedgerStore returns a store preloaded with snap.
func NewLedgerStore(snap ledger.Snapshot) *LedgerStore {
	return &LedgerStore{snap: cloneSnapshot(snap)}
}

// Load implements ledger.Store.
func (s *LedgerStore) Load(context.Context) (ledger.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSnapshot(s.snap), nil
}

// WriteResults implements ledger.Store.
func (s *LedgerStore) WriteResults(_ context.Context, rows []harvest.EntityResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.snap.Results = cloneResults(rows)
	s.resultWrites = append(s.resultWrites, cloneResults(rows))
	return nil
}

// WriteUnmatched implements ledger.Store.
func (s *LedgerStore) WriteUnmatched(_ context.Context, rows []harvest.UnmatchedEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.snap.Unmatched = append([]harvest.UnmatchedEntity(nil), rows...)
	s.unmatchedWrites = append(s.unmatchedWrites, append([]harvest.UnmatchedEntity(nil), rows...))
	return nil
}

// Reset empties both tables.
func (s *LedgerStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = ledger.Snapshot{}
	return nil
}

// ResultWrites returns every results table written, oldest first.
func (s *LedgerStore) ResultWrites() [][]harvest.EntityResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]harvest.EntityResult, len(s.resultWrites))
	for i, w := range s.resultWrites {
		out[i] = cloneResults(w)
	}
	return out
}

// UnmatchedWrites counts unmatched table writes.
func (s *LedgerStore) UnmatchedWrites() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.unmatchedWrites)
}

func cloneSnapshot(in ledger.Snapshot) ledger.Snapshot {
	return ledger.Snapshot{
		Results:   cloneResults(in.Results),
		Unmatched: append([]harvest.UnmatchedEntity(nil), in.Unmatched...),
	}
}

func cloneResults(in []harvest.EntityResult) []harvest.EntityResult {
	if in == nil {
		return nil
	}
	out := make([]harvest.EntityResult, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
