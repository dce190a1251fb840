// Package ledger keeps the durable record of harvested, partially harvested,
// and unmatched entities. Every mutation rewrites the affected table through
// a Store, which must make each rewrite atomic.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/harvest"
)

var (
	// ErrUnmatched is returned when recording contacts for an unmatched entity.
	ErrUnmatched = errors.New("entity is recorded as unmatched")
	// ErrDone is returned when changing an entity that is already done.
	ErrDone = errors.New("entity is already done")
)

// Snapshot is the full durable state.
type Snapshot struct {
	Results   []harvest.EntityResult
	Unmatched []harvest.UnmatchedEntity
}

// Store persists whole tables. Each Write replaces the table atomically.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	WriteResults(ctx context.Context, rows []harvest.EntityResult) error
	WriteUnmatched(ctx context.Context, rows []harvest.UnmatchedEntity) error
}

// Options tunes ledger behavior.
type Options struct {
	// DedupProfileURLs drops a contact whose profile URL is already recorded
	// for the same entity.
	DedupProfileURLs bool
}

// Ledger implements harvest.Ledger.
type Ledger struct {
	mu        sync.Mutex
	store     Store
	opts      Options
	logger    *zap.Logger
	results   []harvest.EntityResult
	resultIdx map[string]int
	unmatched []harvest.UnmatchedEntity
	unmIdx    map[string]struct{}
}

var _ harvest.Ledger = (*Ledger)(nil)

// Open loads the durable state. An id found in both tables keeps its
// unmatched entry when the result row is partial; a complete result wins
// otherwise.
func Open(ctx context.Context, store Store, opts Options, logger *zap.Logger) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	snap, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	l := &Ledger{
		store:     store,
		opts:      opts,
		logger:    logger,
		resultIdx: map[string]int{},
		unmIdx:    map[string]struct{}{},
	}
	done := map[string]bool{}
	for _, r := range snap.Results {
		if r.Complete {
			done[r.ID] = true
		}
	}
	for _, u := range snap.Unmatched {
		if _, dup := l.unmIdx[u.ID]; dup || done[u.ID] {
			if done[u.ID] {
				logger.Warn("dropping unmatched entry for completed entity", zap.String("entity_id", u.ID))
			}
			continue
		}
		l.unmIdx[u.ID] = struct{}{}
		l.unmatched = append(l.unmatched, u)
	}
	for _, r := range snap.Results {
		if _, unm := l.unmIdx[r.ID]; unm {
			logger.Warn("dropping partial result for unmatched entity", zap.String("entity_id", r.ID))
			continue
		}
		if i, dup := l.resultIdx[r.ID]; dup {
			// Later rows supersede earlier ones.
			l.results[i] = r.Clone()
			continue
		}
		l.resultIdx[r.ID] = len(l.results)
		l.results = append(l.results, r.Clone())
	}
	return l, nil
}

// IsDone reports whether id has a complete result row.
func (l *Ledger) IsDone(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.resultIdx[id]
	return ok && l.results[i].Complete
}

// IsUnmatched reports whether id is recorded as unmatched.
func (l *Ledger) IsUnmatched(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.unmIdx[id]
	return ok
}

// RecordContact appends contact to the entity's row and rewrites the results
// table. Contacts from an earlier interrupted attempt are kept, so a
// restarted entity may record the same person twice unless
// DedupProfileURLs is set. It reports false when the contact was dropped as
// a duplicate.
func (l *Ledger) RecordContact(ctx context.Context, entity harvest.Entity, contact harvest.Contact) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.unmIdx[entity.ID]; ok {
		return false, fmt.Errorf("record contact for %s: %w", entity.ID, ErrUnmatched)
	}
	i, existed := l.row(entity)
	row := &l.results[i]
	if row.Complete {
		return false, fmt.Errorf("record contact for %s: %w", entity.ID, ErrDone)
	}
	contact = contact.Normalize()
	if l.opts.DedupProfileURLs && contact.ProfileURL != "" {
		for _, c := range row.Contacts {
			if c.ProfileURL == contact.ProfileURL {
				l.logger.Debug("duplicate profile skipped",
					zap.String("entity_id", entity.ID),
					zap.String("profile_url", contact.ProfileURL))
				return false, nil
			}
		}
	}
	row.Contacts = append(row.Contacts, contact)
	if err := l.writeResults(ctx); err != nil {
		row.Contacts = row.Contacts[:len(row.Contacts)-1]
		if !existed {
			l.dropRow(entity.ID)
		}
		return false, err
	}
	return true, nil
}

// FinalizeEntity marks the entity done, creating an empty row if nothing was
// recorded for it.
func (l *Ledger) FinalizeEntity(ctx context.Context, entity harvest.Entity) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.unmIdx[entity.ID]; ok {
		return fmt.Errorf("finalize %s: %w", entity.ID, ErrUnmatched)
	}
	i, existed := l.row(entity)
	if l.results[i].Complete {
		return nil
	}
	l.results[i].Complete = true
	if err := l.writeResults(ctx); err != nil {
		l.results[i].Complete = false
		if !existed {
			l.dropRow(entity.ID)
		}
		return err
	}
	return nil
}

// MarkUnmatched records the entity as unmatched and discards any partial
// result row for it. Marking twice is a no-op.
func (l *Ledger) MarkUnmatched(ctx context.Context, entity harvest.Entity) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.unmIdx[entity.ID]; ok {
		return nil
	}
	i, hasRow := l.resultIdx[entity.ID]
	if hasRow && l.results[i].Complete {
		return fmt.Errorf("mark unmatched %s: %w", entity.ID, ErrDone)
	}

	l.unmatched = append(l.unmatched, harvest.UnmatchedEntity{ID: entity.ID, Name: entity.Name})
	l.unmIdx[entity.ID] = struct{}{}
	if err := l.store.WriteUnmatched(ctx, l.unmatchedSnapshot()); err != nil {
		l.unmatched = l.unmatched[:len(l.unmatched)-1]
		delete(l.unmIdx, entity.ID)
		return fmt.Errorf("write unmatched table: %w", err)
	}
	if hasRow {
		// Open drops partial rows of unmatched ids, so a crash here is safe.
		removed := l.results[i]
		l.dropRow(entity.ID)
		if err := l.writeResults(ctx); err != nil {
			l.logger.Warn("partial result left behind for unmatched entity",
				zap.String("entity_id", entity.ID),
				zap.Int("contacts", len(removed.Contacts)),
				zap.Error(err))
		}
	}
	return nil
}

// Counts returns the number of done and unmatched entities.
func (l *Ledger) Counts() (done, unmatched int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.results {
		if r.Complete {
			done++
		}
	}
	return done, len(l.unmatched)
}

// Snapshot returns a deep copy of the current state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{Results: l.resultsSnapshot(), Unmatched: l.unmatchedSnapshot()}
}

// Contacts returns the contacts recorded so far for id.
func (l *Ledger) Contacts(id string) []harvest.Contact {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.resultIdx[id]
	if !ok {
		return nil
	}
	return append([]harvest.Contact(nil), l.results[i].Contacts...)
}

// row returns the index of the entity's row, appending a partial one if needed.
func (l *Ledger) row(entity harvest.Entity) (int, bool) {
	if i, ok := l.resultIdx[entity.ID]; ok {
		return i, true
	}
	l.resultIdx[entity.ID] = len(l.results)
	l.results = append(l.results, harvest.EntityResult{ID: entity.ID, Name: entity.Name})
	return len(l.results) - 1, false
}

func (l *Ledger) dropRow(id string) {
	i, ok := l.resultIdx[id]
	if !ok {
		return
	}
	l.results = append(l.results[:i], l.results[i+1:]...)
	delete(l.resultIdx, id)
	for j := i; j < len(l.results); j++ {
		l.resultIdx[l.results[j].ID] = j
	}
}

func (l *Ledger) writeResults(ctx context.Context) error {
	if err := l.store.WriteResults(ctx, l.resultsSnapshot()); err != nil {
		return fmt.Errorf("write results table: %w", err)
	}
	return nil
}

func (l *Ledger) resultsSnapshot() []harvest.EntityResult {
	out := make([]harvest.EntityResult, len(l.results))
	for i, r := range l.results {
		out[i] = r.Clone()
	}
	return out
}

func (l *Ledger) unmatchedSnapshot() []harvest.UnmatchedEntity {
	return append([]harvest.UnmatchedEntity(nil), l.unmatched...)
}
