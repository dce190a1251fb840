package harvest

import (
	"context"
	"iter"
)

// Extractor converts raw profile text into a Contact. It never fails; a
// broken extraction yields a fallback record carrying only the profile URL.
type Extractor interface {
	Extract(ctx context.Context, rawText, targetName, profileURL string) Contact
}

// Pager tracks and advances the position of a paginated result listing.
type Pager interface {
	Position(ctx context.Context) (Position, error)
	Advance(ctx context.Context) (bool, error)
}

// PageHarvester yields the contacts of the listing page currently shown.
// firstPage controls whether an empty page escalates to ErrNoViableMatch.
type PageHarvester interface {
	HarvestPage(ctx context.Context, targetName string, firstPage bool) iter.Seq2[Contact, error]
}

// Searcher locates a target's filter and streams its contacts.
type Searcher interface {
	LocateAndSelect(ctx context.Context, targetName string) error
	Harvest(ctx context.Context, targetName string) iter.Seq2[Contact, error]
}

// Ledger is the durable record of done and unmatched entities.
type Ledger interface {
	IsDone(id string) bool
	IsUnmatched(id string) bool
	// RecordContact reports whether contact was appended; false with a nil
	// error means it was dropped as a duplicate.
	RecordContact(ctx context.Context, entity Entity, contact Contact) (bool, error)
	MarkUnmatched(ctx context.Context, entity Entity) error
	FinalizeEntity(ctx context.Context, entity Entity) error
	Counts() (done, unmatched int)
}

// EgressVerifier confirms the apparent network origin of the session.
type EgressVerifier interface {
	Verify(ctx context.Context) (EgressStatus, error)
}

// EgressStatus is the result of one egress check.
type EgressStatus struct {
	IP string
	OK bool
}
