// Package index maintains the queryable derived views over committed
// artifacts: per-line version lists, latest pointers, channel membership and
// dependency edges. The index is derived state; the blob store remains the
// source of truth and the index can always be rebuilt from it.
package index

import (
	"context"
	"errors"

	"github.com/GoCodeAlone/depot/blob"
	"github.com/GoCodeAlone/depot/ident"
)

// Sentinel errors for index operations.
var (
	// ErrNotFound is returned when a query matches no committed artifact.
	ErrNotFound = errors.New("identifier not found in index")
	// ErrUnavailable is returned when the backing cache cannot be reached.
	// Writes fail fast with it; exact reads may degrade to the blob store.
	ErrUnavailable = errors.New("index unavailable")
	// ErrContention is returned when an optimistic index write keeps losing
	// the version check after bounded retries.
	ErrContention = errors.New("index write contention")
	// ErrPoolExhausted is returned when no cache connection becomes free
	// within the pool wait bound.
	ErrPoolExhausted = errors.New("index connection pool exhausted")
	// ErrTombstoned is returned for identifiers that were administratively
	// removed from the index views.
	ErrTombstoned = errors.New("identifier tombstoned")
)

// VersionPage is one page of a version listing. Cursor pagination is keyed by
// identifier, not offset, so a page boundary stays correct while commits
// append to the line.
type VersionPage struct {
	Idents []ident.Ident `json:"idents"`
	// NextCursor is the canonical string of the last identifier on this
	// page, or empty when the listing is exhausted. Pass it back to resume.
	NextCursor string `json:"next_cursor,omitempty"`
}

// Index is the capability interface over the derived metadata views.
type Index interface {
	// Record inserts a committed artifact into all derived views as one
	// logical unit. Callers invoke it only after the blob commit is durable.
	// Recording an already-recorded identifier is a no-op success.
	Record(ctx context.Context, m blob.Meta) error

	// Resolve maps a query (exact, latest-on-line, channel alias) to the
	// identifier it denotes. Latest resolution follows canonical ordering;
	// ties on version resolve to the greatest release.
	Resolve(ctx context.Context, q ident.Query) (ident.Ident, error)

	// Meta returns the recorded metadata for an exact identifier.
	Meta(ctx context.Context, id ident.Ident) (blob.Meta, error)

	// ListVersions pages through a line's identifiers in canonical ascending
	// order. cursor is empty for the first page; limit <= 0 means no limit.
	ListVersions(ctx context.Context, origin, name, cursor string, limit int) (VersionPage, error)

	// Promote adds the identifier to a channel's membership. Fails with
	// ErrNotFound if the identifier is not recorded.
	Promote(ctx context.Context, id ident.Ident, channel string) error

	// Demote removes the identifier from a channel's membership.
	Demote(ctx context.Context, id ident.Ident, channel string) error

	// Tombstone hides the identifier from all views without touching stored
	// bytes. Administrative operation.
	Tombstone(ctx context.Context, id ident.Ident) error

	// Ping reports whether the backing cache is reachable.
	Ping(ctx context.Context) error
}

// latestMatch picks the greatest identifier from a canonically ascending
// entry list, optionally filtered by target. Shared by implementations.
func latestMatch(entries []lineEntry, target string) (ident.Ident, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if target == "" || entries[i].Target == target {
			return entries[i].Ident, true
		}
	}
	return ident.Ident{}, false
}

// lineEntry is one identifier on an (origin, name) line, with the target it
// was built for so latest-by-target resolves without fetching each artifact.
type lineEntry struct {
	Ident  ident.Ident `json:"ident"`
	Target string      `json:"target"`
}

// insertSorted inserts an entry keeping canonical ascending order and
// identifier uniqueness.
func insertSorted(entries []lineEntry, e lineEntry) []lineEntry {
	for i, cur := range entries {
		c := ident.Compare(e.Ident, cur.Ident)
		if c == 0 {
			return entries // already present
		}
		if c < 0 {
			entries = append(entries, lineEntry{})
			copy(entries[i+1:], entries[i:])
			entries[i] = e
			return entries
		}
	}
	return append(entries, e)
}
