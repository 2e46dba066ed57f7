package index

import (
	"context"
	"fmt"
	"sync"

	"github.com/GoCodeAlone/depot/blob"
	"github.com/GoCodeAlone/depot/ident"
)

// MemoryIndex implements Index entirely in memory. Intended for tests and
// single-process deployments without a cache.
type MemoryIndex struct {
	mu         sync.RWMutex
	artifacts  map[string]blob.Meta   // ident string -> meta
	lines      map[string][]lineEntry // origin/name -> sorted entries
	channels   map[string][]lineEntry // origin/name:channel -> sorted entries
	tombstones map[string]bool
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		artifacts:  make(map[string]blob.Meta),
		lines:      make(map[string][]lineEntry),
		channels:   make(map[string][]lineEntry),
		tombstones: make(map[string]bool),
	}
}

func channelKey(origin, name, channel string) string {
	return origin + "/" + name + ":" + channel
}

// Record inserts the artifact into the per-line view. Idempotent.
func (m *MemoryIndex) Record(_ context.Context, meta blob.Meta) error {
	if err := meta.Ident.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := meta.Ident.String()
	m.artifacts[key] = meta
	line := meta.Ident.Line()
	m.lines[line] = insertSorted(m.lines[line], lineEntry{Ident: meta.Ident, Target: meta.Target})
	return nil
}

// Resolve answers exact, latest and channel queries against the views.
func (m *MemoryIndex) Resolve(_ context.Context, q ident.Query) (ident.Ident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch q.Kind {
	case ident.QueryExact:
		key := q.Ident.String()
		if m.tombstones[key] {
			return ident.Ident{}, fmt.Errorf("resolve %s: %w", key, ErrTombstoned)
		}
		if _, ok := m.artifacts[key]; !ok {
			return ident.Ident{}, fmt.Errorf("resolve %s: %w", key, ErrNotFound)
		}
		return q.Ident, nil

	case ident.QueryLatest:
		entries := m.visibleLocked(m.lines[q.Origin+"/"+q.Name])
		if id, ok := latestMatch(entries, q.Target); ok {
			return id, nil
		}
		return ident.Ident{}, fmt.Errorf("resolve latest %s/%s: %w", q.Origin, q.Name, ErrNotFound)

	case ident.QueryChannel:
		entries := m.visibleLocked(m.channels[channelKey(q.Origin, q.Name, q.Channel)])
		if id, ok := latestMatch(entries, q.Target); ok {
			return id, nil
		}
		return ident.Ident{}, fmt.Errorf("resolve channel %s/%s@%s: %w", q.Origin, q.Name, q.Channel, ErrNotFound)

	default:
		return ident.Ident{}, fmt.Errorf("resolve: unknown query kind %v", q.Kind)
	}
}

// Meta returns the recorded metadata for an identifier.
func (m *MemoryIndex) Meta(_ context.Context, id ident.Ident) (blob.Meta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := id.String()
	if m.tombstones[key] {
		return blob.Meta{}, fmt.Errorf("meta %s: %w", key, ErrTombstoned)
	}
	meta, ok := m.artifacts[key]
	if !ok {
		return blob.Meta{}, fmt.Errorf("meta %s: %w", key, ErrNotFound)
	}
	return meta, nil
}

// ListVersions pages through the line in canonical ascending order.
func (m *MemoryIndex) ListVersions(_ context.Context, origin, name, cursor string, limit int) (VersionPage, error) {
	m.mu.RLock()
	entries := m.visibleLocked(m.lines[origin+"/"+name])
	m.mu.RUnlock()

	return pageEntries(entries, cursor, limit)
}

// Promote adds the identifier to the channel view.
func (m *MemoryIndex) Promote(_ context.Context, id ident.Ident, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := id.String()
	meta, ok := m.artifacts[key]
	if !ok || m.tombstones[key] {
		return fmt.Errorf("promote %s to %s: %w", key, channel, ErrNotFound)
	}
	ck := channelKey(id.Origin, id.Name, channel)
	m.channels[ck] = insertSorted(m.channels[ck], lineEntry{Ident: id, Target: meta.Target})
	return nil
}

// Demote removes the identifier from the channel view.
func (m *MemoryIndex) Demote(_ context.Context, id ident.Ident, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ck := channelKey(id.Origin, id.Name, channel)
	entries := m.channels[ck]
	for i, e := range entries {
		if e.Ident == id {
			m.channels[ck] = append(entries[:i:i], entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("demote %s from %s: %w", id, channel, ErrNotFound)
}

// Tombstone hides the identifier from all views.
func (m *MemoryIndex) Tombstone(_ context.Context, id ident.Ident) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := id.String()
	if _, ok := m.artifacts[key]; !ok {
		return fmt.Errorf("tombstone %s: %w", key, ErrNotFound)
	}
	m.tombstones[key] = true
	return nil
}

// Ping always succeeds for the in-memory index.
func (m *MemoryIndex) Ping(context.Context) error { return nil }

func (m *MemoryIndex) visibleLocked(entries []lineEntry) []lineEntry {
	out := make([]lineEntry, 0, len(entries))
	for _, e := range entries {
		if !m.tombstones[e.Ident.String()] {
			out = append(out, e)
		}
	}
	return out
}

// pageEntries applies an identifier-keyed cursor and limit to a sorted entry
// list. Shared by implementations.
func pageEntries(entries []lineEntry, cursor string, limit int) (VersionPage, error) {
	start := 0
	if cursor != "" {
		after, err := ident.Parse(cursor)
		if err != nil {
			return VersionPage{}, fmt.Errorf("list versions: bad cursor: %w", err)
		}
		for start < len(entries) && ident.Compare(entries[start].Ident, after) <= 0 {
			start++
		}
	}

	rest := entries[start:]
	truncated := false
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
		truncated = true
	}

	page := VersionPage{Idents: make([]ident.Ident, 0, len(rest))}
	for _, e := range rest {
		page.Idents = append(page.Idents, e.Ident)
	}
	if truncated && len(page.Idents) > 0 {
		page.NextCursor = page.Idents[len(page.Idents)-1].String()
	}
	return page, nil
}
