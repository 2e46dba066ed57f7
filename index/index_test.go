package index

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/depot/blob"
	"github.com/GoCodeAlone/depot/ident"
)

func mustIdent(t *testing.T, s string) ident.Ident {
	t.Helper()
	id, err := ident.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	return id
}

func metaFor(t *testing.T, raw, target string) blob.Meta {
	t.Helper()
	return blob.Meta{
		Ident:       mustIdent(t, raw),
		Size:        42,
		Checksum:    "deadbeef",
		Target:      target,
		CommittedAt: time.Now().UTC(),
	}
}

func newTestRedisIndex(t *testing.T) *RedisIndex {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisIndex(client, "test:")
}

// forEachIndex runs the subtest against every Index implementation.
func forEachIndex(t *testing.T, fn func(t *testing.T, idx Index)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryIndex())
	})
	t.Run("redis", func(t *testing.T) {
		fn(t, newTestRedisIndex(t))
	})
}

func TestRecordAndResolveExact(t *testing.T) {
	forEachIndex(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		m := metaFor(t, "acme/web/1.2.0/20230101010101", "x86_64-linux")

		if err := idx.Record(ctx, m); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		// Recording the same artifact again is a no-op success.
		if err := idx.Record(ctx, m); err != nil {
			t.Fatalf("second Record failed: %v", err)
		}

		got, err := idx.Resolve(ctx, ident.Exact(m.Ident))
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if got != m.Ident {
			t.Errorf("Resolve = %s, want %s", got, m.Ident)
		}

		missing := mustIdent(t, "acme/web/9.9.9/20230101010101")
		if _, err := idx.Resolve(ctx, ident.Exact(missing)); !errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve(missing) error = %v, want ErrNotFound", err)
		}

		meta, err := idx.Meta(ctx, m.Ident)
		if err != nil {
			t.Fatalf("Meta failed: %v", err)
		}
		if meta.Checksum != m.Checksum || meta.Target != m.Target {
			t.Errorf("Meta = %+v", meta)
		}
	})
}

func TestResolveLatest(t *testing.T) {
	forEachIndex(t, func(t *testing.T, idx Index) {
		ctx := context.Background()

		// Insert out of order to prove ordering is canonical, not insertion.
		for _, raw := range []string{
			"acme/web/1.2.1/20230101010101",
			"acme/web/1.2.0/20230101010101",
			"acme/web/1.10.0/20230101010101",
			"acme/web/1.9.0/20230101010101",
		} {
			if err := idx.Record(ctx, metaFor(t, raw, "x86_64-linux")); err != nil {
				t.Fatalf("Record(%s) failed: %v", raw, err)
			}
		}

		got, err := idx.Resolve(ctx, ident.Latest("acme", "web", ""))
		if err != nil {
			t.Fatalf("Resolve latest failed: %v", err)
		}
		if got.Version != "1.10.0" {
			t.Errorf("latest = %s, want version 1.10.0", got)
		}

		if _, err := idx.Resolve(ctx, ident.Latest("acme", "nothing", "")); !errors.Is(err, ErrNotFound) {
			t.Errorf("latest on empty line error = %v, want ErrNotFound", err)
		}
	})
}

func TestResolveLatestTieBreaksOnRelease(t *testing.T) {
	forEachIndex(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		for _, raw := range []string{
			"acme/web/1.2.0/20230201010101",
			"acme/web/1.2.0/20230101010101",
		} {
			if err := idx.Record(ctx, metaFor(t, raw, "x86_64-linux")); err != nil {
				t.Fatalf("Record failed: %v", err)
			}
		}

		got, err := idx.Resolve(ctx, ident.Latest("acme", "web", ""))
		if err != nil {
			t.Fatalf("Resolve latest failed: %v", err)
		}
		if got.Release != "20230201010101" {
			t.Errorf("latest release = %s, want 20230201010101", got.Release)
		}
	})
}

func TestResolveLatestByTarget(t *testing.T) {
	forEachIndex(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		if err := idx.Record(ctx, metaFor(t, "acme/web/1.2.0/20230101010101", "x86_64-linux")); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		if err := idx.Record(ctx, metaFor(t, "acme/web/1.3.0/20230201010101", "aarch64-linux")); err != nil {
			t.Fatalf("Record failed: %v", err)
		}

		got, err := idx.Resolve(ctx, ident.Latest("acme", "web", "x86_64-linux"))
		if err != nil {
			t.Fatalf("Resolve latest by target failed: %v", err)
		}
		if got.Version != "1.2.0" {
			t.Errorf("latest for x86_64-linux = %s, want 1.2.0", got)
		}

		if _, err := idx.Resolve(ctx, ident.Latest("acme", "web", "x86_64-windows")); !errors.Is(err, ErrNotFound) {
			t.Errorf("latest for unknown target error = %v, want ErrNotFound", err)
		}
	})
}

func TestListVersionsOrderAndPagination(t *testing.T) {
	forEachIndex(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		raws := []string{
			"acme/web/1.10.0/20230101010101",
			"acme/web/1.2.0/20230101010101",
			"acme/web/1.2.0/20230201010101",
			"acme/web/1.2.1/20230101010101",
			"acme/web/2.0.0/20230101010101",
		}
		for _, raw := range raws {
			if err := idx.Record(ctx, metaFor(t, raw, "x86_64-linux")); err != nil {
				t.Fatalf("Record failed: %v", err)
			}
		}

		wantOrder := []string{
			"acme/web/1.2.0/20230101010101",
			"acme/web/1.2.0/20230201010101",
			"acme/web/1.2.1/20230101010101",
			"acme/web/1.10.0/20230101010101",
			"acme/web/2.0.0/20230101010101",
		}

		page, err := idx.ListVersions(ctx, "acme", "web", "", 0)
		if err != nil {
			t.Fatalf("ListVersions failed: %v", err)
		}
		if len(page.Idents) != len(wantOrder) {
			t.Fatalf("got %d idents, want %d", len(page.Idents), len(wantOrder))
		}
		for i, want := range wantOrder {
			if page.Idents[i].String() != want {
				t.Errorf("position %d: got %s, want %s", i, page.Idents[i], want)
			}
		}
		if page.NextCursor != "" {
			t.Errorf("unlimited listing has cursor %q", page.NextCursor)
		}

		// Page through with limit 2 using identifier-keyed cursors.
		var all []string
		cursor := ""
		for {
			page, err := idx.ListVersions(ctx, "acme", "web", cursor, 2)
			if err != nil {
				t.Fatalf("ListVersions page failed: %v", err)
			}
			for _, id := range page.Idents {
				all = append(all, id.String())
			}
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
		if len(all) != len(wantOrder) {
			t.Fatalf("paged listing got %d idents, want %d", len(all), len(wantOrder))
		}
		for i, want := range wantOrder {
			if all[i] != want {
				t.Errorf("paged position %d: got %s, want %s", i, all[i], want)
			}
		}
	})
}

func TestPromoteDemoteAndChannelResolve(t *testing.T) {
	forEachIndex(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		oldID := metaFor(t, "acme/web/1.2.0/20230101010101", "x86_64-linux")
		newID := metaFor(t, "acme/web/1.3.0/20230201010101", "x86_64-linux")
		for _, m := range []blob.Meta{oldID, newID} {
			if err := idx.Record(ctx, m); err != nil {
				t.Fatalf("Record failed: %v", err)
			}
		}

		// Promoting an uncommitted identifier fails.
		ghost := mustIdent(t, "acme/web/3.0.0/20230101010101")
		if err := idx.Promote(ctx, ghost, "stable"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Promote(ghost) error = %v, want ErrNotFound", err)
		}

		if err := idx.Promote(ctx, oldID.Ident, "stable"); err != nil {
			t.Fatalf("Promote failed: %v", err)
		}

		got, err := idx.Resolve(ctx, ident.InChannel("acme", "web", "stable"))
		if err != nil {
			t.Fatalf("Resolve channel failed: %v", err)
		}
		if got != oldID.Ident {
			t.Errorf("channel latest = %s, want %s", got, oldID.Ident)
		}

		// Channel pointer moves when a greater identifier is promoted.
		if err := idx.Promote(ctx, newID.Ident, "stable"); err != nil {
			t.Fatalf("Promote failed: %v", err)
		}
		got, err = idx.Resolve(ctx, ident.InChannel("acme", "web", "stable"))
		if err != nil {
			t.Fatalf("Resolve channel failed: %v", err)
		}
		if got != newID.Ident {
			t.Errorf("channel latest = %s, want %s", got, newID.Ident)
		}

		if err := idx.Demote(ctx, newID.Ident, "stable"); err != nil {
			t.Fatalf("Demote failed: %v", err)
		}
		got, err = idx.Resolve(ctx, ident.InChannel("acme", "web", "stable"))
		if err != nil {
			t.Fatalf("Resolve channel after demote failed: %v", err)
		}
		if got != oldID.Ident {
			t.Errorf("channel latest after demote = %s, want %s", got, oldID.Ident)
		}

		if err := idx.Demote(ctx, newID.Ident, "stable"); !errors.Is(err, ErrNotFound) {
			t.Errorf("double Demote error = %v, want ErrNotFound", err)
		}
	})
}

func TestTombstoneHidesFromAllViews(t *testing.T) {
	forEachIndex(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		m := metaFor(t, "acme/web/1.2.0/20230101010101", "x86_64-linux")
		keep := metaFor(t, "acme/web/1.1.0/20230101010101", "x86_64-linux")
		for _, mm := range []blob.Meta{m, keep} {
			if err := idx.Record(ctx, mm); err != nil {
				t.Fatalf("Record failed: %v", err)
			}
		}
		if err := idx.Promote(ctx, m.Ident, "stable"); err != nil {
			t.Fatalf("Promote failed: %v", err)
		}

		if err := idx.Tombstone(ctx, m.Ident); err != nil {
			t.Fatalf("Tombstone failed: %v", err)
		}

		if _, err := idx.Resolve(ctx, ident.Exact(m.Ident)); !errors.Is(err, ErrTombstoned) {
			t.Errorf("exact resolve error = %v, want ErrTombstoned", err)
		}
		got, err := idx.Resolve(ctx, ident.Latest("acme", "web", ""))
		if err != nil {
			t.Fatalf("latest resolve failed: %v", err)
		}
		if got != keep.Ident {
			t.Errorf("latest = %s, want %s", got, keep.Ident)
		}
		if _, err := idx.Resolve(ctx, ident.InChannel("acme", "web", "stable")); !errors.Is(err, ErrNotFound) {
			t.Errorf("channel resolve error = %v, want ErrNotFound", err)
		}

		page, err := idx.ListVersions(ctx, "acme", "web", "", 0)
		if err != nil {
			t.Fatalf("ListVersions failed: %v", err)
		}
		if len(page.Idents) != 1 || page.Idents[0] != keep.Ident {
			t.Errorf("listing after tombstone = %v", page.Idents)
		}
	})
}
