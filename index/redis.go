package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/depot/blob"
	"github.com/GoCodeAlone/depot/ident"
)

// maxTxRetries bounds optimistic-transaction retries. The logical update is
// commutative (appending one identifier), so retrying on a version conflict
// is safe; past the bound the caller sees ErrContention.
const maxTxRetries = 5

// RedisIndex implements Index on a Redis cache. Derived views are stored as
// JSON values; multi-key writes run inside WATCH/MULTI transactions so that
// concurrent writers conflict on the view version instead of corrupting it.
//
// The client's pool settings provide the hard connection bound; pool wait
// timeouts surface as ErrPoolExhausted, other transport failures as
// ErrUnavailable. Writes never queue behind an unavailable cache.
type RedisIndex struct {
	client *redis.Client
	prefix string
}

// NewRedisIndex creates a RedisIndex using the given client and key prefix.
func NewRedisIndex(client *redis.Client, prefix string) *RedisIndex {
	if prefix == "" {
		prefix = "depot:"
	}
	return &RedisIndex{client: client, prefix: prefix}
}

func (r *RedisIndex) artKey(id ident.Ident) string  { return r.prefix + "art:" + id.String() }
func (r *RedisIndex) tombKey(id ident.Ident) string { return r.prefix + "tomb:" + id.String() }
func (r *RedisIndex) lineKey(origin, name string) string {
	return r.prefix + "line:" + origin + "/" + name
}
func (r *RedisIndex) chanKey(origin, name, channel string) string {
	return r.prefix + "chan:" + origin + "/" + name + ":" + channel
}
func (r *RedisIndex) rdepsKey(id ident.Ident) string { return r.prefix + "rdeps:" + id.String() }

// classify maps transport-level redis errors onto the index error taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.ErrPoolTimeout):
		return fmt.Errorf("%w: %v", ErrPoolExhausted, err)
	case errors.Is(err, redis.Nil), errors.Is(err, redis.TxFailedErr):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// Record inserts the artifact into the line view, the artifact record and the
// reverse-dependency edges in one transaction. Idempotent for an identifier
// already present.
func (r *RedisIndex) Record(ctx context.Context, meta blob.Meta) error {
	if err := meta.Ident.Validate(); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode artifact record: %w", err)
	}

	lineKey := r.lineKey(meta.Ident.Origin, meta.Ident.Name)
	entry := lineEntry{Ident: meta.Ident, Target: meta.Target}

	txf := func(tx *redis.Tx) error {
		entries, err := r.getEntries(ctx, tx, lineKey)
		if err != nil {
			return err
		}
		entries = insertSorted(entries, entry)
		lineJSON, err := json.Marshal(entries)
		if err != nil {
			return fmt.Errorf("encode line view: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.artKey(meta.Ident), metaJSON, 0)
			pipe.Set(ctx, lineKey, lineJSON, 0)
			for _, dep := range meta.Deps {
				pipe.SAdd(ctx, r.rdepsKey(dep), meta.Ident.String())
			}
			return nil
		})
		return err
	}

	return r.runOptimistic(ctx, txf, lineKey)
}

// runOptimistic runs a WATCH transaction with bounded retries on version
// conflicts.
func (r *RedisIndex) runOptimistic(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := r.client.Watch(ctx, txf, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // another writer moved the view; recompute and retry
		}
		return classify(err)
	}
	return fmt.Errorf("index write on %v: %w", keys, ErrContention)
}

// Resolve answers exact, latest and channel queries.
func (r *RedisIndex) Resolve(ctx context.Context, q ident.Query) (ident.Ident, error) {
	switch q.Kind {
	case ident.QueryExact:
		if tomb, err := r.isTombstoned(ctx, q.Ident); err != nil {
			return ident.Ident{}, err
		} else if tomb {
			return ident.Ident{}, fmt.Errorf("resolve %s: %w", q.Ident, ErrTombstoned)
		}
		n, err := r.client.Exists(ctx, r.artKey(q.Ident)).Result()
		if err != nil {
			return ident.Ident{}, classify(err)
		}
		if n == 0 {
			return ident.Ident{}, fmt.Errorf("resolve %s: %w", q.Ident, ErrNotFound)
		}
		return q.Ident, nil

	case ident.QueryLatest:
		entries, err := r.visibleEntries(ctx, r.lineKey(q.Origin, q.Name))
		if err != nil {
			return ident.Ident{}, err
		}
		if id, ok := latestMatch(entries, q.Target); ok {
			return id, nil
		}
		return ident.Ident{}, fmt.Errorf("resolve latest %s/%s: %w", q.Origin, q.Name, ErrNotFound)

	case ident.QueryChannel:
		entries, err := r.visibleEntries(ctx, r.chanKey(q.Origin, q.Name, q.Channel))
		if err != nil {
			return ident.Ident{}, err
		}
		if id, ok := latestMatch(entries, q.Target); ok {
			return id, nil
		}
		return ident.Ident{}, fmt.Errorf("resolve channel %s/%s@%s: %w", q.Origin, q.Name, q.Channel, ErrNotFound)

	default:
		return ident.Ident{}, fmt.Errorf("resolve: unknown query kind %v", q.Kind)
	}
}

// Meta returns the recorded metadata for an identifier.
func (r *RedisIndex) Meta(ctx context.Context, id ident.Ident) (blob.Meta, error) {
	if tomb, err := r.isTombstoned(ctx, id); err != nil {
		return blob.Meta{}, err
	} else if tomb {
		return blob.Meta{}, fmt.Errorf("meta %s: %w", id, ErrTombstoned)
	}
	raw, err := r.client.Get(ctx, r.artKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return blob.Meta{}, fmt.Errorf("meta %s: %w", id, ErrNotFound)
		}
		return blob.Meta{}, classify(err)
	}
	var meta blob.Meta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return blob.Meta{}, fmt.Errorf("decode artifact record %s: %w", id, err)
	}
	return meta, nil
}

// ListVersions pages through the line view in canonical ascending order.
func (r *RedisIndex) ListVersions(ctx context.Context, origin, name, cursor string, limit int) (VersionPage, error) {
	entries, err := r.visibleEntries(ctx, r.lineKey(origin, name))
	if err != nil {
		return VersionPage{}, err
	}
	return pageEntries(entries, cursor, limit)
}

// Promote adds the identifier to the channel view inside a transaction.
func (r *RedisIndex) Promote(ctx context.Context, id ident.Ident, channel string) error {
	meta, err := r.Meta(ctx, id)
	if err != nil {
		if errors.Is(err, ErrTombstoned) {
			return fmt.Errorf("promote %s to %s: %w", id, channel, ErrNotFound)
		}
		return err
	}

	chanKey := r.chanKey(id.Origin, id.Name, channel)
	txf := func(tx *redis.Tx) error {
		entries, err := r.getEntries(ctx, tx, chanKey)
		if err != nil {
			return err
		}
		entries = insertSorted(entries, lineEntry{Ident: id, Target: meta.Target})
		chanJSON, err := json.Marshal(entries)
		if err != nil {
			return fmt.Errorf("encode channel view: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, chanKey, chanJSON, 0)
			return nil
		})
		return err
	}
	return r.runOptimistic(ctx, txf, chanKey)
}

// Demote removes the identifier from the channel view.
func (r *RedisIndex) Demote(ctx context.Context, id ident.Ident, channel string) error {
	chanKey := r.chanKey(id.Origin, id.Name, channel)
	found := false
	txf := func(tx *redis.Tx) error {
		found = false
		entries, err := r.getEntries(ctx, tx, chanKey)
		if err != nil {
			return err
		}
		kept := entries[:0]
		for _, e := range entries {
			if e.Ident == id {
				found = true
				continue
			}
			kept = append(kept, e)
		}
		if !found {
			return nil
		}
		chanJSON, err := json.Marshal(kept)
		if err != nil {
			return fmt.Errorf("encode channel view: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, chanKey, chanJSON, 0)
			return nil
		})
		return err
	}
	if err := r.runOptimistic(ctx, txf, chanKey); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("demote %s from %s: %w", id, channel, ErrNotFound)
	}
	return nil
}

// Tombstone hides the identifier from all views.
func (r *RedisIndex) Tombstone(ctx context.Context, id ident.Ident) error {
	n, err := r.client.Exists(ctx, r.artKey(id)).Result()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return fmt.Errorf("tombstone %s: %w", id, ErrNotFound)
	}
	if err := r.client.Set(ctx, r.tombKey(id), "1", 0).Err(); err != nil {
		return classify(err)
	}
	return nil
}

// Ping reports cache reachability.
func (r *RedisIndex) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return classify(err)
	}
	return nil
}

// Dependents returns the identifiers recorded as depending on id.
func (r *RedisIndex) Dependents(ctx context.Context, id ident.Ident) ([]ident.Ident, error) {
	members, err := r.client.SMembers(ctx, r.rdepsKey(id)).Result()
	if err != nil {
		return nil, classify(err)
	}
	out := make([]ident.Ident, 0, len(members))
	for _, m := range members {
		dep, err := ident.Parse(m)
		if err != nil {
			return nil, fmt.Errorf("decode dependent %q: %w", m, err)
		}
		out = append(out, dep)
	}
	return out, nil
}

// getEntries reads and decodes an entry-list key through the transaction so
// the WATCH covers the read.
func (r *RedisIndex) getEntries(ctx context.Context, tx *redis.Tx, key string) ([]lineEntry, error) {
	raw, err := tx.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, classify(err)
	}
	var entries []lineEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("decode view %s: %w", key, err)
	}
	return entries, nil
}

// visibleEntries loads an entry list and filters tombstoned identifiers.
func (r *RedisIndex) visibleEntries(ctx context.Context, key string) ([]lineEntry, error) {
	raw, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, classify(err)
	}
	var entries []lineEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("decode view %s: %w", key, err)
	}

	out := entries[:0]
	for _, e := range entries {
		tomb, err := r.isTombstoned(ctx, e.Ident)
		if err != nil {
			return nil, err
		}
		if !tomb {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *RedisIndex) isTombstoned(ctx context.Context, id ident.Ident) (bool, error) {
	n, err := r.client.Exists(ctx, r.tombKey(id)).Result()
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}
