package depot

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/GoCodeAlone/depot/blob"
	"github.com/GoCodeAlone/depot/ident"
	"github.com/GoCodeAlone/depot/index"
)

// Resolution is the answer to an identifier query. Degraded marks answers
// produced from the blob store while the index was unavailable; only
// exact-identifier queries can degrade, since an approximate "latest" would
// violate the ordering guarantee.
type Resolution struct {
	Ident    ident.Ident
	Degraded bool
}

// Resolve maps a query to the identifier it denotes.
func (d *Depot) Resolve(ctx context.Context, q ident.Query) (Resolution, error) {
	id, err := d.index.Resolve(ctx, q)
	if err == nil {
		return Resolution{Ident: id}, nil
	}

	if indexDown(err) && q.Kind == ident.QueryExact {
		exists, berr := d.store.Exists(ctx, q.Ident)
		if berr != nil {
			return Resolution{}, mapBlobErr(berr)
		}
		d.metrics.DegradedReads.Inc()
		if !exists {
			return Resolution{}, fmt.Errorf("%w: %s (degraded)", ErrNotFound, q.Ident)
		}
		return Resolution{Ident: q.Ident, Degraded: true}, nil
	}

	return Resolution{}, mapIndexErr(err)
}

// Meta returns the committed metadata for an identifier, consulting the
// in-process read cache first. Falls back to the blob store sidecar when the
// index is unavailable.
func (d *Depot) Meta(ctx context.Context, id ident.Ident) (blob.Meta, error) {
	if meta, ok := d.metaCache.Get(id.String()); ok {
		return meta, nil
	}

	meta, err := d.index.Meta(ctx, id)
	if err == nil {
		d.metaCache.Set(id.String(), meta)
		return meta, nil
	}
	if indexDown(err) {
		meta, berr := d.store.Stat(ctx, id)
		if berr != nil {
			return blob.Meta{}, mapBlobErr(berr)
		}
		d.metrics.DegradedReads.Inc()
		d.metaCache.Set(id.String(), meta)
		return meta, nil
	}
	return blob.Meta{}, mapIndexErr(err)
}

// ListVersions pages through a line's identifiers in canonical order. Not
// available while the index is down: an approximate listing would violate
// the ordering guarantee.
func (d *Depot) ListVersions(ctx context.Context, origin, name, cursor string, limit int) (index.VersionPage, error) {
	page, err := d.index.ListVersions(ctx, origin, name, cursor, limit)
	if err != nil {
		return index.VersionPage{}, mapIndexErr(err)
	}
	if len(page.Idents) == 0 && cursor == "" {
		return index.VersionPage{}, fmt.Errorf("%w: no versions for %s/%s", ErrNotFound, origin, name)
	}
	return page, nil
}

// Download resolves the query and opens the artifact byte stream. The stream
// is seekable for ranged reads; the caller closes it.
func (d *Depot) Download(ctx context.Context, q ident.Query) (io.ReadSeekCloser, blob.Meta, error) {
	res, err := d.Resolve(ctx, q)
	if err != nil {
		return nil, blob.Meta{}, err
	}
	rc, meta, err := d.store.Open(ctx, res.Ident)
	if err != nil {
		return nil, blob.Meta{}, mapBlobErr(err)
	}
	d.metrics.Downloads.Inc()
	return rc, meta, nil
}

// Promote adds the identifier to a channel.
func (d *Depot) Promote(ctx context.Context, id ident.Ident, channel string) error {
	if err := d.index.Promote(ctx, id, channel); err != nil {
		return mapIndexErr(err)
	}
	d.logger.Info("artifact promoted", "ident", id.String(), "channel", channel)
	return nil
}

// Demote removes the identifier from a channel.
func (d *Depot) Demote(ctx context.Context, id ident.Ident, channel string) error {
	if err := d.index.Demote(ctx, id, channel); err != nil {
		return mapIndexErr(err)
	}
	d.logger.Info("artifact demoted", "ident", id.String(), "channel", channel)
	return nil
}

// Tombstone administratively hides the identifier from all index views.
// Stored bytes are untouched.
func (d *Depot) Tombstone(ctx context.Context, id ident.Ident) error {
	if err := d.index.Tombstone(ctx, id); err != nil {
		return mapIndexErr(err)
	}
	d.metaCache.Invalidate(id.String())
	d.logger.Info("artifact tombstoned", "ident", id.String())
	return nil
}

// RebuildIndex reconstructs the index from the blob store.
func (d *Depot) RebuildIndex(ctx context.Context, workers int) (int, error) {
	n, err := index.Rebuild(ctx, d.store, d.index, workers)
	if err != nil {
		return n, mapIndexErr(err)
	}
	d.logger.Info("index rebuilt from blob store", "artifacts", n)
	return n, nil
}

func indexDown(err error) bool {
	return errors.Is(err, index.ErrUnavailable) || errors.Is(err, index.ErrPoolExhausted)
}
