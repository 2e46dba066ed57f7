// Package depot is the artifact ingestion-and-retrieval engine: it
// coordinates validation, per-identifier locking, blob commit, index commit
// and event publication as one logical transaction, and serves identifier
// queries and downloads.
package depot

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/depot/archive"
	"github.com/GoCodeAlone/depot/blob"
	"github.com/GoCodeAlone/depot/cache"
	"github.com/GoCodeAlone/depot/event"
	"github.com/GoCodeAlone/depot/index"
	"github.com/GoCodeAlone/depot/locks"
)

// Options configures a Depot. Store, Index and Archive are required; the
// rest default to working single-process implementations.
type Options struct {
	Store     blob.Store
	Index     index.Index
	Archive   archive.Reader
	Publisher event.Publisher
	Locks     *locks.Table
	Logger    *slog.Logger
	Metrics   *Metrics

	// SpoolThreshold is the upload size above which buffering spills from
	// memory to disk. Zero means 8 MiB.
	SpoolThreshold int64
	// MetaCacheSize bounds the in-process metadata read cache. Zero means
	// 4096 entries.
	MetaCacheSize int
	// MetaCacheTTL is the read-cache entry lifetime. Zero means 10 minutes.
	MetaCacheTTL time.Duration
}

// Depot is the engine. All shared state (lock table, caches, metrics) is
// constructed and owned here, never process-global.
type Depot struct {
	store     blob.Store
	index     index.Index
	archive   archive.Reader
	publisher event.Publisher
	locks     *locks.Table
	logger    *slog.Logger
	metrics   *Metrics
	metaCache *cache.MetaCache

	spoolThreshold int64
}

// New constructs a Depot from options.
func New(opts Options) (*Depot, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("depot: Store is required")
	}
	if opts.Index == nil {
		return nil, fmt.Errorf("depot: Index is required")
	}
	if opts.Archive == nil {
		return nil, fmt.Errorf("depot: Archive reader is required")
	}
	if opts.Publisher == nil {
		opts.Publisher = event.NewMemoryPublisher()
	}
	if opts.Locks == nil {
		opts.Locks = locks.NewTable(0, 0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}

	return &Depot{
		store:          opts.Store,
		index:          opts.Index,
		archive:        opts.Archive,
		publisher:      opts.Publisher,
		locks:          opts.Locks,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		metaCache:      cache.NewMetaCache(opts.MetaCacheSize, opts.MetaCacheTTL),
		spoolThreshold: opts.SpoolThreshold,
	}, nil
}
