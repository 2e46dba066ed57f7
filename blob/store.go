// Package blob provides durable, content-verified storage for artifact
// bytes. An artifact's location is a pure function of its identifier, so the
// metadata index can always be reconstructed from the store alone.
package blob

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/GoCodeAlone/depot/ident"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound is returned when no committed artifact exists for an
	// identifier.
	ErrNotFound = errors.New("artifact not found")
	// ErrAlreadyExists is returned by Put for an identifier that is already
	// durably committed, regardless of byte equality. Immutability is
	// enforced at the identifier level.
	ErrAlreadyExists = errors.New("artifact already exists")
	// ErrChecksumMismatch is returned when the streamed bytes do not hash to
	// the expected checksum. Nothing becomes visible in that case.
	ErrChecksumMismatch = errors.New("artifact checksum mismatch")
)

// Meta is the metadata committed alongside artifact bytes. It is written in
// the staging area and becomes visible in the same atomic step as the data,
// which makes the store self-describing for index reconstruction.
type Meta struct {
	Ident       ident.Ident   `json:"ident"`
	Size        int64         `json:"size"`
	Checksum    string        `json:"checksum"` // SHA256 hex digest
	Target      string        `json:"target"`
	Deps        []ident.Ident `json:"deps,omitempty"`
	CommittedAt time.Time     `json:"committed_at"`
}

// Receipt acknowledges one durable commit.
type Receipt struct {
	Ident       ident.Ident
	Size        int64
	Checksum    string
	CommittedAt time.Time
}

// Store is the capability interface for artifact byte storage. Implementations
// must make a committed artifact visible in a single atomic step after
// checksum verification; readers never observe partial writes.
type Store interface {
	// Put streams artifact bytes into storage. The checksum is computed
	// while streaming and verified against meta.Checksum before the artifact
	// becomes visible. Returns ErrAlreadyExists for a committed identifier
	// and ErrChecksumMismatch on verification failure; in both cases stored
	// state is unchanged.
	Put(ctx context.Context, meta Meta, r io.Reader) (Receipt, error)

	// Open returns a readable, seekable stream of the full artifact plus its
	// committed metadata. The caller closes the stream. Seekability supports
	// ranged downloads.
	Open(ctx context.Context, id ident.Ident) (io.ReadSeekCloser, Meta, error)

	// Stat returns the committed metadata without opening the bytes.
	Stat(ctx context.Context, id ident.Ident) (Meta, error)

	// Exists reports whether a committed artifact exists for the identifier.
	Exists(ctx context.Context, id ident.Ident) (bool, error)

	// Walk visits the metadata of every committed artifact, in unspecified
	// order. Used to rebuild the metadata index from storage.
	Walk(ctx context.Context, fn func(Meta) error) error
}
