package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/depot/ident"
)

const (
	dataFileName = "data"
	metaFileName = "meta.json"
)

// LocalStore implements Store on the local filesystem.
//
// Committed artifacts live under {base}/pkgs/{origin}/{name}/{version}/{release}/
// as a data file plus a meta.json sidecar. Uploads are staged under
// {base}/staging/{uuid}/ and published with a single os.Rename of the staging
// directory, so a partially written artifact is never visible to readers.
type LocalStore struct {
	base string
}

// NewLocalStore creates a LocalStore rooted at base, creating the pkgs and
// staging directories if needed.
func NewLocalStore(base string) (*LocalStore, error) {
	for _, dir := range []string{filepath.Join(base, "pkgs"), filepath.Join(base, "staging")} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	return &LocalStore{base: base}, nil
}

// artifactDir returns the committed directory for an identifier. The layout is
// a pure function of the identifier.
func (s *LocalStore) artifactDir(id ident.Ident) string {
	return filepath.Join(s.base, "pkgs", id.Origin, id.Name, id.Version, id.Release)
}

// Put stages the artifact bytes, verifies the checksum, then atomically
// renames the staging directory into place.
func (s *LocalStore) Put(ctx context.Context, meta Meta, r io.Reader) (Receipt, error) {
	if err := meta.Ident.Validate(); err != nil {
		return Receipt{}, err
	}
	if ok, err := s.Exists(ctx, meta.Ident); err != nil {
		return Receipt{}, err
	} else if ok {
		return Receipt{}, fmt.Errorf("put %s: %w", meta.Ident, ErrAlreadyExists)
	}

	staging := filepath.Join(s.base, "staging", uuid.NewString())
	if err := os.MkdirAll(staging, 0o750); err != nil {
		return Receipt{}, fmt.Errorf("create staging directory: %w", err)
	}
	// Any failure below must leave no trace.
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	f, err := os.Create(filepath.Join(staging, dataFileName))
	if err != nil {
		return Receipt{}, fmt.Errorf("create staging file: %w", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), r)
	if err != nil {
		f.Close()
		return Receipt{}, fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return Receipt{}, fmt.Errorf("sync artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return Receipt{}, fmt.Errorf("close artifact: %w", err)
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	if meta.Checksum != "" && checksum != meta.Checksum {
		return Receipt{}, fmt.Errorf("put %s: computed %s, expected %s: %w",
			meta.Ident, checksum, meta.Checksum, ErrChecksumMismatch)
	}

	meta.Checksum = checksum
	meta.Size = size
	if meta.CommittedAt.IsZero() {
		meta.CommittedAt = time.Now().UTC()
	}
	if err := writeMetaFile(filepath.Join(staging, metaFileName), meta); err != nil {
		return Receipt{}, err
	}

	final := s.artifactDir(meta.Ident)
	if err := os.MkdirAll(filepath.Dir(final), 0o750); err != nil {
		return Receipt{}, fmt.Errorf("create artifact parent: %w", err)
	}
	// Second line of defense: rename fails if the target directory already
	// exists with content, so a lock-table bug cannot overwrite a commit.
	if err := os.Rename(staging, final); err != nil {
		if _, statErr := os.Stat(final); statErr == nil {
			return Receipt{}, fmt.Errorf("put %s: %w", meta.Ident, ErrAlreadyExists)
		}
		return Receipt{}, fmt.Errorf("publish artifact: %w", err)
	}
	committed = true

	return Receipt{
		Ident:       meta.Ident,
		Size:        size,
		Checksum:    checksum,
		CommittedAt: meta.CommittedAt,
	}, nil
}

// Open returns the committed artifact bytes as a seekable stream.
func (s *LocalStore) Open(ctx context.Context, id ident.Ident) (io.ReadSeekCloser, Meta, error) {
	meta, err := s.Stat(ctx, id)
	if err != nil {
		return nil, Meta{}, err
	}
	f, err := os.Open(filepath.Join(s.artifactDir(id), dataFileName))
	if err != nil {
		return nil, Meta{}, fmt.Errorf("open artifact %s: %w", id, err)
	}
	return f, meta, nil
}

// Stat reads the committed metadata sidecar for an identifier.
func (s *LocalStore) Stat(_ context.Context, id ident.Ident) (Meta, error) {
	meta, err := readMetaFile(filepath.Join(s.artifactDir(id), metaFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, fmt.Errorf("stat %s: %w", id, ErrNotFound)
		}
		return Meta{}, fmt.Errorf("stat %s: %w", id, err)
	}
	return meta, nil
}

// Exists reports whether the identifier has a committed metadata sidecar.
// The sidecar only appears via the atomic rename, so its presence implies a
// full, verified artifact.
func (s *LocalStore) Exists(_ context.Context, id ident.Ident) (bool, error) {
	_, err := os.Stat(filepath.Join(s.artifactDir(id), metaFileName))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("exists %s: %w", id, err)
}

// Walk visits every committed artifact's metadata.
func (s *LocalStore) Walk(ctx context.Context, fn func(Meta) error) error {
	root := filepath.Join(s.base, "pkgs")
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || d.Name() != metaFileName {
			return nil
		}
		meta, err := readMetaFile(path)
		if err != nil {
			return fmt.Errorf("walk %s: %w", path, err)
		}
		return fn(meta)
	})
}

// SweepStaging removes staging directories older than the given age. A crash
// mid-upload can strand a staging directory; the sweep reclaims the space.
// Returns the number of directories removed.
func (s *LocalStore) SweepStaging(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(filepath.Join(s.base, "staging"))
	if err != nil {
		return 0, fmt.Errorf("read staging: %w", err)
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(s.base, "staging", e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func writeMetaFile(path string, meta Meta) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(meta); err != nil {
		f.Close()
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync metadata: %w", err)
	}
	return f.Close()
}

func readMetaFile(path string) (Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}
