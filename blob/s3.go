package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/GoCodeAlone/depot/ident"
)

// S3API is the subset of the S3 client used by S3Store. Keeping it as an
// interface enables mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store implements Store on an S3-compatible backend.
//
// Objects live under {prefix}/pkgs/{origin}/{name}/{version}/{release}/ as a
// data object plus a meta.json object. The metadata object is uploaded only
// after the data object, and readers treat the metadata object as the
// visibility marker, so a partially uploaded artifact is never observed.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store creates an S3Store for the given bucket and key prefix.
func NewS3Store(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) artifactKey(id ident.Ident, name string) string {
	return path.Join(s.prefix, "pkgs", id.Origin, id.Name, id.Version, id.Release, name)
}

// Put spools the artifact bytes to a temporary file while hashing, verifies
// the checksum, uploads the data object, then uploads the metadata object
// that makes the artifact visible.
func (s *S3Store) Put(ctx context.Context, meta Meta, r io.Reader) (Receipt, error) {
	if err := meta.Ident.Validate(); err != nil {
		return Receipt{}, err
	}
	if ok, err := s.Exists(ctx, meta.Ident); err != nil {
		return Receipt{}, err
	} else if ok {
		return Receipt{}, fmt.Errorf("put %s: %w", meta.Ident, ErrAlreadyExists)
	}

	// S3 PutObject needs a seekable body; spool to disk rather than memory
	// so large artifacts do not blow the heap.
	spool, err := os.CreateTemp("", "depot-s3-put-*")
	if err != nil {
		return Receipt{}, fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(spool, hasher), r)
	if err != nil {
		return Receipt{}, fmt.Errorf("spool artifact: %w", err)
	}
	checksum := hex.EncodeToString(hasher.Sum(nil))
	if meta.Checksum != "" && checksum != meta.Checksum {
		return Receipt{}, fmt.Errorf("put %s: computed %s, expected %s: %w",
			meta.Ident, checksum, meta.Checksum, ErrChecksumMismatch)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return Receipt{}, fmt.Errorf("rewind spool: %w", err)
	}

	meta.Checksum = checksum
	meta.Size = size
	if meta.CommittedAt.IsZero() {
		meta.CommittedAt = time.Now().UTC()
	}

	dataKey := s.artifactKey(meta.Ident, dataFileName)
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &dataKey,
		Body:   spool,
		Metadata: map[string]string{
			"checksum": checksum,
		},
	}); err != nil {
		return Receipt{}, fmt.Errorf("upload artifact data: %w", err)
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode metadata: %w", err)
	}
	metaKey := s.artifactKey(meta.Ident, metaFileName)
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &metaKey,
		Body:   strings.NewReader(string(metaBytes)),
	}); err != nil {
		return Receipt{}, fmt.Errorf("upload artifact metadata: %w", err)
	}

	return Receipt{
		Ident:       meta.Ident,
		Size:        size,
		Checksum:    checksum,
		CommittedAt: meta.CommittedAt,
	}, nil
}

// Open downloads the artifact to a temporary spool file and returns it as a
// seekable stream. The file is unlinked when closed.
func (s *S3Store) Open(ctx context.Context, id ident.Ident) (io.ReadSeekCloser, Meta, error) {
	meta, err := s.Stat(ctx, id)
	if err != nil {
		return nil, Meta{}, err
	}

	dataKey := s.artifactKey(id, dataFileName)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &dataKey,
	})
	if err != nil {
		return nil, Meta{}, fmt.Errorf("get artifact %s: %w", id, err)
	}
	defer out.Body.Close()

	spool, err := os.CreateTemp("", "depot-s3-get-*")
	if err != nil {
		return nil, Meta{}, fmt.Errorf("create spool file: %w", err)
	}
	if _, err := io.Copy(spool, out.Body); err != nil {
		spool.Close()
		os.Remove(spool.Name())
		return nil, Meta{}, fmt.Errorf("spool artifact %s: %w", id, err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		spool.Close()
		os.Remove(spool.Name())
		return nil, Meta{}, fmt.Errorf("rewind spool: %w", err)
	}
	return &unlinkOnClose{File: spool}, meta, nil
}

// Stat fetches and decodes the metadata object for an identifier.
func (s *S3Store) Stat(ctx context.Context, id ident.Ident) (Meta, error) {
	metaKey := s.artifactKey(id, metaFileName)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &metaKey,
	})
	if err != nil {
		if isS3NotFound(err) {
			return Meta{}, fmt.Errorf("stat %s: %w", id, ErrNotFound)
		}
		return Meta{}, fmt.Errorf("stat %s: %w", id, err)
	}
	defer out.Body.Close()

	var meta Meta
	if err := json.NewDecoder(out.Body).Decode(&meta); err != nil {
		return Meta{}, fmt.Errorf("decode metadata for %s: %w", id, err)
	}
	return meta, nil
}

// Exists checks for the metadata object, which only exists for fully
// committed artifacts.
func (s *S3Store) Exists(ctx context.Context, id ident.Ident) (bool, error) {
	metaKey := s.artifactKey(id, metaFileName)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &metaKey,
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("exists %s: %w", id, err)
	}
	return true, nil
}

// Walk lists every metadata object under the pkgs prefix and visits it.
func (s *S3Store) Walk(ctx context.Context, fn func(Meta) error) error {
	prefix := path.Join(s.prefix, "pkgs") + "/"
	var continuation *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &prefix,
			ContinuationToken: continuation,
		})
		if err != nil {
			return fmt.Errorf("list artifacts: %w", err)
		}
		for _, obj := range out.Contents {
			if obj.Key == nil || path.Base(*obj.Key) != metaFileName {
				continue
			}
			body, err := s.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: &s.bucket,
				Key:    obj.Key,
			})
			if err != nil {
				return fmt.Errorf("walk %s: %w", *obj.Key, err)
			}
			var meta Meta
			decErr := json.NewDecoder(body.Body).Decode(&meta)
			body.Body.Close()
			if decErr != nil {
				return fmt.Errorf("walk %s: %w", *obj.Key, decErr)
			}
			if err := fn(meta); err != nil {
				return err
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			return nil
		}
		continuation = out.NextContinuationToken
	}
}

// isS3NotFound reports whether the error is an S3 missing-key or missing-object
// response.
func isS3NotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}

// unlinkOnClose removes the underlying spool file when the stream is closed.
type unlinkOnClose struct {
	*os.File
}

func (u *unlinkOnClose) Close() error {
	err := u.File.Close()
	os.Remove(u.File.Name())
	return err
}
