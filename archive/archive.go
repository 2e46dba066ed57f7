// Package archive extracts the identifying metadata embedded in a package
// archive. The upload pipeline reconciles this embedded identity against
// caller-supplied hints; archive traversal itself stays behind the Reader
// interface so the pipeline never depends on a concrete archive format.
package archive

import (
	"context"
	"errors"
	"io"

	"github.com/GoCodeAlone/depot/ident"
)

// ErrParse is returned when an archive cannot be read or does not carry the
// required metadata entries. The pipeline treats it as a validation failure.
var ErrParse = errors.New("archive metadata parse error")

// Metadata is the identity information embedded in a package archive.
type Metadata struct {
	Ident  ident.Ident
	Target string
	Deps   []ident.Ident
}

// Reader extracts embedded metadata from an artifact byte stream.
type Reader interface {
	Extract(ctx context.Context, r io.Reader) (Metadata, error)
}
