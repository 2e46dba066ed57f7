package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/GoCodeAlone/depot/ident"
)

// Metadata entry names inside a package archive.
const (
	identEntry  = ".depot/IDENT"
	targetEntry = ".depot/TARGET"
	depsEntry   = ".depot/DEPS"
)

// maxMetadataEntry bounds how much of a metadata entry is read. Metadata
// files are tiny; anything larger is malformed.
const maxMetadataEntry = 64 * 1024

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// TarReader reads metadata entries from tar archives, transparently
// decompressing zstd-framed streams.
type TarReader struct{}

// NewTarReader creates a TarReader.
func NewTarReader() *TarReader {
	return &TarReader{}
}

// Extract scans the archive for the IDENT, TARGET and DEPS entries and stops
// as soon as all three are seen. IDENT and TARGET are required; DEPS is
// optional.
func (t *TarReader) Extract(ctx context.Context, r io.Reader) (Metadata, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(zstdMagic))
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: archive too short", ErrParse)
	}

	var stream io.Reader = br
	if bytes.Equal(head, zstdMagic) {
		dec, err := zstd.NewReader(br)
		if err != nil {
			return Metadata{}, fmt.Errorf("%w: %v", ErrParse, err)
		}
		defer dec.Close()
		stream = dec
	}

	var (
		meta      Metadata
		haveIdent bool
		haveTgt   bool
		haveDeps  bool
	)
	tr := tar.NewReader(stream)
	for {
		if ctx.Err() != nil {
			return Metadata{}, ctx.Err()
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Metadata{}, fmt.Errorf("%w: %v", ErrParse, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		switch hdr.Name {
		case identEntry:
			line, err := readEntry(tr)
			if err != nil {
				return Metadata{}, err
			}
			id, err := ident.Parse(strings.TrimSpace(line))
			if err != nil {
				return Metadata{}, fmt.Errorf("%w: %v", ErrParse, err)
			}
			meta.Ident = id
			haveIdent = true
		case targetEntry:
			line, err := readEntry(tr)
			if err != nil {
				return Metadata{}, err
			}
			meta.Target = strings.TrimSpace(line)
			haveTgt = true
		case depsEntry:
			body, err := readEntry(tr)
			if err != nil {
				return Metadata{}, err
			}
			for _, line := range strings.Split(body, "\n") {
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				dep, err := ident.Parse(line)
				if err != nil {
					return Metadata{}, fmt.Errorf("%w: dependency %q: %v", ErrParse, line, err)
				}
				meta.Deps = append(meta.Deps, dep)
			}
			haveDeps = true
		}

		if haveIdent && haveTgt && haveDeps {
			break
		}
	}

	if !haveIdent {
		return Metadata{}, fmt.Errorf("%w: missing %s entry", ErrParse, identEntry)
	}
	if !haveTgt {
		return Metadata{}, fmt.Errorf("%w: missing %s entry", ErrParse, targetEntry)
	}
	return meta, nil
}

func readEntry(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxMetadataEntry))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	return string(data), nil
}
