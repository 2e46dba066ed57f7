package depot

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// spool buffers an upload stream so the pipeline can make two passes over it
// (metadata extraction, then blob commit). Small uploads stay in memory; past
// the threshold the spool spills to a temporary file, bounding memory use for
// large artifacts.
type spool struct {
	threshold int64
	mem       bytes.Buffer
	file      *os.File
	size      int64
}

func newSpool(threshold int64) *spool {
	if threshold <= 0 {
		threshold = 8 << 20
	}
	return &spool{threshold: threshold}
}

func (s *spool) Write(p []byte) (int, error) {
	if s.file == nil && s.size+int64(len(p)) > s.threshold {
		f, err := os.CreateTemp("", "depot-upload-*")
		if err != nil {
			return 0, fmt.Errorf("create spool file: %w", err)
		}
		if _, err := f.Write(s.mem.Bytes()); err != nil {
			f.Close()
			os.Remove(f.Name())
			return 0, fmt.Errorf("spill spool to disk: %w", err)
		}
		s.mem.Reset()
		s.file = f
	}

	var n int
	var err error
	if s.file != nil {
		n, err = s.file.Write(p)
	} else {
		n, err = s.mem.Write(p)
	}
	s.size += int64(n)
	return n, err
}

// Reader returns a fresh seekable reader over the buffered bytes.
func (s *spool) Reader() (io.ReadSeeker, error) {
	if s.file != nil {
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("rewind spool: %w", err)
		}
		return s.file, nil
	}
	return bytes.NewReader(s.mem.Bytes()), nil
}

// Size returns the number of buffered bytes.
func (s *spool) Size() int64 { return s.size }

// Close releases the on-disk spill, if any.
func (s *spool) Close() error {
	if s.file != nil {
		err := s.file.Close()
		os.Remove(s.file.Name())
		s.file = nil
		return err
	}
	return nil
}
