// Package chunk splits media files into ordered chunks, hashes them and
// encodes each chunk as a self-describing multipart envelope.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/gophupload/internal/checksum"
	"github.com/dmitrijs2005/gophupload/internal/errx"
)

var ErrInvalidChunkSize = errors.New("chunk size must be positive")

// Plan is the chunk layout of a file.
type Plan struct {
	Size      int64
	ChunkSize int64
	Count     int
}

// NewPlan lays out size bytes in chunks of chunkSize. Empty sources are
// rejected before any count is computed.
func NewPlan(size, chunkSize int64) (Plan, error) {
	if size <= 0 {
		return Plan{}, errx.ErrEmptySource
	}
	if chunkSize <= 0 {
		return Plan{}, ErrInvalidChunkSize
	}
	count := (size + chunkSize - 1) / chunkSize
	return Plan{Size: size, ChunkSize: chunkSize, Count: int(count)}, nil
}

// Range returns the byte offset and length of chunk i.
func (p Plan) Range(i int) (off, n int64) {
	if i < 0 || i >= p.Count {
		return 0, 0
	}
	off = int64(i) * p.ChunkSize
	n = min(p.ChunkSize, p.Size-off)
	return off, n
}

// Len returns the length of chunk i.
func (p Plan) Len(i int) int64 {
	_, n := p.Range(i)
	return n
}

// Digest reads the source once and returns the whole-file hash and the hash
// of every chunk.
func Digest(ctx context.Context, r io.ReaderAt, p Plan, algo checksum.Algorithm) (string, []string, error) {
	whole, err := checksum.New(algo)
	if err != nil {
		return "", nil, err
	}
	part, err := checksum.New(algo)
	if err != nil {
		return "", nil, err
	}

	hashes := make([]string, 0, p.Count)
	buf := make([]byte, p.ChunkSize)

	for i := 0; i < p.Count; i++ {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}

		off, n := p.Range(i)
		m, err := r.ReadAt(buf[:n], off)
		if err != nil && !errors.Is(err, io.EOF) {
			return "", nil, fmt.Errorf("read chunk %d: %w", i, err)
		}
		if int64(m) < n {
			return "", nil, fmt.Errorf("read chunk %d: %w", i, errx.ErrSourceChanged)
		}

		part.Reset()
		part.Write(buf[:n])
		whole.Write(buf[:n])
		hashes = append(hashes, checksum.Hex(part))
	}

	return checksum.Hex(whole), hashes, nil
}
