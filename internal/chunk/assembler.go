package chunk

import (
	"bytes"
	"fmt"

	"github.com/dmitrijs2005/gophupload/internal/checksum"
	"github.com/dmitrijs2005/gophupload/internal/errx"
)

// Assembler rebuilds a file from envelopes that may arrive out of order or
// more than once. A corrupted chunk is rejected on its own, so only that
// chunk has to be sent again.
type Assembler struct {
	algo     checksum.Algorithm
	fileHash string
	parts    [][]byte
	received int
}

func NewAssembler(count int, fileHash string, algo checksum.Algorithm) *Assembler {
	return &Assembler{algo: algo, fileHash: fileHash, parts: make([][]byte, count)}
}

// Add stores e. Re-adding a stored index is a no-op.
func (a *Assembler) Add(e *Envelope) error {
	if e.ChunkCount != len(a.parts) || e.ChunkIndex < 0 || e.ChunkIndex >= len(a.parts) {
		return fmt.Errorf("%w: chunk %d of %d, want %d chunks", ErrMalformedEnvelope, e.ChunkIndex, e.ChunkCount, len(a.parts))
	}
	if e.FileHash != a.fileHash {
		return fmt.Errorf("%w: file hash %q", ErrMalformedEnvelope, e.FileHash)
	}
	if err := e.Verify(a.algo); err != nil {
		return err
	}
	if a.parts[e.ChunkIndex] != nil {
		return nil
	}
	a.parts[e.ChunkIndex] = bytes.Clone(e.Payload)
	a.received++
	return nil
}

// Missing lists the indices not received yet.
func (a *Assembler) Missing() []int {
	var out []int
	for i, p := range a.parts {
		if p == nil {
			out = append(out, i)
		}
	}
	return out
}

func (a *Assembler) Complete() bool {
	return a.received == len(a.parts)
}

// Bytes joins all chunks and checks the whole-file hash.
func (a *Assembler) Bytes() ([]byte, error) {
	if !a.Complete() {
		return nil, fmt.Errorf("missing chunks %v", a.Missing())
	}
	out := bytes.Join(a.parts, nil)
	sum, err := checksum.Sum(a.algo, out)
	if err != nil {
		return nil, err
	}
	if sum != a.fileHash {
		return nil, fmt.Errorf("assembled file: %w", errx.ErrChecksumMismatch)
	}
	return out, nil
}
