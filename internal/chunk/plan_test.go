package chunk

import (
	"bytes"
	"context"
	"testing"

	"github.com/dmitrijs2005/gophupload/internal/checksum"
	"github.com/dmitrijs2005/gophupload/internal/errx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPlan_ChunkCount(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		chunkSize int64
		want      int
	}{
		{"single byte", 1, 10, 1},
		{"smaller than chunk", 9, 10, 1},
		{"exact chunk", 10, 10, 1},
		{"one over", 11, 10, 2},
		{"exact multiple", 30, 10, 3},
		{"exact multiple minus one", 29, 10, 3},
		{"exact multiple plus one", 31, 10, 4},
		{"two and a half", 25, 10, 3},
		{"large", 5 << 20, 1 << 20, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPlan(tt.size, tt.chunkSize)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Count)

			var total int64
			for i := 0; i < p.Count; i++ {
				off, n := p.Range(i)
				assert.Equal(t, total, off)
				assert.Positive(t, n)
				total += n
			}
			assert.Equal(t, tt.size, total)
		})
	}
}

func TestNewPlan_Rejects(t *testing.T) {
	_, err := NewPlan(0, 10)
	require.ErrorIs(t, err, errx.ErrEmptySource)

	_, err = NewPlan(-1, 10)
	require.ErrorIs(t, err, errx.ErrEmptySource)

	_, err = NewPlan(10, 0)
	require.ErrorIs(t, err, ErrInvalidChunkSize)
}

func TestPlan_RangeOutOfBounds(t *testing.T) {
	p, err := NewPlan(25, 10)
	require.NoError(t, err)

	off, n := p.Range(3)
	assert.Zero(t, off)
	assert.Zero(t, n)
	assert.Equal(t, int64(5), p.Len(2))
}

func TestDigest(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 25)
	p, err := NewPlan(int64(len(data)), 100)
	require.NoError(t, err)

	whole, parts, err := Digest(context.Background(), bytes.NewReader(data), p, checksum.SHA256)
	require.NoError(t, err)

	wantWhole, _ := checksum.Sum(checksum.SHA256, data)
	assert.Equal(t, wantWhole, whole)
	require.Len(t, parts, 3)

	for i := range parts {
		off, n := p.Range(i)
		want, _ := checksum.Sum(checksum.SHA256, data[off:off+n])
		assert.Equal(t, want, parts[i], "chunk %d", i)
	}
}

func TestDigest_SourceShrank(t *testing.T) {
	p, err := NewPlan(30, 10)
	require.NoError(t, err)

	_, _, err = Digest(context.Background(), bytes.NewReader(make([]byte, 25)), p, checksum.MD5)
	require.ErrorIs(t, err, errx.ErrSourceChanged)
}

func TestDigest_Cancelled(t *testing.T) {
	p, err := NewPlan(30, 10)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err = Digest(ctx, bytes.NewReader(make([]byte, 30)), p, checksum.MD5)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDigest_UnknownAlgorithm(t *testing.T) {
	p, err := NewPlan(30, 10)
	require.NoError(t, err)

	_, parts, err := Digest(context.Background(), bytes.NewReader(make([]byte, 30)), p, checksum.Algorithm("crc64"))
	require.Error(t, err)
	assert.Nil(t, parts)
}
