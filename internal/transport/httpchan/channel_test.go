package httpchan

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/dmitrijs2005/gophupload/internal/checksum"
	"github.com/dmitrijs2005/gophupload/internal/chunk"
	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/errx"
	"github.com/dmitrijs2005/gophupload/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gallery is a minimal upload endpoint assembling chunks per token.
type gallery struct {
	mu       sync.Mutex
	parts    map[string]*chunk.Assembler
	tokens   []string
	accessed []string
}

func newGallery() *gallery {
	return &gallery{parts: map[string]*chunk.Assembler{}}
}

func (g *gallery) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(common.CorrelationHeaderName)
	env, err := chunk.Decode(r.Body, r.Header.Get("Content-Type"), token, checksum.MD5)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.Header.Get(common.ChunkIndexHeaderName) != strconv.Itoa(env.ChunkIndex) {
		http.Error(w, "index header mismatch", http.StatusBadRequest)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.tokens = append(g.tokens, token)
	g.accessed = append(g.accessed, r.Header.Get(common.AccessTokenHeaderName))
	a, ok := g.parts[token]
	if !ok {
		a = chunk.NewAssembler(env.ChunkCount, env.FileHash, checksum.MD5)
		g.parts[token] = a
	}
	if err := a.Add(env); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	if !a.Complete() {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if _, err := a.Bytes(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"content_id": "img-" + env.FileHash[:8]})
}

func envelopes(t *testing.T, data []byte, chunkSize int64) []*chunk.Envelope {
	t.Helper()
	p, err := chunk.NewPlan(int64(len(data)), chunkSize)
	require.NoError(t, err)
	whole, parts, err := chunk.Digest(context.Background(), bytes.NewReader(data), p, checksum.MD5)
	require.NoError(t, err)

	req := &models.TransferRequest{
		Token:       "tok-1",
		Filename:    "a.jpg",
		Destination: "album",
		MimeType:    "image/jpeg",
		FileHash:    whole,
		ChunkHashes: parts,
		ChunkSize:   chunkSize,
		TotalBytes:  int64(len(data)),
	}

	out := make([]*chunk.Envelope, p.Count)
	for i := range out {
		off, n := p.Range(i)
		out[i] = chunk.NewEnvelope(req, i, data[off:off+n])
	}
	return out
}

func TestChannel_SendAllChunks(t *testing.T) {
	g := newGallery()
	ts := httptest.NewServer(g)
	defer ts.Close()

	c := New(ts.Client(), ts.URL, "secret")
	envs := envelopes(t, []byte("0123456789abcdefghijklmnopqrstuvwxy"), 10)
	require.Len(t, envs, 4)

	for i, env := range envs {
		r, err := c.Send(context.Background(), env)
		require.NoError(t, err, "chunk %d", i)
		if i < len(envs)-1 {
			assert.Empty(t, r.ContentID)
		} else {
			assert.Equal(t, "img-"+env.FileHash[:8], r.ContentID)
		}
	}

	assert.Equal(t, []string{"tok-1", "tok-1", "tok-1", "tok-1"}, g.tokens)
	assert.Equal(t, "secret", g.accessed[0])
}

func TestChannel_StatusClasses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   errx.Class
	}{
		{"not found is terminal", http.StatusNotFound, "no album", errx.ClassClient},
		{"server error is transient", http.StatusBadGateway, "", errx.ClassTransient},
		{"rate limit is transient", http.StatusTooManyRequests, "", errx.ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			env := envelopes(t, []byte("payload"), 4)[0]
			_, err := New(ts.Client(), ts.URL, "").Send(context.Background(), env)
			require.Error(t, err)
			assert.Equal(t, tt.want, errx.Classify(err))
		})
	}
}

func TestChannel_MalformedResponse(t *testing.T) {
	t.Run("undecodable body", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>oops"))
		}))
		defer ts.Close()

		env := envelopes(t, []byte("payload"), 4)[0]
		_, err := New(ts.Client(), ts.URL, "").Send(context.Background(), env)
		require.Error(t, err)
		assert.Equal(t, errx.ClassProtocol, errx.Classify(err))
		assert.ErrorIs(t, err, errx.ErrMalformedResponse)
	})

	t.Run("final chunk without content id", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		}))
		defer ts.Close()

		envs := envelopes(t, []byte("payload"), 4)
		_, err := New(ts.Client(), ts.URL, "").Send(context.Background(), envs[len(envs)-1])
		require.Error(t, err)
		assert.Equal(t, errx.ClassProtocol, errx.Classify(err))
	})
}

func TestChannel_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	env := envelopes(t, []byte("payload"), 4)[0]
	_, err := New(nil, url, "").Send(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, errx.ClassTransient, errx.Classify(err))
}

func TestChannel_Cancelled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	env := envelopes(t, []byte("payload"), 4)[0]
	_, err := New(ts.Client(), ts.URL, "").Send(ctx, env)
	assert.ErrorIs(t, err, context.Canceled)
}
