package scheduler

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophupload/internal/checksum"
	"github.com/dmitrijs2005/gophupload/internal/chunk"
	"github.com/dmitrijs2005/gophupload/internal/controlplane"
	"github.com/dmitrijs2005/gophupload/internal/dedup"
	"github.com/dmitrijs2005/gophupload/internal/destcache"
	"github.com/dmitrijs2005/gophupload/internal/media"
	"github.com/dmitrijs2005/gophupload/internal/metrics"
	"github.com/dmitrijs2005/gophupload/internal/models"
	"github.com/dmitrijs2005/gophupload/internal/progress"
	"github.com/dmitrijs2005/gophupload/internal/repositories/requests"
	"github.com/dmitrijs2005/gophupload/internal/session"
	"github.com/dmitrijs2005/gophupload/internal/storage"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/require"
)

const testChunk = 10

type sent struct {
	Token     string
	Index     int
	Count     int
	ContentID string
}

// gallery is an in-memory upload endpoint: it assembles chunks per token and
// answers the final one with a content id.
type gallery struct {
	mu     sync.Mutex
	parts  map[string]*chunk.Assembler
	sends  []sent
	active map[string]int
	// overlap is set when chunks of two different requests were in transit
	// at the same time
	overlap bool

	// fail, when set, decides the outcome of a send before it is processed.
	fail func(env *chunk.Envelope) error
	// gate, when set, blocks every send until it returns.
	gate func(ctx context.Context, env *chunk.Envelope) error
}

func newGallery() *gallery {
	return &gallery{parts: map[string]*chunk.Assembler{}, active: map[string]int{}}
}

func contentIDFor(hash string) string {
	return "c-" + hash[:8]
}

func (g *gallery) Send(ctx context.Context, env *chunk.Envelope) (*session.Receipt, error) {
	g.mu.Lock()
	g.active[env.Token]++
	if len(g.active) > 1 {
		g.overlap = true
	}
	gate, fail := g.gate, g.fail
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if g.active[env.Token]--; g.active[env.Token] == 0 {
			delete(g.active, env.Token)
		}
		g.mu.Unlock()
	}()

	if gate != nil {
		if err := gate(ctx, env); err != nil {
			return nil, err
		}
	}
	if fail != nil {
		if err := fail(env); err != nil {
			return nil, err
		}
	}
	time.Sleep(time.Millisecond)

	g.mu.Lock()
	defer g.mu.Unlock()

	a, ok := g.parts[env.Token]
	if !ok {
		a = chunk.NewAssembler(env.ChunkCount, env.FileHash, checksum.MD5)
		g.parts[env.Token] = a
	}
	if err := a.Add(env); err != nil {
		return nil, err
	}

	r := &session.Receipt{}
	if env.Last() {
		if _, err := a.Bytes(); err != nil {
			return nil, err
		}
		r.ContentID = contentIDFor(env.FileHash)
	}
	g.sends = append(g.sends, sent{Token: env.Token, Index: env.ChunkIndex, Count: env.ChunkCount, ContentID: r.ContentID})
	return r, nil
}

func (g *gallery) sent() []sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]sent, len(g.sends))
	copy(out, g.sends)
	return out
}

func (g *gallery) indexes(token string) []int {
	var out []int
	for _, s := range g.sent() {
		if s.Token == token {
			out = append(out, s.Index)
		}
	}
	return out
}

// controlPlane fakes exists/attach/finalize against a content table.
type controlPlane struct {
	mu        sync.Mutex
	content   map[string]controlplane.ExistsResult // by file hash
	attaches  []string
	finalized []controlplane.FinalizeParams
	moderate  bool
	// reassign, when set, is the content id Finalize answers with.
	reassign string

	existsErr   error
	finalizeErr func(n int) error
}

func newControlPlane() *controlPlane {
	return &controlPlane{content: map[string]controlplane.ExistsResult{}}
}

func (c *controlPlane) Exists(ctx context.Context, hash string) (controlplane.ExistsResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.existsErr != nil {
		return controlplane.ExistsResult{}, c.existsErr
	}
	return c.content[hash], nil
}

func (c *controlPlane) Attach(ctx context.Context, contentID, destination string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attaches = append(c.attaches, contentID+"@"+destination)
	return nil
}

func (c *controlPlane) Finalize(ctx context.Context, p controlplane.FinalizeParams) (controlplane.FinalizeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalized = append(c.finalized, p)
	if c.finalizeErr != nil {
		if err := c.finalizeErr(len(c.finalized)); err != nil {
			return controlplane.FinalizeResult{}, err
		}
	}
	c.content[p.FileHash] = controlplane.ExistsResult{
		Found:        true,
		ContentID:    p.ContentID,
		Destinations: []string{p.Destination},
	}
	id := p.ContentID
	if c.reassign != "" {
		id = c.reassign
	}
	return controlplane.FinalizeResult{ContentID: id, Moderated: c.moderate}, nil
}

func (c *controlPlane) counts() (attaches, finalizes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attaches), len(c.finalized)
}

type harness struct {
	t        *testing.T
	sched    *Scheduler
	repo     *requests.SQLiteRepository
	fs       billy.Filesystem
	gallery  *gallery
	cp       *controlPlane
	registry *session.Registry
	counter  *progress.Counter
	metrics  *metrics.Metrics
	events   <-chan models.Event

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	db, err := storage.InitDatabase(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		t:       t,
		repo:    requests.NewSQLiteRepository(db),
		fs:      memfs.New(),
		gallery: newGallery(),
		cp:      newControlPlane(),
		counter: progress.NewCounter(),
		metrics: metrics.New(nil),
	}
	h.registry = session.NewRegistry(h.gallery, nil, session.Options{Metrics: h.metrics})

	if opts.ChunkSize == 0 {
		opts.ChunkSize = testChunk
	}
	cache := destcache.New(64, time.Hour)
	h.sched = New(Deps{
		Repo:      h.repo,
		Source:    media.NewLibrary(h.fs),
		Sessions:  h.registry,
		Finalizer: h.cp,
		Dedup:     dedup.NewResolver(h.cp, cache, h.metrics, nil),
		Counter:   h.counter,
		DestCache: cache,
		Metrics:   h.metrics,
	}, opts)

	h.events, _ = h.sched.Subscribe(1024)
	return h
}

// start runs the actor until the test ends.
func (h *harness) start() {
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		_ = h.sched.Run(h.ctx)
	}()
	h.t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.registry.Close()
	<-h.done
	h.cancel = nil
}

func (h *harness) file(name string, data []byte) {
	h.t.Helper()
	require.NoError(h.t, util.WriteFile(h.fs, name, data, 0o644))
}

func (h *harness) submit(ref, dest string) string {
	h.t.Helper()
	id, err := h.sched.Submit(context.Background(), models.SubmitParams{AssetRef: ref, Destination: dest})
	require.NoError(h.t, err)
	return id
}

func (h *harness) get(id string) *models.TransferRequest {
	h.t.Helper()
	r, err := h.repo.GetByID(context.Background(), id)
	require.NoError(h.t, err)
	return r
}

func (h *harness) waitState(id string, want models.State) *models.TransferRequest {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		r, err := h.repo.GetByID(context.Background(), id)
		return err == nil && r.State == want
	}, 5*time.Second, 5*time.Millisecond, "request %s never reached %s", id, want)
	return h.get(id)
}

// inFlight reads the actor's in-flight set.
func (h *harness) inFlight() int {
	var n int
	err := h.sched.call(context.Background(), func(context.Context) error {
		n = len(h.sched.inFlight)
		return nil
	})
	require.NoError(h.t, err)
	return n
}

// drain collects the events published so far.
func (h *harness) drain() []models.Event {
	var out []models.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a' + (seed+byte(i))%26
	}
	return b
}

func md5Hex(t *testing.T, data []byte) string {
	t.Helper()
	sum, err := checksum.Sum(checksum.MD5, data)
	require.NoError(t, err)
	return sum
}

func (g *gallery) setFail(fn func(env *chunk.Envelope) error) {
	g.mu.Lock()
	g.fail = fn
	g.mu.Unlock()
}

func (g *gallery) setGate(fn func(ctx context.Context, env *chunk.Envelope) error) {
	g.mu.Lock()
	g.gate = fn
	g.mu.Unlock()
}

func (c *controlPlane) setExistsErr(err error) {
	c.mu.Lock()
	c.existsErr = err
	c.mu.Unlock()
}

// await reads events until id reaches want and returns the events of id.
func (h *harness) await(id string, want models.State) []models.Event {
	h.t.Helper()
	var got []models.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.RequestID != id {
				continue
			}
			got = append(got, ev)
			if ev.State == want && !ev.Removed && !ev.Blocked {
				return got
			}
		case <-timeout:
			h.t.Fatalf("request %s never reached %s", id, want)
			return nil
		}
	}
}

// states lists the distinct consecutive states in events.
func states(events []models.Event) []models.State {
	var out []models.State
	for _, ev := range events {
		if len(out) == 0 || out[len(out)-1] != ev.State {
			out = append(out, ev.State)
		}
	}
	return out
}

// insertPrepared stores a request as if a previous process had prepared it.
func (h *harness) insertPrepared(id, ref string, data []byte, state models.State) *models.TransferRequest {
	h.t.Helper()
	h.file(ref, data)

	p, err := chunk.NewPlan(int64(len(data)), testChunk)
	require.NoError(h.t, err)
	whole, parts, err := chunk.Digest(context.Background(), bytes.NewReader(data), p, checksum.MD5)
	require.NoError(h.t, err)

	r := &models.TransferRequest{
		ID:          id,
		Token:       "tok-" + id,
		AssetRef:    ref,
		Destination: "album-1",
		Filename:    filepath.Base(ref),
		MimeType:    "text/plain; charset=utf-8",
		FileHash:    whole,
		ChunkHashes: parts,
		ChunkSize:   testChunk,
		TotalBytes:  int64(len(data)),
		CreatedAt:   time.Now().UTC(),
		State:       state,
	}
	require.NoError(h.t, h.repo.Insert(context.Background(), r))
	return r
}

func (c *controlPlane) attached() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.attaches...)
}

func (c *controlPlane) finalizeCalls() []controlplane.FinalizeParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]controlplane.FinalizeParams(nil), c.finalized...)
}

// contentIDRepo fails every content id update.
type contentIDRepo struct {
	requests.Repository
	err error
}

func (r contentIDRepo) SetContentID(ctx context.Context, id, contentID string) error {
	return r.err
}
