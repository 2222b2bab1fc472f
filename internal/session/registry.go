// Package session runs chunk transfers on two channels and maps finished
// transfers back to their requests.
//
// The foreground channel is used for small items; the background channel
// (a persistent transfer service that outlives a single process, such as an
// S3 multipart upload) takes large ones. Each task carries the correlation
// token, chunk index and chunk count of its chunk, and a completion is
// described only by those values, so it can be resolved against the persisted
// queue even when it fires into a freshly restarted scheduler.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophupload/internal/chunk"
	"github.com/dmitrijs2005/gophupload/internal/logging"
	"github.com/dmitrijs2005/gophupload/internal/metrics"
	"github.com/dmitrijs2005/gophupload/internal/timex"
	"github.com/google/uuid"
)

type Kind string

const (
	Foreground Kind = "foreground"
	Background Kind = "background"
)

var ErrNoChannel = errors.New("no transport channel configured")

// Receipt is what the server returns for an accepted chunk.
type Receipt struct {
	// ContentID is only set on the final chunk.
	ContentID string
}

// Transport delivers a single chunk.
type Transport interface {
	Send(ctx context.Context, env *chunk.Envelope) (*Receipt, error)
}

// Aborter is implemented by transports that keep server-side state per token.
type Aborter interface {
	Abort(ctx context.Context, token string) error
}

// TaskInfo identifies a live chunk transfer.
type TaskInfo struct {
	ID         string
	Token      string
	ChunkIndex int
	ChunkCount int
	Channel    Kind
	StartedAt  time.Time
}

// Completion reports the end of a task.
type Completion struct {
	Task    TaskInfo
	Receipt *Receipt
	Err     error
	// Cancelled is set when the task was stopped through CancelToken.
	Cancelled bool
}

// TaskSpec describes a chunk transfer to start. Build runs on the task
// goroutine, so reading source bytes stays off the caller.
type TaskSpec struct {
	Token      string
	ChunkIndex int
	ChunkCount int
	Channel    Kind
	Build      func(ctx context.Context) (*chunk.Envelope, error)
}

type task struct {
	info      TaskInfo
	cancel    context.CancelFunc
	cancelled bool
}

type Options struct {
	// BackgroundThreshold routes requests of at least this many bytes to the
	// background channel when one is configured.
	BackgroundThreshold int64
	// BackgroundChunkSize is the smallest chunk the background channel
	// accepts for every chunk but the last. Zero means no minimum.
	BackgroundChunkSize int64
	Logger              logging.Logger
	Metrics             *metrics.Metrics
	Clock               timex.Clock
}

type Registry struct {
	mu       sync.Mutex
	channels map[Kind]Transport
	tasks    map[string]*task
	handler  func(Completion)
	pending  []Completion

	threshold int64
	minChunk  int64
	logger    logging.Logger
	metrics   *metrics.Metrics
	clock     timex.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry builds a registry. bg may be nil.
func NewRegistry(fg, bg Transport, opts Options) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		channels:  map[Kind]Transport{},
		tasks:     map[string]*task{},
		threshold: opts.BackgroundThreshold,
		minChunk:  opts.BackgroundChunkSize,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		ctx:       ctx,
		cancel:    cancel,
	}
	if fg != nil {
		r.channels[Foreground] = fg
	}
	if bg != nil {
		r.channels[Background] = bg
	}
	if r.logger == nil {
		r.logger = logging.Nop()
	}
	if r.clock == nil {
		r.clock = timex.SystemClock{}
	}
	r.logger = r.logger.With("component", "session")
	return r
}

// ChannelFor picks the channel for a request of total bytes.
func (r *Registry) ChannelFor(total int64) Kind {
	if _, ok := r.channels[Background]; ok && total >= r.threshold {
		return Background
	}
	if _, ok := r.channels[Foreground]; !ok {
		return Background
	}
	return Foreground
}

// ChunkSizeFor returns the chunk size to plan a request of total bytes with.
// Requests routed to the background channel get at least its minimum.
func (r *Registry) ChunkSizeFor(total, chunkSize int64) int64 {
	if r.ChannelFor(total) == Background {
		return max(chunkSize, r.minChunk)
	}
	return chunkSize
}

// Bind installs the completion handler. Completions that finished while no
// handler was bound are delivered now.
func (r *Registry) Bind(h func(Completion)) {
	r.mu.Lock()
	r.handler = h
	queued := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, c := range queued {
		h(c)
	}
}

// Start launches a chunk transfer and returns immediately.
func (r *Registry) Start(spec TaskSpec) (TaskInfo, error) {
	tr, ok := r.channels[spec.Channel]
	if !ok {
		return TaskInfo{}, ErrNoChannel
	}

	ctx, cancel := context.WithCancel(r.ctx)
	t := &task{
		info: TaskInfo{
			ID:         uuid.NewString(),
			Token:      spec.Token,
			ChunkIndex: spec.ChunkIndex,
			ChunkCount: spec.ChunkCount,
			Channel:    spec.Channel,
			StartedAt:  r.clock.Now(),
		},
		cancel: cancel,
	}

	r.mu.Lock()
	r.tasks[t.info.ID] = t
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx, tr, t, spec.Build)

	return t.info, nil
}

func (r *Registry) run(ctx context.Context, tr Transport, t *task, build func(context.Context) (*chunk.Envelope, error)) {
	defer r.wg.Done()
	defer t.cancel()

	var receipt *Receipt
	env, err := build(ctx)
	if err == nil {
		env.Token = t.info.Token
		receipt, err = tr.Send(ctx, env)
	}

	r.mu.Lock()
	delete(r.tasks, t.info.ID)
	c := Completion{Task: t.info, Receipt: receipt, Err: err, Cancelled: t.cancelled}
	h := r.handler
	if h == nil {
		r.pending = append(r.pending, c)
	}
	r.mu.Unlock()

	if r.metrics != nil {
		result := "ok"
		switch {
		case c.Cancelled:
			result = "cancelled"
		case err != nil:
			result = "error"
		case env != nil:
			r.metrics.BytesSent.Add(float64(len(env.Payload)))
		}
		r.metrics.ChunksSent.WithLabelValues(string(t.info.Channel), result).Inc()
	}

	if err != nil && !c.Cancelled {
		r.logger.Warn(ctx, "chunk transfer failed", "token", t.info.Token, "chunk", t.info.ChunkIndex, "error", err)
	}

	if h != nil {
		h(c)
	}
}

// Tasks lists the live transfers.
func (r *Registry) Tasks(ctx context.Context) []TaskInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TaskInfo, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.info)
	}
	return out
}

// CancelToken stops every live task of token except the one with id except.
// It returns the number of tasks cancelled.
func (r *Registry) CancelToken(token, except string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, t := range r.tasks {
		if t.info.Token != token || id == except || t.cancelled {
			continue
		}
		t.cancelled = true
		t.cancel()
		n++
	}
	return n
}

// Abort drops server-side transfer state of token on every channel that
// keeps any.
func (r *Registry) Abort(ctx context.Context, token string) error {
	var errs []error
	for _, tr := range r.channels {
		if a, ok := tr.(Aborter); ok {
			if err := a.Abort(ctx, token); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until every started task has completed.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// Close cancels all tasks and waits for them.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}
