// Package scheduler drives transfer requests from submission to a terminal
// state.
//
// A single actor goroutine owns every state transition and queue decision.
// Public methods and transport completions hand work to the actor through its
// mailbox; slow work (reading and hashing sources, existence checks, finalize
// calls) runs on separate goroutines and posts its result back. The persisted
// queue is the source of truth: in-memory sets only remember what this
// process is currently doing and are rebuilt by ResumeAll.
package scheduler

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/gophupload/internal/checksum"
	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/controlplane"
	"github.com/dmitrijs2005/gophupload/internal/dedup"
	"github.com/dmitrijs2005/gophupload/internal/destcache"
	"github.com/dmitrijs2005/gophupload/internal/logging"
	"github.com/dmitrijs2005/gophupload/internal/media"
	"github.com/dmitrijs2005/gophupload/internal/metrics"
	"github.com/dmitrijs2005/gophupload/internal/models"
	"github.com/dmitrijs2005/gophupload/internal/progress"
	"github.com/dmitrijs2005/gophupload/internal/repositories/requests"
	"github.com/dmitrijs2005/gophupload/internal/session"
	"github.com/dmitrijs2005/gophupload/internal/timex"
	"github.com/go-git/go-billy/v5"
)

// Source reads assets from the local media library.
type Source interface {
	Stat(ref string) (media.Info, error)
	Open(ref string) (billy.File, error)
	ReadRange(ref string, off, n int64) ([]byte, error)
}

// Sessions runs chunk transfers.
type Sessions interface {
	ChannelFor(total int64) session.Kind
	ChunkSizeFor(total, chunkSize int64) int64
	Start(spec session.TaskSpec) (session.TaskInfo, error)
	Tasks(ctx context.Context) []session.TaskInfo
	Bind(h func(session.Completion))
	CancelToken(token, except string) int
	Abort(ctx context.Context, token string) error
}

// Finalizer writes item metadata once all chunks are acknowledged.
type Finalizer interface {
	Finalize(ctx context.Context, p controlplane.FinalizeParams) (controlplane.FinalizeResult, error)
}

// Deduplicator decides whether a prepared request needs a transfer at all.
type Deduplicator interface {
	Resolve(ctx context.Context, r *models.TransferRequest) (dedup.Outcome, error)
}

type Deps struct {
	Repo      requests.Repository
	Source    Source
	Sessions  Sessions
	Finalizer Finalizer
	Dedup     Deduplicator
	Counter   *progress.Counter
	DestCache *destcache.Cache
	Clock     timex.Clock
	Metrics   *metrics.Metrics
	Logger    logging.Logger
}

type Options struct {
	ChunkSize              int64
	Algorithm              checksum.Algorithm
	MaxPrepared            int
	MaxConcurrentTransfers int
	MaxConsecutiveFailures int
	AllowedMimeTypes       []string
	// PruneMissingSources removes requests whose source asset disappeared
	// instead of parking them in preparingFail.
	PruneMissingSources bool
}

// DefaultOptions returns the stock limits.
func DefaultOptions() Options {
	return Options{
		ChunkSize:              1 << 20,
		Algorithm:              checksum.MD5,
		MaxPrepared:            10,
		MaxConcurrentTransfers: 1,
		MaxConsecutiveFailures: 5,
	}
}

// anyChunk marks a request whose live task was found by ResumeAll; the next
// completion of any chunk index is accepted for it.
const anyChunk = -1

type Scheduler struct {
	repo      requests.Repository
	source    Source
	sessions  Sessions
	finalizer Finalizer
	dedup     Deduplicator
	counter   *progress.Counter
	destCache *destcache.Cache
	clock     timex.Clock
	metrics   *metrics.Metrics
	logger    logging.Logger
	opts      Options

	mailbox chan func(context.Context)
	stopped chan struct{}
	running sync.Once
	wg      sync.WaitGroup

	// Actor-owned state.
	inFlight  map[string]string // request id -> file hash, holders of a transfer slot
	sending   map[string]int    // request id -> chunk index awaited
	preparing map[string]bool
	failures  int
	blocked   bool

	subMu  sync.Mutex
	subSeq int
	subs   map[int]chan models.Event
}

func New(d Deps, opts Options) *Scheduler {
	def := DefaultOptions()
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.Algorithm == "" {
		opts.Algorithm = def.Algorithm
	}
	if opts.MaxPrepared <= 0 {
		opts.MaxPrepared = def.MaxPrepared
	}
	if opts.MaxConcurrentTransfers <= 0 {
		opts.MaxConcurrentTransfers = def.MaxConcurrentTransfers
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}

	if d.Counter == nil {
		d.Counter = progress.NewCounter()
	}
	if d.Clock == nil {
		d.Clock = timex.SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}

	return &Scheduler{
		repo:      d.Repo,
		source:    d.Source,
		sessions:  d.Sessions,
		finalizer: d.Finalizer,
		dedup:     d.Dedup,
		counter:   d.Counter,
		destCache: d.DestCache,
		clock:     d.Clock,
		metrics:   d.Metrics,
		logger:    d.Logger.With("component", "scheduler"),
		opts:      opts,

		mailbox:   make(chan func(context.Context), 64),
		stopped:   make(chan struct{}),
		inFlight:  map[string]string{},
		sending:   map[string]int{},
		preparing: map[string]bool{},
		subs:      map[int]chan models.Event{},
	}
}

// Run is the actor loop. It returns when ctx is done. Methods that go through
// the actor block until Run has started.
func (s *Scheduler) Run(ctx context.Context) error {
	first := false
	s.running.Do(func() { first = true })
	if !first {
		return nil
	}

	// Bind flushes buffered completions through the mailbox, so it must not
	// run before the loop below.
	go s.sessions.Bind(s.onCompletion)

	s.logger.Info(ctx, "scheduler started",
		"max_prepared", s.opts.MaxPrepared,
		"max_concurrent", s.opts.MaxConcurrentTransfers,
		"max_failures", s.opts.MaxConsecutiveFailures)

	for {
		select {
		case fn := <-s.mailbox:
			fn(ctx)
		case <-ctx.Done():
			close(s.stopped)
			s.wg.Wait()
			s.closeSubscribers()
			s.logger.Info(context.Background(), "scheduler stopped")
			return nil
		}
	}
}

// call runs fn on the actor and waits for its result.
func (s *Scheduler) call(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	job := func(actx context.Context) { done <- fn(actx) }

	select {
	case s.mailbox <- job:
	case <-s.stopped:
		return common.ErrSchedulerStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-s.stopped:
		return common.ErrSchedulerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post hands fn to the actor without waiting. It must not be called from the
// actor itself.
func (s *Scheduler) post(fn func(ctx context.Context)) {
	select {
	case s.mailbox <- fn:
	case <-s.stopped:
	}
}

// spawn runs fn off the actor.
func (s *Scheduler) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Subscribe returns a stream of request events. Events are dropped for a
// subscriber whose buffer is full. The returned func unsubscribes.
func (s *Scheduler) Subscribe(buf int) (<-chan models.Event, func()) {
	ch := make(chan models.Event, buf)

	s.subMu.Lock()
	s.subSeq++
	id := s.subSeq
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

func (s *Scheduler) emit(ev models.Event) {
	if ev.At.IsZero() {
		ev.At = s.clock.Now()
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn(context.Background(), "event dropped", "request_id", ev.RequestID, "state", ev.State)
		}
	}
}

func (s *Scheduler) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
