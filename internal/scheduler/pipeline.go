package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophupload/internal/checksum"
	"github.com/dmitrijs2005/gophupload/internal/chunk"
	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/controlplane"
	"github.com/dmitrijs2005/gophupload/internal/dedup"
	"github.com/dmitrijs2005/gophupload/internal/errx"
	"github.com/dmitrijs2005/gophupload/internal/media"
	"github.com/dmitrijs2005/gophupload/internal/models"
	"github.com/dmitrijs2005/gophupload/internal/session"
	sm "github.com/dmitrijs2005/gophupload/internal/statemachine"
)

// Everything in this file runs on the actor unless noted otherwise.

// advance starts transfers and preparations the limits allow.
func (s *Scheduler) advance(ctx context.Context) {
	if s.blocked {
		return
	}

	pending, err := s.repo.ListPending(ctx)
	if err != nil {
		s.logger.Error(ctx, "failed to list pending requests", "error", err)
		return
	}

	for _, r := range pending {
		if len(s.inFlight) >= s.opts.MaxConcurrentTransfers {
			break
		}
		if _, held := s.inFlight[r.ID]; held {
			continue
		}
		switch r.State {
		case models.StatePrepared:
			if s.hashBusy(r.FileHash) {
				continue
			}
			s.startTransfer(ctx, r)
		case models.StateUploaded:
			s.startFinalize(ctx, r)
		}
	}

	if len(s.preparing) > 0 {
		return
	}

	prepared := 0
	for _, r := range pending {
		if _, held := s.inFlight[r.ID]; !held && r.State == models.StatePrepared {
			prepared++
		}
	}
	if prepared >= s.opts.MaxPrepared {
		return
	}

	for _, r := range pending {
		if r.State == models.StateWaiting {
			s.startPrepare(ctx, r)
			return
		}
	}
}

// hashBusy reports whether content with hash is being transferred, so a
// second request for it waits and later resolves through dedup.
func (s *Scheduler) hashBusy(hash string) bool {
	if hash == "" {
		return false
	}
	for _, h := range s.inFlight {
		if h == hash {
			return true
		}
	}
	return false
}

// kick schedules an advance from outside the current actor turn.
func (s *Scheduler) kick() {
	s.spawn(func() { s.post(s.advance) })
}

func (s *Scheduler) load(ctx context.Context, id string) (*models.TransferRequest, bool) {
	r, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, common.ErrorNotFound) {
		s.logger.Debug(ctx, "request is gone", "request_id", id)
		return nil, false
	}
	if err != nil {
		s.logger.Error(ctx, "failed to load request", "request_id", id, "error", err)
		return nil, false
	}
	return r, true
}

func (s *Scheduler) release(id string) {
	delete(s.inFlight, id)
	delete(s.sending, id)
	if s.metrics != nil {
		s.metrics.InFlight.Set(float64(len(s.inFlight)))
	}
}

func (s *Scheduler) hold(r *models.TransferRequest) {
	s.inFlight[r.ID] = r.FileHash
	if s.metrics != nil {
		s.metrics.InFlight.Set(float64(len(s.inFlight)))
	}
}

// transition applies trigger t to r and persists the result.
func (s *Scheduler) transition(ctx context.Context, r *models.TransferRequest, t sm.Trigger, class errx.Class, msg string) error {
	to, err := sm.Next(r.State, t)
	if err != nil {
		s.logger.Warn(ctx, "transition rejected", "request_id", r.ID, "state", r.State, "trigger", t)
		return err
	}
	return s.setState(ctx, r, to, class, msg)
}

// setState persists a state chosen by the caller. ResumeAll uses it directly
// for reclassification.
func (s *Scheduler) setState(ctx context.Context, r *models.TransferRequest, to models.State, class errx.Class, msg string) error {
	if err := s.repo.UpdateState(ctx, r.ID, to, class, msg); err != nil {
		s.logger.Error(ctx, "failed to update state", "request_id", r.ID, "to", to, "error", err)
		return err
	}

	from := r.State
	r.State, r.ErrorClass, r.LastError = to, class, msg

	if s.metrics != nil {
		s.metrics.StateTransitions.WithLabelValues(string(to)).Inc()
	}
	s.logger.Debug(ctx, "state changed", "request_id", r.ID, "from", from, "to", to)

	p := s.counter.Progress(r.ID)
	if sm.IsSuccess(to) {
		p = 1
	}
	s.emit(models.Event{RequestID: r.ID, State: to, Progress: p, Class: class, Message: msg})

	if sm.IsTerminal(to) {
		s.counter.Remove(r.ID)
	}
	return nil
}

// failTrigger picks the failure edge leaving state.
func failTrigger(state models.State, retryable bool) (sm.Trigger, bool) {
	switch state {
	case models.StatePreparing:
		if retryable {
			return sm.PrepareRetryable, true
		}
		return sm.PrepareTerminal, true
	case models.StatePrepared, models.StateUploading:
		if retryable {
			return sm.TransferRetryable, true
		}
		return sm.TransferTerminal, true
	case models.StateFinishing:
		if retryable {
			return sm.FinalizeRetryable, true
		}
		return sm.FinalizeTerminal, true
	}
	return "", false
}

// fail records err on r and moves it to the matching *Error or *Fail state.
func (s *Scheduler) fail(ctx context.Context, r *models.TransferRequest, class errx.Class, err error) {
	defer s.release(r.ID)

	s.logger.Warn(ctx, "request failed", "request_id", r.ID, "state", r.State, "class", class, "error", err)

	if class == errx.ClassProtocol {
		// partial results can not be trusted after a bad response
		if cerr := s.repo.ClearAcked(ctx, r.ID); cerr != nil {
			s.logger.Error(ctx, "failed to clear acked chunks", "request_id", r.ID, "error", cerr)
		}
		s.counter.Remove(r.ID)
	}

	t, ok := failTrigger(r.State, class.Retryable())
	if !ok {
		s.logger.Error(ctx, "no failure edge", "request_id", r.ID, "state", r.State)
		return
	}
	if err := s.transition(ctx, r, t, class, err.Error()); err != nil {
		return
	}
	if sm.IsTerminal(r.State) {
		s.sessions.CancelToken(r.Token, "")
	}

	s.failures++
	if s.failures >= s.opts.MaxConsecutiveFailures && !s.blocked {
		s.blocked = true
		s.logger.Warn(ctx, "too many consecutive failures, auto-advance paused", "failures", s.failures)
		s.emit(models.Event{
			RequestID: r.ID,
			State:     r.State,
			Class:     class,
			Message:   fmt.Sprintf("%d consecutive failures; waiting for retry", s.failures),
			Blocked:   true,
		})
	}
}

func (s *Scheduler) succeeded() {
	s.failures = 0
}

// discard removes r from the queue and stops its transfers.
func (s *Scheduler) discard(ctx context.Context, r *models.TransferRequest, reason string) error {
	if !sm.IsTerminal(r.State) {
		s.sessions.CancelToken(r.Token, "")
		s.abort(ctx, r.Token)
	}
	if err := s.repo.Delete(ctx, r.ID); err != nil {
		return err
	}
	s.counter.Remove(r.ID)
	s.release(r.ID)

	s.logger.Info(ctx, "request removed", "request_id", r.ID, "reason", reason)
	s.emit(models.Event{RequestID: r.ID, State: r.State, Message: reason, Removed: true})
	return nil
}

// abort drops server-side transfer state of token off the actor.
func (s *Scheduler) abort(ctx context.Context, token string) {
	s.spawn(func() {
		if err := s.sessions.Abort(ctx, token); err != nil {
			s.logger.Warn(ctx, "failed to abort transfer", "token", token, "error", err)
		}
	})
}

// Preparation.

func (s *Scheduler) startPrepare(ctx context.Context, r *models.TransferRequest) {
	if err := s.transition(ctx, r, sm.Prepare, "", ""); err != nil {
		return
	}
	s.preparing[r.ID] = true

	rc := *r
	s.spawn(func() {
		prep, err := s.prepare(ctx, rc)
		s.post(func(ctx context.Context) { s.onPrepared(ctx, rc.ID, prep, err) })
	})
}

// prepare resolves the source and computes hashes. Runs off the actor.
func (s *Scheduler) prepare(ctx context.Context, r models.TransferRequest) (*models.TransferRequest, error) {
	info, err := s.source.Stat(r.AssetRef)
	if err != nil {
		return nil, err
	}

	plan, err := chunk.NewPlan(info.Size, s.sessions.ChunkSizeFor(info.Size, s.opts.ChunkSize))
	if err != nil {
		return nil, errx.Client("prepare", fmt.Errorf("%s: %w", r.AssetRef, err))
	}
	if !media.Supported(info.MimeType, s.opts.AllowedMimeTypes) {
		return nil, errx.Client("prepare", fmt.Errorf("%s is %s: %w", r.AssetRef, info.MimeType, errx.ErrUnsupportedType))
	}

	f, err := s.source.Open(r.AssetRef)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	whole, hashes, err := chunk.Digest(ctx, f, plan, s.opts.Algorithm)
	if err != nil {
		if ctx.Err() == nil && errx.Classify(err) == errx.ClassTransient {
			err = errx.Local("digest", err)
		}
		return nil, err
	}

	if r.Filename == "" {
		r.Filename = info.Name
	}
	r.MimeType = info.MimeType
	r.FileHash = whole
	r.ChunkHashes = hashes
	r.ChunkSize = plan.ChunkSize
	r.TotalBytes = plan.Size
	return &r, nil
}

func (s *Scheduler) onPrepared(ctx context.Context, id string, prep *models.TransferRequest, err error) {
	defer s.advance(ctx)
	delete(s.preparing, id)

	r, ok := s.load(ctx, id)
	if !ok || r.State != models.StatePreparing {
		return
	}

	if err == nil {
		err = s.repo.SavePreparation(ctx, prep)
	}
	if err != nil {
		if s.opts.PruneMissingSources && errors.Is(err, errx.ErrSourceNotFound) {
			if derr := s.discard(ctx, r, "source asset is gone"); derr != nil {
				s.logger.Error(ctx, "failed to remove request", "request_id", id, "error", derr)
			}
			return
		}
		s.fail(ctx, r, errx.Classify(err), err)
		return
	}

	prep.State = r.State
	_ = s.transition(ctx, prep, sm.PrepareOK, "", "")
}

// Transfer.

func (s *Scheduler) startTransfer(ctx context.Context, r *models.TransferRequest) {
	s.hold(r)

	rc := *r
	s.spawn(func() {
		out, err := s.dedup.Resolve(ctx, &rc)
		s.post(func(ctx context.Context) { s.onResolved(ctx, rc.ID, out, err) })
	})
}

func (s *Scheduler) onResolved(ctx context.Context, id string, out dedup.Outcome, err error) {
	defer s.advance(ctx)

	r, ok := s.load(ctx, id)
	if !ok || r.State != models.StatePrepared {
		s.release(id)
		return
	}
	if err != nil {
		s.fail(ctx, r, errx.Classify(err), err)
		return
	}

	if out.Kind == dedup.Absent {
		s.beginChunks(ctx, r)
		return
	}

	defer s.release(id)
	if err := s.repo.SetContentID(ctx, id, out.ContentID); err != nil {
		s.fail(ctx, r, errx.ClassLocal, errx.Local("save content id", err))
		return
	}
	r.ContentID = out.ContentID
	if s.transition(ctx, r, sm.DedupHit, "", "") == nil {
		s.succeeded()
	}
}

func (s *Scheduler) plan(ctx context.Context, r *models.TransferRequest) (chunk.Plan, bool) {
	plan, err := chunk.NewPlan(r.TotalBytes, r.ChunkSize)
	if err == nil && plan.Count != r.ChunkCount() {
		err = fmt.Errorf("%d chunk hashes for %d chunks", r.ChunkCount(), plan.Count)
	}
	if err != nil {
		s.fail(ctx, r, errx.ClassLocal, errx.Local("chunk plan", err))
		return chunk.Plan{}, false
	}
	return plan, true
}

func (s *Scheduler) beginChunks(ctx context.Context, r *models.TransferRequest) {
	if err := s.transition(ctx, r, sm.StartTransfer, "", ""); err != nil {
		s.release(r.ID)
		return
	}

	plan, ok := s.plan(ctx, r)
	if !ok {
		return
	}
	acked, err := s.repo.AckedChunks(ctx, r.ID)
	if err != nil {
		s.fail(ctx, r, errx.ClassLocal, errx.Local("load acked chunks", err))
		return
	}
	s.counter.Restore(r.ID, r.TotalBytes, acked, plan.Len)

	s.continueChunks(ctx, r, plan, acked, -1)
}

func firstMissing(acked []int, count int) int {
	seen := make(map[int]bool, len(acked))
	for _, i := range acked {
		seen[i] = true
	}
	for i := 0; i < count; i++ {
		if !seen[i] {
			return i
		}
	}
	return -1
}

// continueChunks sends the first unacknowledged chunk or, once all are
// acknowledged, hands the request to finalize. last is the chunk that was
// just acknowledged, -1 if none.
func (s *Scheduler) continueChunks(ctx context.Context, r *models.TransferRequest, plan chunk.Plan, acked []int, last int) {
	next := firstMissing(acked, plan.Count)
	if next < 0 {
		if r.ContentID != "" {
			s.finishTransfer(ctx, r)
			return
		}
		if last == plan.Count-1 {
			err := errx.Protocol("send chunk", fmt.Errorf("%w: final chunk without content id", errx.ErrMalformedResponse))
			s.fail(ctx, r, errx.ClassProtocol, err)
			return
		}
		// everything is acked but the content id was lost: the final chunk
		// is sent again to get it
		next = plan.Count - 1
	}
	s.sendChunk(ctx, r, plan, next)
}

func (s *Scheduler) sendChunk(ctx context.Context, r *models.TransferRequest, plan chunk.Plan, index int) {
	rc := *r
	algo := s.opts.Algorithm
	off, n := plan.Range(index)

	build := func(context.Context) (*chunk.Envelope, error) {
		data, err := s.source.ReadRange(rc.AssetRef, off, n)
		if err != nil {
			return nil, err
		}
		sum, err := checksum.Sum(algo, data)
		if err != nil {
			return nil, errx.Local("hash chunk", err)
		}
		if sum != rc.ChunkHashes[index] {
			return nil, errx.Client("read chunk", fmt.Errorf("chunk %d: %w", index, errx.ErrSourceChanged))
		}
		return chunk.NewEnvelope(&rc, index, data), nil
	}

	task, err := s.sessions.Start(session.TaskSpec{
		Token:      rc.Token,
		ChunkIndex: index,
		ChunkCount: plan.Count,
		Channel:    s.sessions.ChannelFor(rc.TotalBytes),
		Build:      build,
	})
	if err != nil {
		s.fail(ctx, r, errx.ClassLocal, errx.Local("start transfer", err))
		return
	}

	s.sending[r.ID] = index
	s.logger.Debug(ctx, "chunk started", "request_id", r.ID, "chunk", index, "chunks", plan.Count, "channel", task.Channel, "task_id", task.ID)
}

// onCompletion is the registry callback. It runs on transport goroutines and
// only hops onto the actor.
func (s *Scheduler) onCompletion(c session.Completion) {
	s.post(func(ctx context.Context) { s.handleCompletion(ctx, c) })
}

func (s *Scheduler) handleCompletion(ctx context.Context, c session.Completion) {
	if c.Cancelled {
		return
	}
	defer s.advance(ctx)

	r, err := s.repo.GetByToken(ctx, c.Task.Token)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.logger.Debug(ctx, "completion for unknown token", "token", c.Task.Token)
		} else {
			s.logger.Error(ctx, "failed to resolve token", "token", c.Task.Token, "error", err)
		}
		return
	}
	if r.State != models.StateUploading {
		s.logger.Debug(ctx, "late completion ignored", "request_id", r.ID, "state", r.State, "chunk", c.Task.ChunkIndex)
		return
	}

	plan, ok := s.plan(ctx, r)
	if !ok {
		return
	}

	expected, ok := s.sending[r.ID]
	if !ok || (expected != anyChunk && expected != c.Task.ChunkIndex) {
		// duplicate delivery of an earlier attempt; acks are idempotent
		if c.Err == nil {
			if err := s.ack(ctx, r, plan, c); err != nil {
				s.logger.Error(ctx, "failed to ack chunk", "request_id", r.ID, "error", err)
			}
		}
		return
	}
	delete(s.sending, r.ID)

	if c.Err != nil {
		s.fail(ctx, r, errx.Classify(c.Err), c.Err)
		return
	}
	if err := s.ack(ctx, r, plan, c); err != nil {
		s.fail(ctx, r, errx.ClassLocal, err)
		return
	}

	acked, err := s.repo.AckedChunks(ctx, r.ID)
	if err != nil {
		s.fail(ctx, r, errx.ClassLocal, errx.Local("load acked chunks", err))
		return
	}
	s.continueChunks(ctx, r, plan, acked, c.Task.ChunkIndex)
}

func (s *Scheduler) ack(ctx context.Context, r *models.TransferRequest, plan chunk.Plan, c session.Completion) error {
	index := c.Task.ChunkIndex
	if err := s.repo.AckChunk(ctx, r.ID, index); err != nil {
		return errx.Local("ack chunk", err)
	}
	if c.Receipt != nil && c.Receipt.ContentID != "" && c.Receipt.ContentID != r.ContentID {
		if err := s.repo.SetContentID(ctx, r.ID, c.Receipt.ContentID); err != nil {
			return errx.Local("save content id", err)
		}
		r.ContentID = c.Receipt.ContentID
	}

	if s.counter.AddChunk(r.ID, index) {
		s.counter.AddBytes(r.ID, plan.Len(index))
		s.emit(models.Event{RequestID: r.ID, State: r.State, Progress: s.counter.Progress(r.ID)})
	}
	return nil
}

func (s *Scheduler) finishTransfer(ctx context.Context, r *models.TransferRequest) {
	// a retried chunk may still be live; it must not race with finalize
	if n := s.sessions.CancelToken(r.Token, ""); n > 0 {
		s.logger.Debug(ctx, "cancelled leftover chunk tasks", "request_id", r.ID, "tasks", n)
	}
	if err := s.transition(ctx, r, sm.LastChunkAck, "", ""); err != nil {
		s.release(r.ID)
		return
	}
	s.startFinalize(ctx, r)
}

// Finalize.

func (s *Scheduler) startFinalize(ctx context.Context, r *models.TransferRequest) {
	if r.ContentID == "" {
		// nothing to finalize against: transfer again from scratch
		s.logger.Warn(ctx, "uploaded request without content id", "request_id", r.ID)
		if err := s.repo.ClearAcked(ctx, r.ID); err != nil {
			s.logger.Error(ctx, "failed to clear acked chunks", "request_id", r.ID, "error", err)
		}
		s.release(r.ID)
		if s.setState(ctx, r, models.StatePrepared, "", "") == nil {
			s.kick()
		}
		return
	}

	s.hold(r)
	if err := s.transition(ctx, r, sm.Finalize, "", ""); err != nil {
		s.release(r.ID)
		return
	}

	params := controlplane.FinalizeParams{
		ContentID:   r.ContentID,
		Destination: r.Destination,
		FileHash:    r.FileHash,
		Filename:    r.Filename,
		Metadata:    r.Metadata,
	}
	id := r.ID
	s.spawn(func() {
		res, err := s.finalizer.Finalize(ctx, params)
		s.post(func(ctx context.Context) { s.onFinalized(ctx, id, res, err) })
	})
}

func (s *Scheduler) onFinalized(ctx context.Context, id string, res controlplane.FinalizeResult, err error) {
	defer s.advance(ctx)

	r, ok := s.load(ctx, id)
	if !ok || r.State != models.StateFinishing {
		s.release(id)
		return
	}
	if err != nil {
		s.fail(ctx, r, errx.Classify(err), err)
		return
	}

	if res.ContentID != "" && res.ContentID != r.ContentID {
		if err := s.repo.SetContentID(ctx, id, res.ContentID); err != nil {
			s.fail(ctx, r, errx.ClassLocal, errx.Local("save content id", err))
			return
		}
		r.ContentID = res.ContentID
	}
	defer s.release(id)
	if s.destCache != nil {
		s.destCache.RecordNewContent(r.ContentID, r.Destination)
	}

	t := sm.FinalizeOK
	if res.Moderated {
		t = sm.FinalizeModerated
	}
	if s.transition(ctx, r, t, "", "") == nil {
		s.succeeded()
		s.logger.Info(ctx, "upload finished", "request_id", id, "content_id", r.ContentID, "state", r.State)
	}
}
