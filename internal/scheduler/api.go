package scheduler

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/models"
	sm "github.com/dmitrijs2005/gophupload/internal/statemachine"
	"github.com/google/uuid"
)

// Submit queues a new request in state waiting and returns its id.
func (s *Scheduler) Submit(ctx context.Context, p models.SubmitParams) (string, error) {
	if strings.TrimSpace(p.AssetRef) == "" {
		return "", fmt.Errorf("%w: asset reference is required", common.ErrInvalidRequest)
	}

	var id string
	err := s.call(ctx, func(ctx context.Context) error {
		r := &models.TransferRequest{
			ID:          uuid.NewString(),
			Token:       uuid.NewString(),
			AssetRef:    p.AssetRef,
			Destination: p.Destination,
			Filename:    path.Base(p.AssetRef),
			Metadata:    p.Metadata,
			Priority:    p.Priority,
			CreatedAt:   s.clock.Now(),
			State:       models.StateWaiting,
		}
		if err := s.repo.Insert(ctx, r); err != nil {
			return err
		}
		id = r.ID

		s.logger.Info(ctx, "request submitted", "request_id", r.ID, "asset", r.AssetRef, "destination", r.Destination)
		s.emit(models.Event{RequestID: r.ID, State: r.State})
		s.advance(ctx)
		return nil
	})
	return id, err
}

// Cancel stops the transfers of a request and moves it to cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	return s.call(ctx, func(ctx context.Context) error {
		r, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if _, err := sm.Next(r.State, sm.Cancel); err != nil {
			return err
		}

		s.sessions.CancelToken(r.Token, "")
		s.abort(ctx, r.Token)
		s.release(id)

		if err := s.transition(ctx, r, sm.Cancel, "", ""); err != nil {
			return err
		}
		s.logger.Info(ctx, "request cancelled", "request_id", id)
		s.advance(ctx)
		return nil
	})
}

// ResumeAll reconciles the persisted queue with the live transfer tasks.
// Requests backed by a live task are marked in flight; every other
// non-terminal request is moved back to where its work can restart.
// It also lifts a consecutive-failure pause.
func (s *Scheduler) ResumeAll(ctx context.Context) error {
	return s.call(ctx, func(ctx context.Context) error {
		live := map[string]bool{}
		for _, t := range s.sessions.Tasks(ctx) {
			live[t.Token] = true
		}

		pending, err := s.repo.ListPending(ctx)
		if err != nil {
			return err
		}

		s.failures, s.blocked = 0, false

		var attached, reclassified int
		for _, r := range pending {
			if _, held := s.inFlight[r.ID]; held || s.preparing[r.ID] {
				continue
			}

			if live[r.Token] && r.State == models.StateUploading {
				plan, ok := s.plan(ctx, r)
				if !ok {
					continue
				}
				acked, err := s.repo.AckedChunks(ctx, r.ID)
				if err != nil {
					return err
				}
				s.counter.Restore(r.ID, r.TotalBytes, acked, plan.Len)
				s.hold(r)
				s.sending[r.ID] = anyChunk
				attached++
				continue
			}

			to := sm.Reclassify(r.State)
			if to == r.State {
				continue
			}
			if err := s.setState(ctx, r, to, "", ""); err != nil {
				return err
			}
			reclassified++
		}

		s.logger.Info(ctx, "queue resumed", "pending", len(pending), "live", attached, "reclassified", reclassified)
		s.advance(ctx)
		return nil
	})
}

// RetryFailed moves *Error requests back one step (resumeFailedUploads).
// An empty id retries every such request. Requests in any other state,
// *Fail included, are left alone. It also lifts a consecutive-failure pause.
func (s *Scheduler) RetryFailed(ctx context.Context, id string) error {
	return s.call(ctx, func(ctx context.Context) error {
		var targets []*models.TransferRequest
		if id == "" {
			pending, err := s.repo.ListPending(ctx)
			if err != nil {
				return err
			}
			for _, r := range pending {
				if sm.IsRetryable(r.State) {
					targets = append(targets, r)
				}
			}
		} else {
			r, err := s.repo.GetByID(ctx, id)
			if err != nil {
				return err
			}
			if sm.IsRetryable(r.State) {
				targets = append(targets, r)
			}
		}

		s.failures = 0
		if s.blocked {
			s.blocked = false
			s.logger.Info(ctx, "auto-advance resumed")
		}

		for _, r := range targets {
			if err := s.repo.IncrementRetry(ctx, r.ID); err != nil {
				return err
			}
			if err := s.transition(ctx, r, sm.Retry, "", ""); err != nil {
				return err
			}
		}

		s.advance(ctx)
		return nil
	})
}

// Reset sends a *Fail request back to waiting. Its acknowledged chunks are
// dropped; the recorded file hash is kept.
func (s *Scheduler) Reset(ctx context.Context, id string) error {
	return s.call(ctx, func(ctx context.Context) error {
		r, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if _, err := sm.Next(r.State, sm.Reset); err != nil {
			return err
		}
		if err := s.repo.ClearAcked(ctx, id); err != nil {
			return err
		}
		s.counter.Remove(id)

		if err := s.transition(ctx, r, sm.Reset, "", ""); err != nil {
			return err
		}
		s.advance(ctx)
		return nil
	})
}

// Remove discards a request in any state.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	return s.call(ctx, func(ctx context.Context) error {
		r, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := s.discard(ctx, r, "removed by user"); err != nil {
			return err
		}
		s.advance(ctx)
		return nil
	})
}

// Get returns the persisted request.
func (s *Scheduler) Get(ctx context.Context, id string) (*models.TransferRequest, error) {
	return s.repo.GetByID(ctx, id)
}

// Pending lists non-terminal requests in scheduling order.
func (s *Scheduler) Pending(ctx context.Context) ([]*models.TransferRequest, error) {
	return s.repo.ListPending(ctx)
}

// Completed lists terminal requests.
func (s *Scheduler) Completed(ctx context.Context) ([]*models.TransferRequest, error) {
	return s.repo.ListCompleted(ctx)
}

// Progress reports the transferred fraction of a request. A request without
// a warm counter reports zero.
func (s *Scheduler) Progress(id string) float64 {
	return s.counter.Progress(id)
}
