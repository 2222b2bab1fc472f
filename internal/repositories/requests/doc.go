// Package requests provides the persistent upload queue.
//
// # Overview
//
// The queue is the single source of truth for transfer requests. The
// Repository interface covers CRUD, state-based listing ("pending" and
// "completed") ordered by priority then creation time, atomic state updates
// with an attached error, and the acknowledged chunk set of each request.
// SQLiteRepository implements it over database/sql and modernc.org/sqlite.
//
// Typical Usage
//
//	repo := requests.NewSQLiteRepository(db)
//	_ = repo.Insert(ctx, req)
//	pending, _ := repo.ListPending(ctx)
//	_ = repo.UpdateState(ctx, req.ID, models.StateUploadingError, errx.ClassTransient, "timeout")
//	_ = repo.AckChunk(ctx, req.ID, 0)
//
// Acknowledged chunks are stored as a set: acknowledging the same index twice
// leaves one row.
package requests
