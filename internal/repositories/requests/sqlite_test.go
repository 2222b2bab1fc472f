package requests

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/errx"
	"github.com/dmitrijs2005/gophupload/internal/models"
	"github.com/dmitrijs2005/gophupload/internal/storage"
	"github.com/dmitrijs2005/gophupload/internal/timex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setupRepo(t *testing.T) (*SQLiteRepository, *sql.DB) {
	t.Helper()
	db, err := storage.InitDatabase(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLiteRepository(db).WithClock(timex.NewManualClock(t0, time.Second)), db
}

func newRequest(id string, prio models.Priority, created time.Time, state models.State) *models.TransferRequest {
	return &models.TransferRequest{
		ID:          id,
		Token:       "tok-" + id,
		AssetRef:    "photos/" + id + ".jpg",
		Destination: "album-1",
		Priority:    prio,
		CreatedAt:   created,
		State:       state,
		Metadata: models.Metadata{
			Title:      "title " + id,
			Tags:       []string{"a", "b"},
			Visibility: models.VisibilityFriends,
			CreatedAt:  t0.Add(-time.Hour),
		},
	}
}

func ids(rs []*models.TransferRequest) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestInsertAndGet(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	in := newRequest("r1", models.PriorityManual, t0, models.StateWaiting)
	require.NoError(t, repo.Insert(ctx, in))

	got, err := repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, in.Token, got.Token)
	assert.Equal(t, in.AssetRef, got.AssetRef)
	assert.Equal(t, in.Metadata, got.Metadata)
	assert.Equal(t, models.PriorityManual, got.Priority)
	assert.Equal(t, t0, got.CreatedAt)
	assert.Equal(t, models.StateWaiting, got.State)
	assert.Nil(t, got.ChunkHashes)

	byToken, err := repo.GetByToken(ctx, "tok-r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", byToken.ID)

	_, err = repo.GetByID(ctx, "nope")
	require.ErrorIs(t, err, common.ErrorNotFound)
	_, err = repo.GetByToken(ctx, "nope")
	require.ErrorIs(t, err, common.ErrorNotFound)

	require.Error(t, repo.Insert(ctx, in), "duplicate id must fail")
}

func TestListPending_OrderedByPriorityThenCreation(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	reqs := []*models.TransferRequest{
		newRequest("auto-old", models.PriorityAutomatic, t0, models.StateWaiting),
		newRequest("auto-new", models.PriorityAutomatic, t0.Add(2*time.Minute), models.StatePrepared),
		newRequest("manual-new", models.PriorityManual, t0.Add(3*time.Minute), models.StateUploading),
		newRequest("manual-old", models.PriorityManual, t0.Add(time.Minute), models.StateWaiting),
		newRequest("auto-tie", models.PriorityAutomatic, t0, models.StateUploadingError),
		newRequest("done", models.PriorityManual, t0, models.StateFinished),
		newRequest("failed", models.PriorityManual, t0, models.StateUploadingFail),
	}
	for _, r := range reqs {
		require.NoError(t, repo.Insert(ctx, r))
	}

	pending, err := repo.ListPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"manual-old", "manual-new", "auto-old", "auto-tie", "auto-new"}, ids(pending))

	completed, err := repo.ListCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"done", "failed"}, ids(completed))
}

func TestUpdateState_WithError(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, newRequest("r1", 0, t0, models.StateUploading)))

	require.NoError(t, repo.UpdateState(ctx, "r1", models.StateUploadingError, errx.ClassTransient, "timeout"))
	got, err := repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StateUploadingError, got.State)
	assert.Equal(t, errx.ClassTransient, got.ErrorClass)
	assert.Equal(t, "timeout", got.LastError)

	require.NoError(t, repo.UpdateState(ctx, "r1", models.StatePrepared, "", ""))
	got, err = repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, got.LastError)
	assert.Empty(t, got.ErrorClass)

	require.ErrorIs(t, repo.UpdateState(ctx, "absent", models.StatePrepared, "", ""), common.ErrorNotFound)
}

func TestSavePreparation_HashIsImmutable(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	r := newRequest("r1", 0, t0, models.StatePreparing)
	require.NoError(t, repo.Insert(ctx, r))

	r.FileHash = "h1"
	r.ChunkHashes = []string{"c0", "c1"}
	r.ChunkSize = 10
	r.TotalBytes = 15
	r.Filename = "r1.jpg"
	r.MimeType = "image/jpeg"
	require.NoError(t, repo.SavePreparation(ctx, r))

	got, err := repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "h1", got.FileHash)
	assert.Equal(t, []string{"c0", "c1"}, got.ChunkHashes)
	assert.Equal(t, int64(15), got.TotalBytes)
	assert.Equal(t, "image/jpeg", got.MimeType)
	assert.True(t, got.Prepared())

	// same hash again is fine
	require.NoError(t, repo.SavePreparation(ctx, r))

	r.FileHash = "h2"
	err = repo.SavePreparation(ctx, r)
	require.ErrorIs(t, err, errx.ErrSourceChanged)
	assert.Equal(t, errx.ClassClient, errx.Classify(err))

	got, err = repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "h1", got.FileHash)

	r.ID = "absent"
	require.ErrorIs(t, repo.SavePreparation(ctx, r), common.ErrorNotFound)
}

func TestAckChunk_IsSetUnion(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, newRequest("r1", 0, t0, models.StateUploading)))

	for _, i := range []int{2, 0, 2, 1, 0} {
		require.NoError(t, repo.AckChunk(ctx, "r1", i))
	}
	acked, err := repo.AckedChunks(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, acked)

	require.NoError(t, repo.ClearAcked(ctx, "r1"))
	acked, err = repo.AckedChunks(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, acked)
}

func TestContentIDRetryAndDelete(t *testing.T) {
	repo, db := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, newRequest("r1", 0, t0, models.StateUploaded)))
	require.NoError(t, repo.AckChunk(ctx, "r1", 0))

	require.NoError(t, repo.SetContentID(ctx, "r1", "srv-42"))
	require.NoError(t, repo.IncrementRetry(ctx, "r1"))
	require.NoError(t, repo.IncrementRetry(ctx, "r1"))

	got, err := repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "srv-42", got.ContentID)
	assert.Equal(t, 2, got.RetryCount)

	require.NoError(t, repo.Delete(ctx, "r1"))
	_, err = repo.GetByID(ctx, "r1")
	require.ErrorIs(t, err, common.ErrorNotFound)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM acked_chunks WHERE request_id = 'r1'`).Scan(&n))
	assert.Zero(t, n)

	require.ErrorIs(t, repo.Delete(ctx, "r1"), common.ErrorNotFound)
	require.ErrorIs(t, repo.SetContentID(ctx, "r1", "x"), common.ErrorNotFound)
	require.ErrorIs(t, repo.IncrementRetry(ctx, "r1"), common.ErrorNotFound)
}

func TestSQLiteRepository_DriverErrors(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	repo := NewSQLiteRepository(db)
	ctx := context.Background()
	boom := errors.New("boom")

	mock.ExpectExec(`UPDATE transfer_requests SET state`).WillReturnError(boom)
	err = repo.UpdateState(ctx, "r1", models.StatePrepared, "", "")
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "failed to update state")

	mock.ExpectQuery(`SELECT .* FROM transfer_requests WHERE state IN`).WillReturnError(boom)
	_, err = repo.ListPending(ctx)
	require.ErrorIs(t, err, boom)

	mock.ExpectExec(`INSERT OR IGNORE INTO acked_chunks`).WillReturnError(boom)
	require.ErrorIs(t, repo.AckChunk(ctx, "r1", 0), boom)

	mock.ExpectExec(`UPDATE transfer_requests SET state`).WillReturnResult(sqlmock.NewResult(0, 2))
	err = repo.UpdateState(ctx, "r1", models.StatePrepared, "", "")
	require.ErrorContains(t, err, "wrong rows affected count")

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM acked_chunks`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM transfer_requests`).WillReturnError(boom)
	mock.ExpectRollback()
	require.ErrorIs(t, repo.Delete(ctx, "r1"), boom)

	require.NoError(t, mock.ExpectationsWereMet())
}
