package requests

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/dbx"
	"github.com/dmitrijs2005/gophupload/internal/errx"
	"github.com/dmitrijs2005/gophupload/internal/models"
	"github.com/dmitrijs2005/gophupload/internal/statemachine"
	"github.com/dmitrijs2005/gophupload/internal/timex"
)

const columns = `id, token, asset_ref, destination, content_id, filename, mime_type,
	file_hash, chunk_hashes, chunk_size, total_bytes,
	title, author, comment, tags, visibility, asset_created_at,
	priority, created_at, updated_at, state, error_class, last_error, retry_count`

const orderBy = ` ORDER BY priority DESC, created_at ASC, seq ASC`

type SQLiteRepository struct {
	db    *sql.DB
	clock timex.Clock
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, clock: timex.SystemClock{}}
}

// WithClock sets the clock used for updated_at.
func (r *SQLiteRepository) WithClock(c timex.Clock) *SQLiteRepository {
	r.clock = c
	return r
}

func (r *SQLiteRepository) now() int64 {
	return r.clock.Now().UnixNano()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func marshalList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func (r *SQLiteRepository) Insert(ctx context.Context, e *models.TransferRequest) error {
	hashes, err := marshalList(e.ChunkHashes)
	if err != nil {
		return fmt.Errorf("failed to encode chunk hashes: %w", err)
	}
	tags, err := marshalList(e.Metadata.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	query := `INSERT INTO transfer_requests (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		e.ID, e.Token, e.AssetRef, e.Destination, e.ContentID, e.Filename, e.MimeType,
		e.FileHash, hashes, e.ChunkSize, e.TotalBytes,
		e.Metadata.Title, e.Metadata.Author, e.Metadata.Comment, tags, int(e.Metadata.Visibility), unixNano(e.Metadata.CreatedAt),
		int(e.Priority), unixNano(e.CreatedAt), r.now(), string(e.State), string(e.ErrorClass), e.LastError, e.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*models.TransferRequest, error) {
	var (
		e                                  models.TransferRequest
		hashes, tags, state, class         string
		visibility, priority               int
		assetCreated, createdAt, updatedAt int64
	)
	err := row.Scan(&e.ID, &e.Token, &e.AssetRef, &e.Destination, &e.ContentID, &e.Filename, &e.MimeType,
		&e.FileHash, &hashes, &e.ChunkSize, &e.TotalBytes,
		&e.Metadata.Title, &e.Metadata.Author, &e.Metadata.Comment, &tags, &visibility, &assetCreated,
		&priority, &createdAt, &updatedAt, &state, &class, &e.LastError, &e.RetryCount)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(hashes), &e.ChunkHashes); err != nil {
		return nil, fmt.Errorf("failed to decode chunk hashes: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &e.Metadata.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	if len(e.ChunkHashes) == 0 {
		e.ChunkHashes = nil
	}
	if len(e.Metadata.Tags) == 0 {
		e.Metadata.Tags = nil
	}

	e.Metadata.Visibility = models.Visibility(visibility)
	e.Metadata.CreatedAt = fromUnixNano(assetCreated)
	e.Priority = models.Priority(priority)
	e.CreatedAt = fromUnixNano(createdAt)
	e.UpdatedAt = fromUnixNano(updatedAt)
	e.State = models.State(state)
	e.ErrorClass = errx.Class(class)
	return &e, nil
}

func (r *SQLiteRepository) getOne(ctx context.Context, where string, arg any) (*models.TransferRequest, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM transfer_requests WHERE `+where, arg)
	e, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return e, nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*models.TransferRequest, error) {
	return r.getOne(ctx, `id = ?`, id)
}

func (r *SQLiteRepository) GetByToken(ctx context.Context, token string) (*models.TransferRequest, error) {
	return r.getOne(ctx, `token = ?`, token)
}

func (r *SQLiteRepository) listByStates(ctx context.Context, states []models.State) ([]*models.TransferRequest, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = string(s)
	}

	query := `SELECT ` + columns + ` FROM transfer_requests WHERE state IN (` + placeholders + `)` + orderBy
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error selecting requests: %w", err)
	}
	defer rows.Close()

	var result []*models.TransferRequest
	for rows.Next() {
		e, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) ListPending(ctx context.Context) ([]*models.TransferRequest, error) {
	return r.listByStates(ctx, statemachine.PendingStates())
}

func (r *SQLiteRepository) ListCompleted(ctx context.Context) ([]*models.TransferRequest, error) {
	return r.listByStates(ctx, statemachine.CompletedStates())
}

func (r *SQLiteRepository) UpdateState(ctx context.Context, id string, state models.State, class errx.Class, msg string) error {
	query := `UPDATE transfer_requests SET state = ?, error_class = ?, last_error = ?, updated_at = ? WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, string(state), string(class), msg, r.now(), id)
	if err != nil {
		return fmt.Errorf("failed to update state: %w", err)
	}
	return dbx.ExpectOneRow(result)
}

func (r *SQLiteRepository) SavePreparation(ctx context.Context, e *models.TransferRequest) error {
	hashes, err := marshalList(e.ChunkHashes)
	if err != nil {
		return fmt.Errorf("failed to encode chunk hashes: %w", err)
	}

	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT file_hash FROM transfer_requests WHERE id = ?`, e.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return common.ErrorNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read file hash: %w", err)
		}
		if current != "" && current != e.FileHash {
			return errx.Client("save preparation", errx.ErrSourceChanged)
		}

		query := `UPDATE transfer_requests SET file_hash = ?, chunk_hashes = ?, chunk_size = ?, total_bytes = ?,
			filename = ?, mime_type = ?, updated_at = ? WHERE id = ?`
		result, err := tx.ExecContext(ctx, query, e.FileHash, hashes, e.ChunkSize, e.TotalBytes,
			e.Filename, e.MimeType, r.now(), e.ID)
		if err != nil {
			return fmt.Errorf("failed to save preparation: %w", err)
		}
		return dbx.ExpectOneRow(result)
	})
}

func (r *SQLiteRepository) SetContentID(ctx context.Context, id, contentID string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE transfer_requests SET content_id = ?, updated_at = ? WHERE id = ?`,
		contentID, r.now(), id)
	if err != nil {
		return fmt.Errorf("failed to set content id: %w", err)
	}
	return dbx.ExpectOneRow(result)
}

func (r *SQLiteRepository) AckChunk(ctx context.Context, id string, index int) error {
	_, err := r.db.ExecContext(ctx, `INSERT OR IGNORE INTO acked_chunks (request_id, chunk_index) VALUES (?, ?)`, id, index)
	if err != nil {
		return fmt.Errorf("failed to ack chunk: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) AckedChunks(ctx context.Context, id string) ([]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT chunk_index FROM acked_chunks WHERE request_id = ? ORDER BY chunk_index`, id)
	if err != nil {
		return nil, fmt.Errorf("error selecting acked chunks: %w", err)
	}
	defer rows.Close()

	var result []int
	for rows.Next() {
		var i int
		if err := rows.Scan(&i); err != nil {
			return nil, err
		}
		result = append(result, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) ClearAcked(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM acked_chunks WHERE request_id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear acked chunks: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) IncrementRetry(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE transfer_requests SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		r.now(), id)
	if err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}
	return dbx.ExpectOneRow(result)
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM acked_chunks WHERE request_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete acked chunks: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM transfer_requests WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete request: %w", err)
		}
		return dbx.ExpectOneRow(result)
	})
}
