package requests

import (
	"context"

	"github.com/dmitrijs2005/gophupload/internal/errx"
	"github.com/dmitrijs2005/gophupload/internal/models"
)

// Repository describes the persisted upload queue.
type Repository interface {
	// Insert adds a new request.
	Insert(ctx context.Context, r *models.TransferRequest) error

	// GetByID returns the request with the given local id.
	GetByID(ctx context.Context, id string) (*models.TransferRequest, error)

	// GetByToken resolves a correlation token to its request.
	GetByToken(ctx context.Context, token string) (*models.TransferRequest, error)

	// ListPending returns non-terminal requests ordered by priority (manual
	// first) then creation time.
	ListPending(ctx context.Context) ([]*models.TransferRequest, error)

	// ListCompleted returns terminal requests in the same order.
	ListCompleted(ctx context.Context) ([]*models.TransferRequest, error)

	// UpdateState atomically writes state with its error classification and
	// message. An empty message clears the previous error.
	UpdateState(ctx context.Context, id string, state models.State, class errx.Class, msg string) error

	// SavePreparation stores hashes, sizes and type. A file hash, once set,
	// can not be replaced with a different one.
	SavePreparation(ctx context.Context, r *models.TransferRequest) error

	// SetContentID stores the server content id.
	SetContentID(ctx context.Context, id, contentID string) error

	// AckChunk adds index to the acknowledged set of a request.
	AckChunk(ctx context.Context, id string, index int) error

	// AckedChunks returns the acknowledged indices in ascending order.
	AckedChunks(ctx context.Context, id string) ([]int, error)

	// ClearAcked drops the acknowledged set of a request.
	ClearAcked(ctx context.Context, id string) error

	// IncrementRetry bumps the retry counter.
	IncrementRetry(ctx context.Context, id string) error

	// Delete removes a request and its chunk bookkeeping.
	Delete(ctx context.Context, id string) error
}
