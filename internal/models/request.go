// Package models defines the data model of the upload queue.
package models

import (
	"time"

	"github.com/dmitrijs2005/gophupload/internal/errx"
)

// State is the lifecycle position of a transfer request.
type State string

const (
	StateWaiting        State = "waiting"
	StatePreparing      State = "preparing"
	StatePreparingError State = "preparingError"
	StatePreparingFail  State = "preparingFail"
	StatePrepared       State = "prepared"
	StateUploading      State = "uploading"
	StateUploadingError State = "uploadingError"
	StateUploadingFail  State = "uploadingFail"
	StateUploaded       State = "uploaded"
	StateFinishing      State = "finishing"
	StateFinishingError State = "finishingError"
	StateFinishingFail  State = "finishingFail"
	StateFinished       State = "finished"
	StateModerated      State = "moderated"
	StateCancelled      State = "cancelled"
)

// Priority orders the queue. Manual requests go before automatic ones.
type Priority int

const (
	PriorityAutomatic Priority = 0
	PriorityManual    Priority = 1
)

// Visibility is the privacy level the gallery applies to the uploaded item.
type Visibility int

const (
	VisibilityEveryone Visibility = 0
	VisibilityContacts Visibility = 1
	VisibilityFriends  Visibility = 2
	VisibilityFamily   Visibility = 4
	VisibilityAdmins   Visibility = 8
)

// Metadata is the user-facing description attached to an upload.
type Metadata struct {
	Title      string
	Author     string
	Comment    string
	Tags       []string
	Visibility Visibility
	// CreatedAt is when the asset itself was created, not when it was queued.
	CreatedAt time.Time
}

// TransferRequest is one media item queued for upload.
type TransferRequest struct {
	// ID is the local identifier, generated at submission.
	ID string
	// Token correlates live transport tasks with this request. It is stored
	// with the request so it survives process restarts.
	Token string
	// AssetRef locates the source in the media library.
	AssetRef    string
	Destination string
	// ContentID is assigned by the server once the content exists there.
	ContentID string

	Filename string
	MimeType string

	// FileHash is computed once during preparation and never changes.
	FileHash    string
	ChunkHashes []string
	ChunkSize   int64
	TotalBytes  int64

	Metadata Metadata
	Priority Priority

	CreatedAt time.Time
	UpdatedAt time.Time

	State      State
	ErrorClass errx.Class
	LastError  string
	RetryCount int
}

// Prepared reports whether preparation data has been recorded.
func (r *TransferRequest) Prepared() bool {
	return r.FileHash != "" && len(r.ChunkHashes) > 0
}

// ChunkCount is the number of chunks recorded at preparation.
func (r *TransferRequest) ChunkCount() int {
	return len(r.ChunkHashes)
}

// SubmitParams describes a new upload.
type SubmitParams struct {
	AssetRef    string
	Destination string
	Metadata    Metadata
	Priority    Priority
}

// Event is published for every state change and progress step.
type Event struct {
	RequestID string
	State     State
	Progress  float64
	Class     errx.Class
	Message   string
	// Blocked is set when the scheduler stops auto-advancing after too many
	// consecutive failures.
	Blocked bool
	// Removed is set when the request left the queue.
	Removed bool
	At      time.Time
}
