// Package statemachine holds the transfer request lifecycle:
//
//	waiting -> preparing -> prepared -> uploading -> uploaded -> finishing -> finished | moderated
//
// Each working state has a retryable *Error branch and a terminal *Fail
// branch. *Error states go back one step on retry; *Fail states only leave
// through an explicit reset. A prepared request whose content already exists
// on the server jumps straight to moderated.
//
// The package is pure: callers own the request and persist the result of Next.
package statemachine

import (
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophupload/internal/models"
)

// Trigger is an event that moves a request between states.
type Trigger string

const (
	Prepare           Trigger = "prepare"
	PrepareOK         Trigger = "prepareOK"
	PrepareRetryable  Trigger = "prepareRetryable"
	PrepareTerminal   Trigger = "prepareTerminal"
	DedupHit          Trigger = "dedupHit"
	StartTransfer     Trigger = "startTransfer"
	ChunkAck          Trigger = "chunkAck"
	LastChunkAck      Trigger = "lastChunkAck"
	TransferRetryable Trigger = "transferRetryable"
	TransferTerminal  Trigger = "transferTerminal"
	Finalize          Trigger = "finalize"
	FinalizeOK        Trigger = "finalizeOK"
	FinalizeModerated Trigger = "finalizeModerated"
	FinalizeRetryable Trigger = "finalizeRetryable"
	FinalizeTerminal  Trigger = "finalizeTerminal"
	Retry             Trigger = "retry"
	Cancel            Trigger = "cancel"
	Reset             Trigger = "reset"
)

var ErrInvalidTransition = errors.New("invalid state transition")

type edge struct {
	from    models.State
	trigger Trigger
}

var transitions = map[edge]models.State{
	{models.StateWaiting, Prepare}: models.StatePreparing,

	{models.StatePreparing, PrepareOK}:        models.StatePrepared,
	{models.StatePreparing, PrepareRetryable}: models.StatePreparingError,
	{models.StatePreparing, PrepareTerminal}:  models.StatePreparingFail,

	{models.StatePrepared, DedupHit}:      models.StateModerated,
	{models.StatePrepared, StartTransfer}: models.StateUploading,
	// A failed existence check happens before the first chunk.
	{models.StatePrepared, TransferRetryable}: models.StateUploadingError,
	{models.StatePrepared, TransferTerminal}:  models.StateUploadingFail,

	{models.StateUploading, ChunkAck}:          models.StateUploading,
	{models.StateUploading, LastChunkAck}:      models.StateUploaded,
	{models.StateUploading, TransferRetryable}: models.StateUploadingError,
	{models.StateUploading, TransferTerminal}:  models.StateUploadingFail,

	{models.StateUploaded, Finalize}: models.StateFinishing,

	{models.StateFinishing, FinalizeOK}:        models.StateFinished,
	{models.StateFinishing, FinalizeModerated}: models.StateModerated,
	{models.StateFinishing, FinalizeRetryable}: models.StateFinishingError,
	{models.StateFinishing, FinalizeTerminal}:  models.StateFinishingFail,

	{models.StatePreparingError, Retry}: models.StateWaiting,
	{models.StateUploadingError, Retry}: models.StatePrepared,
	{models.StateFinishingError, Retry}: models.StateUploaded,

	{models.StatePreparingFail, Reset}: models.StateWaiting,
	{models.StateUploadingFail, Reset}: models.StateWaiting,
	{models.StateFinishingFail, Reset}: models.StateWaiting,
}

// Next returns the state reached from "from" on trigger t.
// Cancel is accepted from every state except cancelled itself.
func Next(from models.State, t Trigger) (models.State, error) {
	if t == Cancel {
		if from == models.StateCancelled {
			return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, t, from)
		}
		return models.StateCancelled, nil
	}
	to, ok := transitions[edge{from, t}]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, t, from)
	}
	return to, nil
}

// ResumeTarget is the state an *Error request returns to when failed uploads
// are resumed. ok is false for every other state, *Fail included.
func ResumeTarget(s models.State) (models.State, bool) {
	to, ok := transitions[edge{s, Retry}]
	return to, ok
}

// Reclassify decides where a non-terminal request restarts when no live
// transport task backs it after a restart. Terminal states are returned as is.
func Reclassify(s models.State) models.State {
	switch s {
	case models.StatePrepared:
		// hashes are persisted and every chunk is re-read and checked at send time
		return models.StatePrepared
	case models.StateUploading, models.StateUploadingError, models.StateUploaded:
		return models.StatePrepared
	case models.StateFinishing, models.StateFinishingError:
		return models.StateUploaded
	case models.StateWaiting, models.StatePreparing, models.StatePreparingError:
		return models.StateWaiting
	default:
		return s
	}
}

// IsTerminal reports whether s needs user action to leave.
func IsTerminal(s models.State) bool {
	switch s {
	case models.StatePreparingFail, models.StateUploadingFail, models.StateFinishingFail,
		models.StateFinished, models.StateModerated, models.StateCancelled:
		return true
	}
	return false
}

// IsFailed reports whether s is a terminal failure.
func IsFailed(s models.State) bool {
	return s == models.StatePreparingFail || s == models.StateUploadingFail || s == models.StateFinishingFail
}

// IsRetryable reports whether s is an *Error state.
func IsRetryable(s models.State) bool {
	_, ok := ResumeTarget(s)
	return ok
}

// IsSuccess reports whether s means the content reached the gallery.
func IsSuccess(s models.State) bool {
	return s == models.StateFinished || s == models.StateModerated
}

// PendingStates lists every non-terminal state.
func PendingStates() []models.State {
	return []models.State{
		models.StateWaiting, models.StatePreparing, models.StatePreparingError,
		models.StatePrepared, models.StateUploading, models.StateUploadingError,
		models.StateUploaded, models.StateFinishing, models.StateFinishingError,
	}
}

// CompletedStates lists every terminal state.
func CompletedStates() []models.State {
	return []models.State{
		models.StatePreparingFail, models.StateUploadingFail, models.StateFinishingFail,
		models.StateFinished, models.StateModerated, models.StateCancelled,
	}
}
