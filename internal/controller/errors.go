// ============================================================================
// Controller Errors
// ============================================================================
//
// Package: internal/controller
// File: errors.go
// Purpose: Sentinel errors for the failure kinds spec.md §7 names, in the
// teacher's internal/storage/wal/errors.go style - plain package-level
// errors.New values, wrapped with fmt.Errorf("...: %w", err) at the call
// site for position/name context.
//
// ============================================================================

package controller

import "errors"

var (
	// ErrRecoveryFailed indicates a snapshot exists but its position
	// could not be located in the log during STARTING.
	ErrRecoveryFailed = errors.New("controller: snapshot position not found in log")
	// ErrReprocessingMissingSource indicates the reader was exhausted
	// before reaching lastSourceEventPosition, or a record past it
	// appeared first.
	ErrReprocessingMissingSource = errors.New("controller: reprocessing exhausted log before reaching last source event")
	// ErrHandlerFailed wraps an error returned by the user-supplied
	// StreamProcessor or EventProcessor in any phase.
	ErrHandlerFailed = errors.New("controller: handler error")
	// ErrWriteRetriesExhausted is returned only when Config.MaxWriteRetries
	// is nonzero and phase 3 never succeeds within that many attempts.
	ErrWriteRetriesExhausted = errors.New("controller: write retries exhausted")
	// ErrClosed is returned by operations attempted after Close.
	ErrClosed = errors.New("controller: closed")
	// ErrFailed is returned by operations attempted after the
	// controller has transitioned to FAILED.
	ErrFailed = errors.New("controller: controller has failed")
	// ErrAlreadyOpen is returned by Open when called more than once.
	ErrAlreadyOpen = errors.New("controller: already open")
)
