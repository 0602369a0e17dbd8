// ============================================================================
// Store Error Definitions
// ============================================================================
//
// Package: internal/store
// File: errors.go
// Purpose: Sentinel errors for store operations
//
// ErrConflict is the normal outcome of a lost compare-and-swap race and is
// logged at debug level by callers, never treated as a failure.
//
// ============================================================================

package store

import "errors"

var (
	// ErrNotFound indicates the requested workflow or task row does not exist
	ErrNotFound = errors.New("record not found")

	// ErrConflict indicates a conditional update matched no row: the record's
	// current status differs from the expected prior status
	ErrConflict = errors.New("status conflict")
)
