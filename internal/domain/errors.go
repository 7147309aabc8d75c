package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInputValidation marks out-of-range or non-finite assessment inputs.
	ErrInputValidation = errors.New("input validation failed")

	// ErrIndexPersistence marks a failed write or load of the fingerprint store.
	ErrIndexPersistence = errors.New("fingerprint index persistence failed")
)

// Pipeline stage names used in errors, spans and metrics.
const (
	StageValidate   = "validate"
	StageDedup      = "dedup"
	StageFeatures   = "features"
	StageClassify   = "classify"
	StageHeuristic  = "heuristic"
	StageFusion     = "fusion"
	StageRules      = "rules"
	StageExplain    = "explain"
	StageIndexLoad  = "index_load"
	StageIndexWrite = "index_write"
)

// InputValidationError reports which field of which claim was rejected.
type InputValidationError struct {
	ClaimID string
	Stage   string
	Field   string
	Err     error
}

func (e *InputValidationError) Error() string {
	return fmt.Sprintf("claim %q: %s: invalid %s: %v", e.ClaimID, e.Stage, e.Field, e.Err)
}

func (e *InputValidationError) Unwrap() error { return e.Err }

func (e *InputValidationError) Is(target error) bool { return target == ErrInputValidation }

// IndexPersistenceError reports a fingerprint store failure.
type IndexPersistenceError struct {
	ClaimID string
	Stage   string
	Err     error
}

func (e *IndexPersistenceError) Error() string {
	if e.ClaimID == "" {
		return fmt.Sprintf("fingerprint index %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("claim %q: fingerprint index %s: %v", e.ClaimID, e.Stage, e.Err)
}

func (e *IndexPersistenceError) Unwrap() error { return e.Err }

func (e *IndexPersistenceError) Is(target error) bool { return target == ErrIndexPersistence }

// StageError wraps any other stage failure with the claim it belongs to.
type StageError struct {
	ClaimID string
	Stage   string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("claim %q: %s: %v", e.ClaimID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
