package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Error taxonomy. Typed errors below match these sentinels through errors.Is.
var (
	ErrConfiguration      = errors.New("invalid source configuration")
	ErrConcurrency        = errors.New("sync already running for user")
	ErrAdapter            = errors.New("adapter failure")
	ErrPersistence        = errors.New("persistence failure")
	ErrNotFound           = errors.New("not found")
	ErrRunNotReconcilable = errors.New("sync run is not reconcilable")
	ErrAlreadyReconciled  = errors.New("sync run already reconciled")
)

// ValidationError reports an invalid source type or incomplete config.
type ValidationError struct {
	Field   string
	Reason  string
	Missing []string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%s: missing required keys: %s", e.Field, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrConfiguration }

// ConcurrencyError is returned when the per-user run limit is reached.
type ConcurrencyError struct {
	UserID      int64
	ActiveRunID uuid.UUID
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("user %d: sync run %s is still active", e.UserID, e.ActiveRunID)
}

func (e *ConcurrencyError) Is(target error) bool { return target == ErrConcurrency }

// PersistenceError wraps a database failure. It is fatal to the run it occurs in.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Persist wraps err as a PersistenceError unless it is nil or already one.
func Persist(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistence) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
