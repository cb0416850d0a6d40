package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/combodevy/question-site/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// ConflictError reports a save whose claimed version is not the stored one.
type ConflictError struct {
	ServerVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: server is at version %d", e.ServerVersion)
}

// StorageError wraps a storage fault. Err is logged but never sent to
// clients; Detail is the part that is.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Detail names the failed operation and, when the database reported one,
// its SQLSTATE.
func (e *StorageError) Detail() string {
	if code := store.SQLState(e.Err); code != "" {
		return fmt.Sprintf("%s failed (SQLSTATE %s)", e.Op, code)
	}
	if errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, context.DeadlineExceeded) {
		return fmt.Sprintf("%s canceled", e.Op)
	}
	return fmt.Sprintf("%s failed", e.Op)
}
