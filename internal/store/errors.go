package store

import (
	"errors"
	"fmt"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type ErrorCode string

const (
	ErrorCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrorCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrorCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrorCodeNotOwned     ErrorCode = "NOT_OWNED"
	ErrorCodeConflict     ErrorCode = "CONFLICT"
)

type StoreError struct {
	Code ErrorCode
	Msg  string
}

func (e *StoreError) Error() string {
	return e.Msg
}

func NewValidationError(format string, args ...any) error {
	return &StoreError{Code: ErrorCodeValidation, Msg: fmt.Sprintf(format, args...)}
}

func NewUnauthorizedError(msg string) error {
	return &StoreError{Code: ErrorCodeUnauthorized, Msg: msg}
}

func NewNotFoundError(format string, args ...any) error {
	return &StoreError{Code: ErrorCodeNotFound, Msg: fmt.Sprintf(format, args...)}
}

func NewNotOwnedError(format string, args ...any) error {
	return &StoreError{Code: ErrorCodeNotOwned, Msg: fmt.Sprintf(format, args...)}
}

func NewConflictError(format string, args ...any) error {
	return &StoreError{Code: ErrorCodeConflict, Msg: fmt.Sprintf(format, args...)}
}

// ErrorCodeOf returns the StoreError code carried by err, or "".
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var se *StoreError
	if !errors.As(err, &se) {
		return ""
	}
	return se.Code
}

func IsValidationError(err error) bool { return ErrorCodeOf(err) == ErrorCodeValidation }

func IsUnauthorized(err error) bool { return ErrorCodeOf(err) == ErrorCodeUnauthorized }

func IsNotFound(err error) bool { return ErrorCodeOf(err) == ErrorCodeNotFound }

func IsNotOwned(err error) bool { return ErrorCodeOf(err) == ErrorCodeNotOwned }

func IsConflict(err error) bool { return ErrorCodeOf(err) == ErrorCodeConflict }

// isConstraintError reports whether err is a SQLite uniqueness or primary
// key violation.
func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
