package model

import (
	"errors"
	"fmt"
)

// Error codes shared by every component.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeTransientExternal = "TRANSIENT_EXTERNAL"
	CodePersistence       = "PERSISTENCE_ERROR"
)

// AppError is the error type surfaced to callers of the moderation core.
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewValidationError(message string) *AppError {
	return &AppError{Code: CodeValidation, Message: message}
}

// NewAuthorizationError carries a reason that can be shown to the actor.
func NewAuthorizationError(reason string) *AppError {
	return &AppError{Code: CodeUnauthorized, Message: reason}
}

func NewTransientError(message string, err error) *AppError {
	return &AppError{Code: CodeTransientExternal, Message: message, Err: err}
}

func NewPersistenceError(message string, err error) *AppError {
	return &AppError{Code: CodePersistence, Message: message, Err: err}
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

func IsValidation(err error) bool    { return hasCode(err, CodeValidation) }
func IsAuthorization(err error) bool { return hasCode(err, CodeUnauthorized) }
func IsTransient(err error) bool     { return hasCode(err, CodeTransientExternal) }
func IsPersistence(err error) bool   { return hasCode(err, CodePersistence) }
