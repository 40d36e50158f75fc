// Package errors provides the typed errors shared by the devloop components.
//
// Errors are grouped by the component that produced them. Only startup
// failures are fatal; build, request and child-process errors are logged
// where they happen and never tear the process down.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeBuild      ErrorType = "build"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeServer     ErrorType = "server"
	ErrorTypeProcess    ErrorType = "process"
	ErrorTypeProxy      ErrorType = "proxy"
	ErrorTypeInternal   ErrorType = "internal"
)

// Codes used across packages.
const (
	CodeNoSources      = "BUILD_NO_SOURCES"
	CodeCompileFailed  = "BUILD_COMPILE_FAILED"
	CodeInvalidCommand = "INVALID_COMMAND"
	CodeInvalidConfig  = "CONFIG_INVALID"
	CodeListenFailed   = "SERVER_LISTEN_FAILED"
	CodeRenderFailed   = "SERVER_RENDER_FAILED"
	CodeSpawnFailed    = "PROCESS_SPAWN_FAILED"
	CodeStageFailed    = "PIPELINE_STAGE_FAILED"
)

// DevError is a structured error type with context.
type DevError struct {
	Type    ErrorType
	Code    string
	Op      string
	Message string
	Cause   error
	Fatal   bool
}

// Error implements the error interface.
func (e *DevError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}
	if e.Op != "" {
		parts = append(parts, e.Op+":")
	}
	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")
	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *DevError) Unwrap() error {
	return e.Cause
}

// Is matches on type and code so sentinel-style comparisons work.
func (e *DevError) Is(target error) bool {
	var t *DevError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithOp records the operation that failed.
func (e *DevError) WithOp(op string) *DevError {
	e.Op = op

	return e
}

// NewBuildError creates a build error. Build errors are never fatal.
func NewBuildError(code, message string, cause error) *DevError {
	return &DevError{
		Type:    ErrorTypeBuild,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(message string, cause error) *DevError {
	return &DevError{
		Type:    ErrorTypeConfig,
		Code:    CodeInvalidConfig,
		Message: message,
		Cause:   cause,
		Fatal:   true,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *DevError {
	return &DevError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: message,
	}
}

// NewServerError creates a server error. Listen failures are fatal.
func NewServerError(code, message string, cause error) *DevError {
	return &DevError{
		Type:    ErrorTypeServer,
		Code:    code,
		Message: message,
		Cause:   cause,
		Fatal:   code == CodeListenFailed,
	}
}

// NewProcessError creates a child-process error.
func NewProcessError(code, message string, cause error) *DevError {
	return &DevError{
		Type:    ErrorTypeProcess,
		Code:    code,
		Message: message,
		Cause:   cause,
		Fatal:   code == CodeSpawnFailed,
	}
}

// NewProxyError creates a proxy error.
func NewProxyError(code, message string, cause error) *DevError {
	return &DevError{
		Type:    ErrorTypeProxy,
		Code:    code,
		Message: message,
		Cause:   cause,
		Fatal:   code == CodeListenFailed,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *DevError {
	return &DevError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
		Fatal:   true,
	}
}

// IsFatal reports whether err should terminate the process.
func IsFatal(err error) bool {
	var de *DevError
	if errors.As(err, &de) {
		return de.Fatal
	}

	return false
}

// IsBuildError checks if an error is build-related.
func IsBuildError(err error) bool {
	return GetType(err) == ErrorTypeBuild
}

// GetType returns the category of err, or ErrorTypeInternal for foreign errors.
func GetType(err error) ErrorType {
	var de *DevError
	if errors.As(err, &de) {
		return de.Type
	}

	return ErrorTypeInternal
}

// Wrap adds context to an existing error while keeping it inspectable.
func Wrap(err error, errType ErrorType, code, message string) error {
	if err == nil {
		return nil
	}

	fatal := false
	var de *DevError
	if errors.As(err, &de) {
		fatal = de.Fatal
	}

	return &DevError{
		Type:    errType,
		Code:    code,
		Message: message,
		Cause:   err,
		Fatal:   fatal,
	}
}

// HasCode reports whether any DevError in err's chain has the given code.
func HasCode(err error, code string) bool {
	var de *DevError
	for errors.As(err, &de) {
		if de.Code == code {
			return true
		}
		err = de.Cause
	}

	return false
}
