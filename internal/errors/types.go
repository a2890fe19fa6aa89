// Package errors defines the structured error type shared by every kiln task
// and the helpers that classify it.
//
// Transform errors (bad stylesheet syntax, a script that fails to transpile,
// a template that fails to render) are recoverable: the watch loop logs them
// and keeps running. I/O, clean and configuration errors are not.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeTransform  ErrorType = "transform"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeClean      ErrorType = "clean"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeInternal   ErrorType = "internal"
)

// KilnError is a structured error type with context.
type KilnError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	Task        string
	FilePath    string
	Line        int
	Column      int
	Recoverable bool
}

// Error implements the error interface.
func (e *KilnError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Task != "" {
		parts = append(parts, "task:"+e.Task)
	}

	if e.FilePath != "" {
		location := e.FilePath
		if e.Line > 0 {
			location += fmt.Sprintf(":%d", e.Line)
			if e.Column > 0 {
				location += fmt.Sprintf(":%d", e.Column)
			}
		}
		parts = append(parts, location)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *KilnError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *KilnError) Is(target error) bool {
	var t *KilnError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *KilnError) WithContext(key string, value interface{}) *KilnError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithLocation adds file location information.
func (e *KilnError) WithLocation(filePath string, line, column int) *KilnError {
	e.FilePath = filePath
	e.Line = line
	e.Column = column

	return e
}

// WithTask records the task that produced the error.
func (e *KilnError) WithTask(task string) *KilnError {
	e.Task = task

	return e
}

// Error creation functions

// NewTransformError creates a recoverable transform error.
func NewTransformError(code, message string, cause error) *KilnError {
	return &KilnError{
		Type:        ErrorTypeTransform,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *KilnError {
	return &KilnError{
		Type:        ErrorTypeIO,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewCleanError creates an error for a failed output deletion.
func NewCleanError(message string, cause error) *KilnError {
	return &KilnError{
		Type:        ErrorTypeClean,
		Code:        ErrCodeCleanFailed,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *KilnError {
	return &KilnError{
		Type:        ErrorTypeConfig,
		Code:        code,
		Message:     message,
		Recoverable: false,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *KilnError {
	return &KilnError{
		Type:        ErrorTypeValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *KilnError {
	return &KilnError{
		Type:        ErrorTypeInternal,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// IsRecoverable checks if an error is recoverable. Joined errors are
// recoverable only when every member is.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}

	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs := joined.Unwrap()
		if len(errs) == 0 {
			return false
		}
		for _, e := range errs {
			if !IsRecoverable(e) {
				return false
			}
		}
		return true
	}

	var ke *KilnError
	if errors.As(err, &ke) {
		return ke.Recoverable
	}

	return false
}

// IsTransformError checks if an error came from a transform stage.
func IsTransformError(err error) bool {
	var ke *KilnError
	if errors.As(err, &ke) {
		return ke.Type == ErrorTypeTransform
	}

	return false
}

// IsIOError checks if an error is a file-system error.
func IsIOError(err error) bool {
	var ke *KilnError
	if errors.As(err, &ke) {
		return ke.Type == ErrorTypeIO
	}

	return false
}

// ErrorHandler provides centralized error handling.
type ErrorHandler struct {
	logger Logger
}

// Logger interface for error logging.
type Logger interface {
	Error(ctx context.Context, err error, msg string, fields ...interface{})
	Warn(ctx context.Context, err error, msg string, fields ...interface{})
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Handle logs err at a level matching its type. It reports whether the
// caller may keep going.
func (h *ErrorHandler) Handle(ctx context.Context, err error) bool {
	if err == nil {
		return true
	}

	var ke *KilnError
	if errors.As(err, &ke) {
		h.handleKilnError(ctx, ke)
	} else if h.logger != nil {
		h.logger.Error(ctx, err, "Unhandled error occurred")
	}

	return IsRecoverable(err)
}

func (h *ErrorHandler) handleKilnError(ctx context.Context, err *KilnError) {
	if h.logger == nil {
		return
	}

	switch err.Type {
	case ErrorTypeTransform, ErrorTypeValidation:
		h.logger.Warn(ctx, err, "Task failed, waiting for the next change",
			"type", err.Type,
			"code", err.Code,
			"task", err.Task,
			"file", err.FilePath)
	default:
		h.logger.Error(ctx, err, "Error occurred",
			"type", err.Type,
			"code", err.Code,
			"task", err.Task)
	}
}

// Common error codes.
const (
	ErrCodeInvalidPath      = "ERR_INVALID_PATH"
	ErrCodePathTraversal    = "ERR_PATH_TRAVERSAL"
	ErrCodeTaskNotFound     = "ERR_TASK_NOT_FOUND"
	ErrCodeDuplicateTask    = "ERR_DUPLICATE_TASK"
	ErrCodeStyleCompile     = "ERR_STYLE_COMPILE"
	ErrCodeStyleParse       = "ERR_STYLE_PARSE"
	ErrCodeScriptTranspile  = "ERR_SCRIPT_TRANSPILE"
	ErrCodeMinify           = "ERR_MINIFY"
	ErrCodeTemplateRender   = "ERR_TEMPLATE_RENDER"
	ErrCodeImageEncode      = "ERR_IMAGE_ENCODE"
	ErrCodeCleanFailed      = "ERR_CLEAN_FAILED"
	ErrCodeConfigInvalid    = "ERR_CONFIG_INVALID"
	ErrCodeFileNotFound     = "ERR_FILE_NOT_FOUND"
	ErrCodeReadFailed       = "ERR_READ_FAILED"
	ErrCodeWriteFailed      = "ERR_WRITE_FAILED"
	ErrCodeListenFailed     = "ERR_LISTEN_FAILED"
	ErrCodeInternalError    = "ERR_INTERNAL"
	ErrCodeValidationFailed = "ERR_VALIDATION_FAILED"
)

// ValidationErrorCollection collects field-level problems found while
// validating configuration.
type ValidationErrorCollection struct {
	Errors []*FieldValidationError
}

// FieldValidationError describes one invalid configuration field.
type FieldValidationError struct {
	FieldName    string
	FieldValue   interface{}
	ErrorMessage string
}

// Error implements the error interface.
func (fve *FieldValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", fve.FieldName, fve.ErrorMessage)
}

// Error implements the error interface.
func (vec *ValidationErrorCollection) Error() string {
	if len(vec.Errors) == 0 {
		return "no validation errors"
	}
	if len(vec.Errors) == 1 {
		return vec.Errors[0].Error()
	}

	msgs := make([]string, 0, len(vec.Errors))
	for _, e := range vec.Errors {
		msgs = append(msgs, e.Error())
	}
	return fmt.Sprintf("validation failed with %d errors: %s", len(vec.Errors), strings.Join(msgs, "; "))
}

// AddField adds a field validation error to the collection.
func (vec *ValidationErrorCollection) AddField(field string, value interface{}, message string) {
	vec.Errors = append(vec.Errors, &FieldValidationError{
		FieldName:    field,
		FieldValue:   value,
		ErrorMessage: message,
	})
}

// HasErrors returns true if there are any validation errors.
func (vec *ValidationErrorCollection) HasErrors() bool {
	return len(vec.Errors) > 0
}

// ToKilnError converts the collection to a config error, or nil when empty.
func (vec *ValidationErrorCollection) ToKilnError() *KilnError {
	if !vec.HasErrors() {
		return nil
	}

	ctx := make(map[string]interface{}, len(vec.Errors))
	for _, e := range vec.Errors {
		ctx[e.FieldName] = e.FieldValue
	}

	return &KilnError{
		Type:    ErrorTypeConfig,
		Code:    ErrCodeConfigInvalid,
		Message: vec.Error(),
		Context: ctx,
	}
}

// Helper functions for common errors

// ErrInvalidPath creates a path validation error.
func ErrInvalidPath(path string) *KilnError {
	return NewValidationError(ErrCodeInvalidPath, "invalid path: "+path)
}

// ErrTaskNotFound reports an unknown task name.
func ErrTaskNotFound(name string, known []string) *KilnError {
	return NewValidationError(
		ErrCodeTaskNotFound,
		fmt.Sprintf("task %q is not defined (known tasks: %s)", name, strings.Join(known, ", ")),
	)
}

// ErrFileNotFound creates a missing-source error.
func ErrFileNotFound(path string, cause error) *KilnError {
	return NewIOError(ErrCodeFileNotFound, "source not found", cause).WithLocation(path, 0, 0)
}
