// Package errors provides structured error types for mdctl.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies specific error conditions
type ErrorCode string

const (
	ErrCodeValidation          ErrorCode = "VALIDATION_ERROR"
	ErrCodeNotSupported        ErrorCode = "NOT_SUPPORTED"
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists       ErrorCode = "ALREADY_EXISTS"
	ErrCodeAlreadyDeploying    ErrorCode = "ALREADY_DEPLOYING"
	ErrCodeParallelLimit       ErrorCode = "PARALLEL_LIMIT"
	ErrCodeQuotaExceeded       ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeControlPlaneMissing ErrorCode = "CONTROL_PLANE_MISSING"
	ErrCodePipelineStatus      ErrorCode = "PIPELINE_STATUS_ERROR"
	ErrCodeStatus              ErrorCode = "STATUS_ERROR"
	ErrCodeInfraFailed         ErrorCode = "INFRA_FAILED"
	ErrCodeTimeout             ErrorCode = "TIMEOUT"
)

// Error is the base error type for mdctl
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	Details map[string]interface{}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new error with the given code and message
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// Wrap creates a new error wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
		Details: make(map[string]interface{}),
	}
}

// WithDetail adds a single detail to an error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ValidationError creates a validation error
func ValidationError(message string, details map[string]interface{}) *Error {
	return &Error{
		Code:    ErrCodeValidation,
		Message: message,
		Details: details,
	}
}

// NotSupported reports a value that is not in the supported set for an axis
// (engine, instance, service, framework or region).
func NotSupported(axis, value string) *Error {
	return &Error{
		Code:    ErrCodeNotSupported,
		Message: fmt.Sprintf("%s %q is not supported", axis, value),
		Details: map[string]interface{}{
			"axis":  axis,
			"value": value,
		},
	}
}

// NotFoundError creates a not found error
func NotFoundError(resourceType, name string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s %q not found", resourceType, name),
		Details: map[string]interface{}{
			"resource_type": resourceType,
			"name":          name,
		},
	}
}

// AlreadyExists reports a deployment whose stack is already present.
func AlreadyExists(stackName string) *Error {
	return &Error{
		Code:    ErrCodeAlreadyExists,
		Message: fmt.Sprintf("stack %q already exists; destroy it before deploying again", stackName),
		Details: map[string]interface{}{"stack_name": stackName},
	}
}

// AlreadyDeploying reports an active pipeline execution for the same key.
func AlreadyDeploying(key, executionID string) *Error {
	return &Error{
		Code:    ErrCodeAlreadyDeploying,
		Message: fmt.Sprintf("%s is already being deployed by execution %s", key, executionID),
		Details: map[string]interface{}{
			"key":          key,
			"execution_id": executionID,
		},
	}
}

// QuotaExceeded reports insufficient service quota for the requested instance.
func QuotaExceeded(instanceType string, limit, used, want float64) *Error {
	return &Error{
		Code: ErrCodeQuotaExceeded,
		Message: fmt.Sprintf("insufficient quota for %s: limit %.0f, in use %.0f, requested %.0f",
			instanceType, limit, used, want),
		Details: map[string]interface{}{
			"instance_type": instanceType,
			"limit":         limit,
			"used":          used,
			"requested":     want,
		},
	}
}

// ControlPlaneMissing reports that the shared bootstrap infrastructure is absent.
func ControlPlaneMissing(stackName string) *Error {
	return &Error{
		Code:    ErrCodeControlPlaneMissing,
		Message: fmt.Sprintf("control plane stack %q not found; run `mdctl bootstrap` first", stackName),
		Details: map[string]interface{}{"stack_name": stackName},
	}
}

// InfraFailed reports a stack in a terminal failed status. The literal status
// is kept in the message for operator diagnosis.
func InfraFailed(stackName, status, reason string) *Error {
	msg := fmt.Sprintf("stack %s entered %s", stackName, status)
	if reason != "" {
		msg += ": " + reason
	}
	return &Error{
		Code:    ErrCodeInfraFailed,
		Message: msg,
		Details: map[string]interface{}{
			"stack_name": stackName,
			"status":     status,
		},
	}
}

// Is checks if the error, or any error it wraps, matches the given code
func Is(err error, code ErrorCode) bool {
	var e *Error
	for err != nil {
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}
