// Package kerr provides the kernel's structured error taxonomy.
//
// Every failed operation surfaces as an *Error carrying a machine-readable
// code, a category, and a retriability hint. Categories partition failures by
// what a caller can do about them: validation and permission errors never
// succeed on retry, resource errors often do once external state changes,
// execution timeouts are retriable, and system errors are retriable by
// default.
package kerr

import (
	"errors"
	"fmt"
)

// Category partitions error codes by caller remediation.
type Category string

const (
	// CategoryValidation marks bad or missing arguments.
	CategoryValidation Category = "validation"
	// CategoryPermission marks authorization failures.
	CategoryPermission Category = "permission"
	// CategoryResource marks missing, conflicting, or exhausted resources.
	CategoryResource Category = "resource"
	// CategoryExecution marks failures inside sandboxed artifact code.
	CategoryExecution Category = "execution"
	// CategorySystem marks internal kernel faults.
	CategorySystem Category = "system"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Validation errors
	CodeArgumentMissing    Code = "ARGUMENT_MISSING"
	CodeArgumentInvalid    Code = "ARGUMENT_INVALID"
	CodeIntentKindUnknown  Code = "INTENT_KIND_UNKNOWN"
	CodeContractIDRequired Code = "ACCESS_CONTRACT_ID_REQUIRED"
	CodeEditNoOp           Code = "EDIT_NO_OP"

	// Permission errors
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodeNotController     Code = "NOT_CONTROLLER"
	CodeKernelProtected   Code = "KERNEL_PROTECTED"
	CodeCallerUnverified  Code = "CALLER_UNVERIFIED"
	CodeDelegationRefused Code = "DELEGATION_REFUSED"

	// Resource errors
	CodeNotFound            Code = "NOT_FOUND"
	CodeAlreadyExists       Code = "ALREADY_EXISTS"
	CodeArtifactDeleted     Code = "ARTIFACT_DELETED"
	CodeInsufficientScrip   Code = "INSUFFICIENT_SCRIP"
	CodeQuotaExceeded       Code = "QUOTA_EXCEEDED"
	CodeEditTargetMissing   Code = "EDIT_TARGET_MISSING"
	CodeEditTargetAmbiguous Code = "EDIT_TARGET_AMBIGUOUS"
	CodeListingActive       Code = "LISTING_ALREADY_ACTIVE"
	CodeBidWindowClosed     Code = "BID_WINDOW_CLOSED"
	CodeDuplicateContent    Code = "DUPLICATE_CONTENT"

	// Execution errors
	CodeExecutionTimeout Code = "EXECUTION_TIMEOUT"
	CodeExecutionFailed  Code = "EXECUTION_FAILED"
	CodeNotExecutable    Code = "NOT_EXECUTABLE"
	CodeMethodUnknown    Code = "METHOD_UNKNOWN"

	// System errors
	CodeInternal           Code = "INTERNAL"
	CodeSettlementReversed Code = "SETTLEMENT_REVERSED"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
)

// categories maps each code to its category. Codes absent from the map fall
// back to CategorySystem.
var categories = map[Code]Category{
	CodeArgumentMissing:    CategoryValidation,
	CodeArgumentInvalid:    CategoryValidation,
	CodeIntentKindUnknown:  CategoryValidation,
	CodeContractIDRequired: CategoryValidation,
	CodeEditNoOp:           CategoryValidation,

	CodePermissionDenied:  CategoryPermission,
	CodeNotController:     CategoryPermission,
	CodeKernelProtected:   CategoryPermission,
	CodeCallerUnverified:  CategoryPermission,
	CodeDelegationRefused: CategoryPermission,

	CodeNotFound:            CategoryResource,
	CodeAlreadyExists:       CategoryResource,
	CodeArtifactDeleted:     CategoryResource,
	CodeInsufficientScrip:   CategoryResource,
	CodeQuotaExceeded:       CategoryResource,
	CodeEditTargetMissing:   CategoryResource,
	CodeEditTargetAmbiguous: CategoryResource,
	CodeListingActive:       CategoryResource,
	CodeBidWindowClosed:     CategoryResource,
	CodeDuplicateContent:    CategoryResource,

	CodeExecutionTimeout: CategoryExecution,
	CodeExecutionFailed:  CategoryExecution,
	CodeNotExecutable:    CategoryExecution,
	CodeMethodUnknown:    CategoryExecution,

	CodeInternal:           CategorySystem,
	CodeSettlementReversed: CategorySystem,
	CodeStorageUnavailable: CategorySystem,
}

// retriable lists resource and execution codes that may succeed on retry.
// Validation and permission codes are never retriable; system codes are
// retriable by default.
var retriable = map[Code]bool{
	CodeInsufficientScrip:  true,
	CodeQuotaExceeded:      true,
	CodeBidWindowClosed:    true,
	CodeListingActive:      true,
	CodeExecutionTimeout:   true,
	CodeInternal:           true,
	CodeSettlementReversed: true,
	CodeStorageUnavailable: true,
}

// Error is a structured kernel error.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	wrapped error
}

// New returns a structured error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf returns a structured error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a structured error wrapping cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, wrapped: cause}
}

// WithDetails attaches structured detail fields and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is chains.
func (e *Error) Unwrap() error {
	return e.wrapped
}

// Category returns the error's taxonomy category.
func (e *Error) Category() Category {
	return CategoryOf(e.Code)
}

// Retriable reports whether retrying the operation may succeed.
func (e *Error) Retriable() bool {
	return retriable[e.Code]
}

// CategoryOf returns the category for a code, defaulting to system.
func CategoryOf(code Code) Category {
	if category, ok := categories[code]; ok {
		return category
	}
	return CategorySystem
}

// CodeOf extracts the code from an error chain, or CodeUnknown.
func CodeOf(err error) Code {
	var kernelErr *Error
	if errors.As(err, &kernelErr) {
		return kernelErr.Code
	}
	return CodeUnknown
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
