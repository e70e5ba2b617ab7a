package domain

import (
	"errors"

	"github.com/agoraverse/agora/internal/kerr"
)

// Result is the outcome of dispatching one intent. Absent optional fields
// are omitted on the wire, never null.
type Result struct {
	Success           bool               `json:"success"`
	Message           string             `json:"message"`
	Data              map[string]any     `json:"data,omitempty"`
	ResourcesConsumed map[string]float64 `json:"resources_consumed,omitempty"`
	ChargedTo         string             `json:"charged_to,omitempty"`
	ErrorCode         string             `json:"error_code,omitempty"`
	ErrorCategory     string             `json:"error_category,omitempty"`
	Retriable         *bool              `json:"retriable,omitempty"`
	ErrorDetails      map[string]any     `json:"error_details,omitempty"`
}

// OK returns a successful result.
func OK(message string) Result {
	return Result{Success: true, Message: message}
}

// OKData returns a successful result carrying data.
func OKData(message string, data map[string]any) Result {
	return Result{Success: true, Message: message, Data: data}
}

// Failure converts an error into a failed result using the kernel taxonomy.
// Plain errors map to the system category with an unknown code.
func Failure(err error) Result {
	if err == nil {
		return Result{Success: false, Message: "unknown failure"}
	}
	code := kerr.CodeOf(err)
	category := kerr.CategoryOf(code)
	result := Result{
		Success:       false,
		Message:       err.Error(),
		ErrorCode:     string(code),
		ErrorCategory: string(category),
	}
	var kernelErr *kerr.Error
	if errors.As(err, &kernelErr) {
		retriable := kernelErr.Retriable()
		result.Retriable = &retriable
		if len(kernelErr.Details) > 0 {
			result.ErrorDetails = kernelErr.Details
		}
		result.Message = kernelErr.Message
	}
	return result
}

// WithData attaches data to a copy of the result.
func (r Result) WithData(data map[string]any) Result {
	r.Data = data
	return r
}

// WithConsumed attaches resource consumption to a copy of the result.
func (r Result) WithConsumed(consumed map[string]float64) Result {
	r.ResourcesConsumed = consumed
	return r
}
