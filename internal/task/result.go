package task

import (
	"encoding/json"
	"time"

	"github.com/dskow/taskrouter/internal/apierror"
)

// Result is the outcome of executing a Task. Success implies Data is set and
// Error is nil; failure implies the reverse. Use Succeeded and Failed to
// build one.
type Result struct {
	Success          bool            `json:"success"`
	Provider         string          `json:"provider"`
	TaskID           string          `json:"task_id"`
	Data             Data            `json:"-"`
	ExecutionTimeMs  int64           `json:"execution_time_ms"`
	Error            *apierror.Error `json:"error,omitempty"`
	UsedFallback     bool            `json:"used_fallback,omitempty"`
	OriginalProvider string          `json:"original_provider,omitempty"`
}

// Succeeded builds a successful result.
func Succeeded(taskID, provider string, data Data, elapsed time.Duration) Result {
	return Result{
		Success:         true,
		Provider:        provider,
		TaskID:          taskID,
		Data:            data,
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
}

// Failed builds a failed result.
func Failed(taskID, provider string, err *apierror.Error, elapsed time.Duration) Result {
	if err == nil {
		err = apierror.New(apierror.Unknown, "failure without error detail")
	}
	return Result{
		Success:         false,
		Provider:        provider,
		TaskID:          taskID,
		Error:           err,
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
}

// ErrorCode returns the failure code, or "" for a success.
func (r Result) ErrorCode() apierror.ErrorCode {
	if r.Error == nil {
		return ""
	}
	return r.Error.Code
}

// MarshalJSON adds a data_type discriminant next to the data payload.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	out := struct {
		plain
		DataType Type `json:"data_type,omitempty"`
		Data     Data `json:"data,omitempty"`
	}{plain: plain(r)}
	if r.Data != nil {
		out.DataType = r.Data.Kind()
		out.Data = r.Data
	}
	return json.Marshal(out)
}
