package task

import (
	"fmt"

	"github.com/dskow/taskrouter/internal/apierror"
)

// Validate checks that t is well formed and that its input variant matches
// its declared type. The returned error is always an INVALID_INPUT
// *apierror.Error so callers can hand it straight back in a Result.
func Validate(t *Task) *apierror.Error {
	if t == nil {
		return apierror.New(apierror.InvalidInput, "task is nil")
	}
	if t.ID == "" {
		return apierror.New(apierror.InvalidInput, "task id is required")
	}
	if t.TenantID == "" {
		return apierror.New(apierror.InvalidInput, "tenant id is required")
	}
	if !t.Type.Valid() {
		return apierror.Newf(apierror.InvalidInput, "unknown task type %q", t.Type)
	}
	if t.Input == nil {
		return apierror.Newf(apierror.InvalidInput, "input is required for task type %q", t.Type)
	}
	if k := t.Input.Kind(); k != t.Type {
		return apierror.Newf(apierror.InvalidInput, "input of kind %q does not match task type %q", k, t.Type)
	}
	if err := t.Input.Validate(); err != nil {
		return apierror.New(apierror.InvalidInput, fmt.Sprintf("%s input: %v", t.Type, err))
	}
	if o := t.Options; o != nil {
		if o.TimeoutMs < 0 {
			return apierror.New(apierror.InvalidInput, "options.timeout_ms must be non-negative")
		}
		if o.Retries < 0 {
			return apierror.New(apierror.InvalidInput, "options.retries must be non-negative")
		}
		switch o.Priority {
		case "", PriorityLow, PriorityNormal, PriorityHigh:
		default:
			return apierror.Newf(apierror.InvalidInput, "options.priority %q is not one of low, normal, high", o.Priority)
		}
	}
	return nil
}
