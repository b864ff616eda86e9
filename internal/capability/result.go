package capability

import (
	"encoding/json"
	"fmt"

	xerrors "theta-agents/internal/errors"
)

// Failure is the structured error value carried by a failed Result.
type Failure struct {
	Code          xerrors.Code      `json:"code"`
	Category      xerrors.Category  `json:"category"`
	Message       string            `json:"message"`
	Indeterminate bool              `json:"indeterminate,omitempty"`
	Retryable     bool              `json:"retryable,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Result is what every capability invocation returns. It is never a fault:
// failures are values so that they can be fed back to the model.
type Result struct {
	Capability string   `json:"capability"`
	Value      any      `json:"value,omitempty"`
	Failure    *Failure `json:"error,omitempty"`

	err error
}

// Succeeded builds a successful Result.
func Succeeded(name string, value any) Result {
	return Result{Capability: name, Value: value}
}

// Failed builds a failed Result from any error.
func Failed(name string, err error) Result {
	if err == nil {
		err = xerrors.New(xerrors.CodeUnknown, "")
	}
	failure := &Failure{
		Code:          xerrors.CodeOf(err),
		Category:      xerrors.CategoryOf(err),
		Message:       err.Error(),
		Indeterminate: xerrors.IsIndeterminate(err),
		Retryable:     xerrors.RetryableError(err),
	}
	if coded, ok := xerrors.From(err); ok {
		failure.Metadata = coded.Metadata()
	}
	return Result{Capability: name, Failure: failure, err: err}
}

// FailedWith builds a failed Result that still carries a partial value, for
// workflows that report which stages completed.
func FailedWith(name string, value any, err error) Result {
	res := Failed(name, err)
	res.Value = value
	return res
}

// OK reports whether the invocation succeeded.
func (r Result) OK() bool { return r.Failure == nil }

// Err returns the underlying error of a failed Result.
func (r Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	if r.err != nil {
		return r.err
	}
	return xerrors.New(r.Failure.Code, r.Failure.Message)
}

// Content renders the Result as conversation content for the model.
func (r Result) Content() string {
	if r.Failure == nil {
		if s, ok := r.Value.(string); ok {
			return s
		}
	}
	encoded, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return string(encoded)
}
