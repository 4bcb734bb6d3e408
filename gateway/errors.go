// Copyright 2025 WorkflowAI
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a provider failure into the normalized taxonomy shared
// by all adapters. Provider APIs rarely expose machine-readable codes, so
// adapters map their heterogeneous error payloads onto these values, usually
// via case-insensitive substring matching on the error message.
type ErrorCode string

const (
	// ErrCodeMaxTokensExceeded means generation was truncated by the length
	// limit. Not retryable: the same request will always truncate.
	ErrCodeMaxTokensExceeded ErrorCode = "max_tokens_exceeded"

	// ErrCodeContentModeration means the model or provider refused the
	// request on safety grounds.
	ErrCodeContentModeration ErrorCode = "content_moderation"

	// ErrCodeFailedGeneration means the model produced no usable content and
	// no tool call.
	ErrCodeFailedGeneration ErrorCode = "failed_generation"

	// ErrCodeModelDoesNotSupportMode means the requested capability (tool
	// calling, a given file type) is unsupported by the model/provider pair.
	ErrCodeModelDoesNotSupportMode ErrorCode = "model_does_not_support_mode"

	// ErrCodeProviderBadRequest means the provider rejected the request as
	// malformed. Not retryable without changing the request.
	ErrCodeProviderBadRequest ErrorCode = "provider_bad_request"

	// ErrCodeProviderInternal means a provider-side fault (5xx, overload).
	// Retryable with backoff and a bounded attempt count.
	ErrCodeProviderInternal ErrorCode = "provider_internal_error"

	// ErrCodeUnknownProvider is the fallback for unclassified error text.
	// Treated as retryable since transient faults dominate this bucket.
	ErrCodeUnknownProvider ErrorCode = "unknown_provider_error"

	// ErrCodeInvalidRunOptions means caller-side misconfiguration (e.g. a
	// file attached to a system message). Fails fast, never retried.
	ErrCodeInvalidRunOptions ErrorCode = "invalid_run_options"

	// ErrCodeMissingCache means a cache-mode "only" run found no cached
	// entry. Raised by the runner before any provider call is issued.
	ErrCodeMissingCache ErrorCode = "missing_cache"
)

// Error is the normalized provider error. Adapters raise it, the transport
// decides retry vs. propagate from Retryable and MaxAttempts, and the runner
// attaches run context before surfacing it to the caller.
type Error struct {
	// Provider is the provider that produced the error, empty for
	// caller-side errors raised before a provider was selected.
	Provider Provider `json:"provider,omitempty"`

	// Code is the normalized classification.
	Code ErrorCode `json:"code"`

	// Message is the human-readable description, typically the provider's
	// own error text.
	Message string `json:"message"`

	// StatusCode is the upstream HTTP status, when applicable.
	StatusCode int `json:"status_code,omitempty"`

	// Retryable indicates whether the transport may retry the request
	// unchanged.
	Retryable bool `json:"retryable"`

	// MaxAttempts is the total attempt budget for retryable errors.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// Cause is the underlying error, if any.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	p := string(e.Provider)
	if p == "" {
		p = "gateway"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d, code %s): %s", p, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error (code %s): %s", p, e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Cause }

// WithStatus sets the upstream HTTP status code.
func (e *Error) WithStatus(status int) *Error {
	e.StatusCode = status
	return e
}

// WithCause sets the underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// NewError creates a normalized error, deriving retryability and the attempt
// budget from the code.
func NewError(provider Provider, code ErrorCode, message string) *Error {
	return &Error{
		Provider:    provider,
		Code:        code,
		Message:     message,
		Retryable:   isRetryableCode(code),
		MaxAttempts: maxAttemptsForCode(code),
	}
}

// isRetryableCode determines if an error code is retryable.
func isRetryableCode(code ErrorCode) bool {
	switch code {
	case ErrCodeProviderInternal, ErrCodeUnknownProvider:
		return true
	default:
		return false
	}
}

// maxAttemptsForCode returns the total attempt budget for a code.
// Non-retryable codes get a budget of 1 (the attempt that already happened).
func maxAttemptsForCode(code ErrorCode) int {
	switch code {
	case ErrCodeProviderInternal:
		return 4
	case ErrCodeUnknownProvider:
		return 2
	default:
		return 1
	}
}

// asGatewayError is errors.As with the target pre-typed, shared by the
// transport's classification paths.
func asGatewayError(err error, target **Error) bool {
	return errors.As(err, target)
}

// IsRetryable reports whether err is a gateway error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CodeOf returns the normalized code of err, or ErrCodeUnknownProvider when
// err is not a gateway error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeUnknownProvider
}
