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
	"io"
	"net/http"
)

// ProviderAdapter is the uniform per-vendor translation contract. One
// implementation exists per provider; the registry selects it by Provider
// value, so dispatch is a closed map lookup rather than runtime type probing.
//
// Implementations must be safe for concurrent use: all per-call state lives
// in the arguments (notably the ToolCallRequestBuffer threaded through
// streaming). The only mutable adapter state is the health flag, guarded by
// its own lock.
type ProviderAdapter interface {
	// Name returns the configured instance name, used for logging and
	// metrics. Example: "openai-primary".
	Name() string

	// Type returns the provider this adapter implements.
	Type() Provider

	// BuildRequest maps messages and options to the provider's request body.
	// It enforces the single-system-message rule (multiple system messages
	// are concatenated with a logged warning), serializes files according to
	// provider capability, and substitutes per-model max-token defaults when
	// the provider requires a bound and none was configured.
	BuildRequest(messages []Message, opts ProviderOptions, stream bool) ([]byte, error)

	// RequestURL resolves the endpoint for the model, including the
	// streaming vs non-streaming suffix where the provider distinguishes.
	RequestURL(opts ProviderOptions, stream bool) (string, error)

	// SignRequest applies provider auth to the outgoing request: an API key
	// header for most providers, a computed SigV4 signature for Bedrock.
	// body is the exact request payload being sent.
	SignRequest(req *http.Request, body []byte) error

	// ParseCompletion decodes a non-streaming 2xx response body into the
	// normalized form. It raises classified errors on truncation
	// (max_tokens_exceeded), refusal (content_moderation), or missing
	// content with no tool call (failed_generation).
	ParseCompletion(body []byte) (*ParsedResponse, error)

	// WrapStream demultiplexes the provider's streaming framing into
	// individual event payloads. Provider exception payloads embedded
	// mid-stream are raised as errors, not yielded as data.
	WrapStream(body io.Reader) EventStream

	// ParseStreamEvent parses one stream event payload into a delta. Tool
	// call argument fragments accumulate in buffer keyed by content-block
	// index; a tool call is only emitted once its buffered argument string
	// is valid JSON. Partial-JSON decode failures mean "more data expected"
	// and are swallowed, never surfaced.
	ParseStreamEvent(event []byte, buffer *ToolCallRequestBuffer) (*ParsedResponse, error)

	// ClassifyError maps a non-2xx response body onto the normalized
	// taxonomy. Classification is deterministic: the same payload always
	// yields the same code.
	ClassifyError(statusCode int, body []byte) *Error

	// StandardizeMessages maps a serialized provider request body back to
	// the display-oriented neutral form, for persisting and replaying
	// completions independently of the producing provider.
	StandardizeMessages(body []byte) ([]StandardMessage, error)

	// SupportsModel reports whether this adapter can serve the model.
	SupportsModel(model string) bool

	// IsHealthy reports the adapter's current health without issuing a
	// provider call. The flag is derived from the last classified exchange:
	// a provider-side fault marks the adapter unhealthy for a cooldown, any
	// success clears it.
	IsHealthy() bool
}

// ParsedResponse is the normalized decoding of a provider response — a full
// body for batch calls, a single event for streamed calls.
type ParsedResponse struct {
	// Content is the primary text payload. For stream events it is the text
	// delta carried by that event.
	Content string

	// ReasoningContent is visible reasoning text (or delta), when present.
	ReasoningContent string

	// ToolCalls are complete tool-call requests. During streaming these are
	// only emitted once their buffered arguments parse as JSON.
	ToolCalls []ToolCallRequest

	// FinishReason is the provider-reported stop reason in the provider's
	// own vocabulary ("stop", "max_tokens", "length", ...). Empty until the
	// provider reports one.
	FinishReason string

	// Usage carries token counts when the provider supplied them with this
	// body or event, nil otherwise.
	Usage *LLMUsage

	// Done marks the terminal event of a stream.
	Done bool
}

// EventStream yields individual event payloads from a provider byte stream.
// Next returns io.EOF after the final event. Any other error terminates the
// stream; previously yielded events remain valid.
type EventStream interface {
	// Next returns the next event payload. The returned slice is only valid
	// until the following Next call.
	Next() ([]byte, error)
}
