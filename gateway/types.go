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
	"strings"
	"time"
)

// Provider identifies an LLM provider implementation.
// Standard providers are defined as constants; the registry maps each value
// to exactly one adapter implementation.
type Provider string

// Standard providers supported out of the box.
const (
	// ProviderOpenAI represents OpenAI's chat completion API.
	ProviderOpenAI Provider = "openai"

	// ProviderAnthropic represents Anthropic's Messages API.
	ProviderAnthropic Provider = "anthropic"

	// ProviderGemini represents Google's Gemini generateContent API.
	ProviderGemini Provider = "google"

	// ProviderBedrock represents the Amazon Bedrock Converse API.
	ProviderBedrock Provider = "amazon_bedrock"

	// ProviderMistral represents Mistral's chat completion API.
	ProviderMistral Provider = "mistral_ai"

	// ProviderXAI represents xAI's Grok chat completion API.
	ProviderXAI Provider = "xai"

	// ProviderFireworks represents the Fireworks AI completion API.
	ProviderFireworks Provider = "fireworks"

	// ProviderGroq represents the Groq completion API.
	ProviderGroq Provider = "groq"
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleSystem is an instruction message placed ahead of the conversation.
	RoleSystem Role = "system"

	// RoleUser is an end-user turn.
	RoleUser Role = "user"

	// RoleAssistant is a model turn.
	RoleAssistant Role = "assistant"
)

// File is an attachment carried by a message. Exactly one of Data or URL is
// set: Data holds base64-encoded bytes for inline delivery, URL references
// externally hosted content for providers that accept it.
type File struct {
	// Data is the base64-encoded file content.
	Data string `json:"data,omitempty"`

	// URL is an external reference to the file content.
	URL string `json:"url,omitempty"`

	// ContentType is the MIME type (e.g. "image/png", "audio/wav").
	ContentType string `json:"content_type"`
}

// IsImage reports whether the file is an image attachment.
func (f File) IsImage() bool { return strings.HasPrefix(f.ContentType, "image/") }

// IsAudio reports whether the file is an audio attachment.
func (f File) IsAudio() bool { return strings.HasPrefix(f.ContentType, "audio/") }

// IsPDF reports whether the file is a PDF document.
func (f File) IsPDF() bool { return f.ContentType == "application/pdf" }

// ToolCallRequest is a model-initiated request to invoke an external function.
type ToolCallRequest struct {
	// ID is the provider-assigned identifier for this call, used to match a
	// later ToolCallResult back to the request.
	ID string `json:"id"`

	// ToolName is the name of the function to invoke.
	ToolName string `json:"tool_name"`

	// ToolInput is the decoded JSON argument object.
	ToolInput map[string]any `json:"tool_input"`
}

// ToolCallResult is the caller-supplied answer to a previously emitted
// ToolCallRequest, fed back to the model on the next turn.
//
// The ID is not validated against previously emitted request IDs: callers may
// feed results for IDs the gateway never saw. This mirrors what providers
// themselves accept; validation here would reject legitimate replayed
// conversations, so the permissive behavior is kept deliberately.
type ToolCallResult struct {
	ID        string         `json:"id"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input,omitempty"`

	// Result is the tool's output, either a plain string or a JSON value.
	Result any `json:"result,omitempty"`

	// Error is set when the tool invocation failed.
	Error string `json:"error,omitempty"`
}

// Message is one vendor-neutral conversation turn. Messages are immutable
// once built: adapters consume them read-only.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Files are attachments. System messages must not carry files; adapters
	// reject such messages with an invalid-run-options error.
	Files []File `json:"files,omitempty"`

	// ToolCallRequests are the tool invocations emitted by an assistant turn.
	ToolCallRequests []ToolCallRequest `json:"tool_call_requests,omitempty"`

	// ToolCallResults are tool outputs fed back on a user turn.
	ToolCallResults []ToolCallResult `json:"tool_call_results,omitempty"`
}

// Validate checks message-level invariants shared by all providers.
func (m Message) Validate() error {
	if m.Role == RoleSystem && len(m.Files) > 0 {
		return NewError("", ErrCodeInvalidRunOptions, "system messages cannot carry file attachments")
	}
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant:
		return nil
	default:
		return NewError("", ErrCodeInvalidRunOptions, "unknown message role "+string(m.Role))
	}
}

// Tool describes a function the model may call.
type Tool struct {
	// Name is the function name exposed to the model.
	Name string `json:"name"`

	// Description tells the model when to use the tool.
	Description string `json:"description,omitempty"`

	// InputSchema is the JSON schema of the function arguments.
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ProviderOptions is the immutable per-call configuration built from task
// group properties.
type ProviderOptions struct {
	// Model is the model identifier in the provider's naming scheme.
	Model string `json:"model"`

	// Temperature controls sampling randomness. A nil value means
	// "provider default".
	Temperature *float64 `json:"temperature,omitempty"`

	// MaxTokens limits the completion length. Zero means unset; adapters for
	// providers that require a value substitute a per-model default and log a
	// warning rather than sending an unbounded request.
	MaxTokens int `json:"max_tokens,omitempty"`

	// EnabledTools are the functions the model may call.
	EnabledTools []Tool `json:"enabled_tools,omitempty"`

	// OutputSchema, when set, requests schema-constrained JSON output on
	// providers that support it.
	OutputSchema map[string]any `json:"output_schema,omitempty"`

	// TaskName identifies the calling task, used in provider-side metadata
	// and structured-output naming.
	TaskName string `json:"task_name,omitempty"`

	// Tenant identifies the calling tenant for metrics and logging.
	Tenant string `json:"tenant,omitempty"`
}

// LLMUsage is the normalized token usage and cost ledger for one provider
// exchange. All fields are pointers: nil means "not known", which is distinct
// from zero. CostUSD is only set once both prompt and completion costs are
// resolved (or derivable to zero).
type LLMUsage struct {
	PromptTokenCount        *int     `json:"prompt_token_count,omitempty"`
	PromptTokenCountCached  *int     `json:"prompt_token_count_cached,omitempty"`
	PromptImageCount        *int     `json:"prompt_image_count,omitempty"`
	PromptAudioTokenCount   *int     `json:"prompt_audio_token_count,omitempty"`
	PromptAudioDurationSecs *float64 `json:"prompt_audio_duration_seconds,omitempty"`
	CompletionTokenCount    *int     `json:"completion_token_count,omitempty"`
	ReasoningTokenCount     *int     `json:"reasoning_token_count,omitempty"`
	PromptCostUSD           *float64 `json:"prompt_cost_usd,omitempty"`
	CompletionCostUSD       *float64 `json:"completion_cost_usd,omitempty"`
	CostUSD                 *float64 `json:"cost_usd,omitempty"`
	ModelContextWindowSize  *int     `json:"model_context_window_size,omitempty"`
}

// Merge folds non-nil fields of other into u. Used by streaming adapters
// where usage arrives split across events (e.g. prompt tokens at stream
// start, completion tokens at stream end).
func (u *LLMUsage) Merge(other *LLMUsage) {
	if other == nil {
		return
	}
	if other.PromptTokenCount != nil {
		u.PromptTokenCount = other.PromptTokenCount
	}
	if other.PromptTokenCountCached != nil {
		u.PromptTokenCountCached = other.PromptTokenCountCached
	}
	if other.PromptImageCount != nil {
		u.PromptImageCount = other.PromptImageCount
	}
	if other.PromptAudioTokenCount != nil {
		u.PromptAudioTokenCount = other.PromptAudioTokenCount
	}
	if other.PromptAudioDurationSecs != nil {
		u.PromptAudioDurationSecs = other.PromptAudioDurationSecs
	}
	if other.CompletionTokenCount != nil {
		u.CompletionTokenCount = other.CompletionTokenCount
	}
	if other.ReasoningTokenCount != nil {
		u.ReasoningTokenCount = other.ReasoningTokenCount
	}
	if other.ModelContextWindowSize != nil {
		u.ModelContextWindowSize = other.ModelContextWindowSize
	}
}

// RawCompletion is the frozen record of one provider HTTP exchange, attached
// to the run for persistence and replay.
type RawCompletion struct {
	// Request is the serialized provider request body.
	Request string `json:"request"`

	// Response is the raw response text. For streamed calls this is the
	// accumulated text content.
	Response string `json:"response"`

	// Usage is the normalized token usage for the exchange.
	Usage LLMUsage `json:"usage"`

	// FinishReason is the provider-reported stop reason, normalized to the
	// provider's own vocabulary.
	FinishReason string `json:"finish_reason,omitempty"`

	// Duration is the wall-clock time of the exchange, including retries
	// within the same attempt (streaming reads etc.).
	Duration time.Duration `json:"duration"`
}

// StructuredOutput is the normalized result of one provider turn. During
// streaming it is partial; the final value is schema-validated.
type StructuredOutput struct {
	// Output is the decoded JSON object, or nil when the turn produced only
	// tool calls.
	Output map[string]any `json:"output,omitempty"`

	// ToolCalls are the tool invocations requested by the model.
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`

	// ReasoningSteps are visible reasoning fragments, for models that
	// surface them.
	ReasoningSteps []string `json:"reasoning_steps,omitempty"`

	// Final is true for the schema-validated terminal output and false for
	// streaming partials.
	Final bool `json:"final"`
}

// StandardMessage is the display-oriented neutral form a provider request is
// mapped back into, so persisted completions can be rendered and replayed
// independently of which provider produced them.
type StandardMessage struct {
	Role    string            `json:"role"`
	Content []StandardContent `json:"content"`
}

// StandardContent is one block of a StandardMessage.
type StandardContent struct {
	// Type is one of "text", "image_url", "audio_url", "document_url",
	// "tool_call_request" or "tool_call_result".
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// URL carries the file reference (possibly a data: URL) for file blocks.
	URL string `json:"url,omitempty"`

	// ToolCallRequest is set for "tool_call_request" blocks.
	ToolCallRequest *ToolCallRequest `json:"tool_call_request,omitempty"`

	// ToolCallResult is set for "tool_call_result" blocks.
	ToolCallResult *ToolCallResult `json:"tool_call_result,omitempty"`
}
