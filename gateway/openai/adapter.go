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

// Package openai implements the gateway adapter for OpenAI's chat
// completions API. The adapter is dialect-parameterized: xAI, Fireworks and
// Groq expose wire-compatible APIs with their own endpoints, model
// namespaces and error phrasing, and reuse this implementation through a
// Dialect value.
package openai

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"workflowai/backend/gateway"
	"workflowai/backend/shared/logger"
)

const (
	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"
)

// ErrorHint maps a case-insensitive substring of a provider error message to
// a normalized code. Hints run before the generic status-code rules, so
// dialects can layer their own phrasing on top.
type ErrorHint struct {
	Substring string
	Code      gateway.ErrorCode
}

// Dialect captures how an OpenAI-compatible provider deviates from OpenAI
// proper.
type Dialect struct {
	// Provider is the provider identity reported by the adapter.
	Provider gateway.Provider

	// BaseURL is the default endpoint when the config does not override it.
	BaseURL string

	// ModelPrefixes are the model-name prefixes this provider serves.
	ModelPrefixes []string

	// ErrorHints extend the shared error classification.
	ErrorHints []ErrorHint

	// SupportsSchema indicates native json_schema response-format support.
	SupportsSchema bool
}

// DefaultDialect is OpenAI proper.
func DefaultDialect() Dialect {
	return Dialect{
		Provider:       gateway.ProviderOpenAI,
		BaseURL:        DefaultBaseURL,
		ModelPrefixes:  []string{"gpt-", "chatgpt-", "o1", "o3", "o4"},
		SupportsSchema: true,
	}
}

// Adapter implements gateway.ProviderAdapter for the OpenAI wire dialect.
type Adapter struct {
	*gateway.HealthState

	name    string
	apiKey  string
	baseURL string
	dialect Dialect
	log     *logger.Logger
}

// New creates an OpenAI adapter from a credential set.
func New(cfg gateway.ProviderConfig) (*Adapter, error) {
	return NewWithDialect(cfg, DefaultDialect())
}

// NewWithDialect creates an adapter for any OpenAI-compatible dialect.
func NewWithDialect(cfg gateway.ProviderConfig, dialect Dialect) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, gateway.NewError(dialect.Provider, gateway.ErrCodeInvalidRunOptions,
			fmt.Sprintf("%s API key is required", dialect.Provider))
	}
	baseURL := cfg.Endpoint
	if baseURL == "" {
		baseURL = dialect.BaseURL
	}
	name := cfg.Name
	if name == "" {
		name = string(dialect.Provider)
	}
	return &Adapter{
		HealthState: gateway.NewHealthState(),
		name:        name,
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		dialect:     dialect,
		log:         logger.New("gateway").WithSubsystem(string(dialect.Provider)),
	}, nil
}

// Name returns the configured instance name.
func (a *Adapter) Name() string { return a.name }

// Type returns the provider identity of the dialect.
func (a *Adapter) Type() gateway.Provider { return a.dialect.Provider }

// SupportsModel checks the model against the dialect's namespaces.
func (a *Adapter) SupportsModel(model string) bool {
	for _, prefix := range a.dialect.ModelPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// RequestURL returns the chat completions endpoint. The dialect does not
// distinguish streaming in the URL.
func (a *Adapter) RequestURL(opts gateway.ProviderOptions, stream bool) (string, error) {
	return a.baseURL + "/chat/completions", nil
}

// SignRequest sets bearer auth.
func (a *Adapter) SignRequest(req *http.Request, body []byte) error {
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	return nil
}

// BuildRequest maps the neutral conversation onto the chat completions wire
// format. Multiple system messages are concatenated into one, placed first,
// with a logged warning.
func (a *Adapter) BuildRequest(messages []gateway.Message, opts gateway.ProviderOptions, stream bool) ([]byte, error) {
	wire, err := a.wireMessages(messages)
	if err != nil {
		return nil, err
	}

	req := chatRequest{
		Model:       opts.Model,
		Messages:    wire,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      stream,
	}
	if stream {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	for _, tool := range opts.EnabledTools {
		req.Tools = append(req.Tools, chatTool{
			Type: "function",
			Function: toolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	if opts.OutputSchema != nil && a.dialect.SupportsSchema {
		name := opts.TaskName
		if name == "" {
			name = "output"
		}
		req.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchemaFormat{Name: name, Schema: opts.OutputSchema},
		}
	}

	return json.Marshal(req)
}

// wireMessages translates messages, merging system turns and expanding files
// and tool results into the dialect's message shapes.
func (a *Adapter) wireMessages(messages []gateway.Message) ([]chatMessage, error) {
	var system []string
	var rest []chatMessage

	for _, m := range messages {
		switch m.Role {
		case gateway.RoleSystem:
			system = append(system, m.Content)

		case gateway.RoleUser:
			msg, err := a.userMessage(m)
			if err != nil {
				return nil, err
			}
			rest = append(rest, msg...)

		case gateway.RoleAssistant:
			rest = append(rest, a.assistantMessage(m))
		}
	}

	if len(system) > 1 {
		a.log.Warn("", "", "multiple system messages supplied, concatenating", map[string]interface{}{
			"provider": string(a.dialect.Provider),
			"count":    len(system),
		})
	}

	wire := make([]chatMessage, 0, len(rest)+1)
	if len(system) > 0 {
		wire = append(wire, chatMessage{Role: "system", Content: strings.Join(system, "\n\n")})
	}
	wire = append(wire, rest...)
	return wire, nil
}

func (a *Adapter) userMessage(m gateway.Message) ([]chatMessage, error) {
	var out []chatMessage

	// Tool results ride ahead of the user turn as dedicated tool messages.
	for _, r := range m.ToolCallResults {
		out = append(out, chatMessage{
			Role:       "tool",
			ToolCallID: r.ID,
			Content:    toolResultContent(r),
		})
	}

	if len(m.Files) == 0 {
		if m.Content != "" || len(out) == 0 {
			out = append(out, chatMessage{Role: "user", Content: m.Content})
		}
		return out, nil
	}

	parts := []contentPart{}
	if m.Content != "" {
		parts = append(parts, contentPart{Type: "text", Text: m.Content})
	}
	for _, f := range m.Files {
		part, err := a.filePart(f)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	out = append(out, chatMessage{Role: "user", Content: parts})
	return out, nil
}

func (a *Adapter) filePart(f gateway.File) (contentPart, error) {
	switch {
	case f.IsImage():
		url := f.URL
		if url == "" {
			url = fmt.Sprintf("data:%s;base64,%s", f.ContentType, f.Data)
		}
		return contentPart{Type: "image_url", ImageURL: &imageURLPart{URL: url}}, nil

	case f.IsAudio():
		format := strings.TrimPrefix(f.ContentType, "audio/")
		if f.Data == "" {
			return contentPart{}, gateway.NewError(a.dialect.Provider, gateway.ErrCodeModelDoesNotSupportMode,
				"audio attachments must be inlined, URL references are not supported")
		}
		return contentPart{Type: "input_audio", InputAudio: &audioPart{Data: f.Data, Format: format}}, nil

	default:
		return contentPart{}, gateway.NewError(a.dialect.Provider, gateway.ErrCodeModelDoesNotSupportMode,
			fmt.Sprintf("file type %q is not supported by %s", f.ContentType, a.dialect.Provider))
	}
}

func (a *Adapter) assistantMessage(m gateway.Message) chatMessage {
	msg := chatMessage{Role: "assistant"}
	if m.Content != "" {
		msg.Content = m.Content
	}
	for _, call := range m.ToolCallRequests {
		args, _ := json.Marshal(call.ToolInput)
		msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
			ID:   call.ID,
			Type: "function",
			Function: toolCallFunction{
				Name:      call.ToolName,
				Arguments: string(args),
			},
		})
	}
	return msg
}

func toolResultContent(r gateway.ToolCallResult) string {
	if r.Error != "" {
		return fmt.Sprintf(`{"error":%q}`, r.Error)
	}
	switch v := r.Result.(type) {
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

// ParseCompletion decodes a non-streaming response.
func (a *Adapter) ParseCompletion(body []byte) (*gateway.ParsedResponse, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, gateway.NewError(a.dialect.Provider, gateway.ErrCodeUnknownProvider,
			"failed to decode completion response").WithCause(err)
	}
	if len(resp.Choices) == 0 {
		return nil, gateway.NewError(a.dialect.Provider, gateway.ErrCodeFailedGeneration,
			"response carried no choices")
	}

	choice := resp.Choices[0]
	if err := a.checkFinishReason(choice.FinishReason); err != nil {
		return nil, err
	}

	parsed := &gateway.ParsedResponse{FinishReason: choice.FinishReason, Usage: usageFromWire(resp.Usage)}
	if choice.Message != nil {
		if choice.Message.Refusal != "" {
			return nil, gateway.NewError(a.dialect.Provider, gateway.ErrCodeContentModeration, choice.Message.Refusal)
		}
		parsed.Content = choice.Message.Content
		parsed.ReasoningContent = choice.Message.ReasoningContent
		for _, tc := range choice.Message.ToolCalls {
			call, ok := decodeToolCall(tc)
			if !ok {
				return nil, gateway.NewError(a.dialect.Provider, gateway.ErrCodeFailedGeneration,
					fmt.Sprintf("tool call %q carried undecodable arguments", tc.Function.Name))
			}
			parsed.ToolCalls = append(parsed.ToolCalls, call)
		}
	}

	if parsed.Content == "" && len(parsed.ToolCalls) == 0 {
		return nil, gateway.NewError(a.dialect.Provider, gateway.ErrCodeFailedGeneration,
			"response carried no content and no tool call")
	}
	return parsed, nil
}

func (a *Adapter) checkFinishReason(reason string) error {
	switch reason {
	case "length", "max_tokens":
		return gateway.NewError(a.dialect.Provider, gateway.ErrCodeMaxTokensExceeded,
			"generation truncated by the max-token limit")
	case "content_filter":
		return gateway.NewError(a.dialect.Provider, gateway.ErrCodeContentModeration,
			"generation stopped by the provider content filter")
	default:
		return nil
	}
}

func decodeToolCall(tc chatToolCall) (gateway.ToolCallRequest, bool) {
	input := map[string]any{}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
			return gateway.ToolCallRequest{}, false
		}
	}
	return gateway.ToolCallRequest{ID: tc.ID, ToolName: tc.Function.Name, ToolInput: input}, true
}

func usageFromWire(u *chatUsage) *gateway.LLMUsage {
	if u == nil {
		return nil
	}
	usage := &gateway.LLMUsage{
		PromptTokenCount:     intPtr(u.PromptTokens),
		CompletionTokenCount: intPtr(u.CompletionTokens),
	}
	if u.PromptTokensDetails != nil {
		usage.PromptTokenCountCached = intPtr(u.PromptTokensDetails.CachedTokens)
		if u.PromptTokensDetails.AudioTokens > 0 {
			usage.PromptAudioTokenCount = intPtr(u.PromptTokensDetails.AudioTokens)
		}
	}
	if u.CompletionTokensDetails != nil && u.CompletionTokensDetails.ReasoningTokens > 0 {
		usage.ReasoningTokenCount = intPtr(u.CompletionTokensDetails.ReasoningTokens)
	}
	return usage
}

func intPtr(v int) *int { return &v }

// WrapStream wraps the body in the `data:` line-delimited SSE reader.
func (a *Adapter) WrapStream(body io.Reader) gateway.EventStream {
	return gateway.NewSSEStream(body)
}

// ParseStreamEvent parses one SSE chunk. Tool-call argument fragments
// accumulate in the buffer under their choice index until they parse.
func (a *Adapter) ParseStreamEvent(event []byte, buffer *gateway.ToolCallRequestBuffer) (*gateway.ParsedResponse, error) {
	var chunk chatResponse
	if err := json.Unmarshal(event, &chunk); err != nil {
		// Malformed frames are skipped, matching the provider's own
		// tolerance for keep-alive noise.
		return nil, nil
	}

	parsed := &gateway.ParsedResponse{Usage: usageFromWire(chunk.Usage)}
	if len(chunk.Choices) == 0 {
		// The final usage-only frame has no choices.
		return parsed, nil
	}

	choice := chunk.Choices[0]
	if err := a.checkFinishReason(choice.FinishReason); err != nil {
		return nil, err
	}
	parsed.FinishReason = choice.FinishReason
	parsed.Done = choice.FinishReason != ""

	if choice.Delta != nil {
		parsed.Content = choice.Delta.Content
		parsed.ReasoningContent = choice.Delta.ReasoningContent
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			buffer.Add(index, tc.ID, tc.Function.Name, tc.Function.Arguments)
		}
		parsed.ToolCalls = buffer.Drain()
	}
	return parsed, nil
}

// ClassifyError maps an error payload onto the normalized taxonomy. The
// dialect's hints run first, then shared phrase rules, then status classes.
func (a *Adapter) ClassifyError(statusCode int, body []byte) *gateway.Error {
	message := extractErrorMessage(body)
	lower := strings.ToLower(message)

	for _, hint := range a.dialect.ErrorHints {
		if strings.Contains(lower, strings.ToLower(hint.Substring)) {
			return gateway.NewError(a.dialect.Provider, hint.Code, message).WithStatus(statusCode)
		}
	}

	switch {
	case strings.Contains(lower, "maximum context length"),
		strings.Contains(lower, "context length exceeded"),
		strings.Contains(lower, "context_length_exceeded"):
		return gateway.NewError(a.dialect.Provider, gateway.ErrCodeMaxTokensExceeded, message).WithStatus(statusCode)

	case strings.Contains(lower, "content management policy"),
		strings.Contains(lower, "content policy"),
		strings.Contains(lower, "flagged as potentially violating"):
		return gateway.NewError(a.dialect.Provider, gateway.ErrCodeContentModeration, message).WithStatus(statusCode)

	case strings.Contains(lower, "does not support"),
		strings.Contains(lower, "not supported with this model"):
		return gateway.NewError(a.dialect.Provider, gateway.ErrCodeModelDoesNotSupportMode, message).WithStatus(statusCode)
	}

	switch {
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return gateway.NewError(a.dialect.Provider, gateway.ErrCodeProviderInternal, message).WithStatus(statusCode)
	case statusCode >= 400 && statusCode < 500:
		return gateway.NewError(a.dialect.Provider, gateway.ErrCodeProviderBadRequest, message).WithStatus(statusCode)
	default:
		return gateway.NewError(a.dialect.Provider, gateway.ErrCodeUnknownProvider, message).WithStatus(statusCode)
	}
}

func extractErrorMessage(body []byte) string {
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error != nil && resp.Error.Message != "" {
		return resp.Error.Message
	}
	if len(body) == 0 {
		return "provider returned an empty error body"
	}
	return string(body)
}

// StandardizeMessages maps a serialized request body back to the neutral
// display form.
func (a *Adapter) StandardizeMessages(body []byte) ([]gateway.StandardMessage, error) {
	var req struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, gateway.NewError(a.dialect.Provider, gateway.ErrCodeUnknownProvider,
			"failed to decode request body").WithCause(err)
	}

	var out []gateway.StandardMessage
	for _, raw := range req.Messages {
		msg, err := a.standardizeMessage(raw)
		if err != nil {
			return nil, err
		}
		// Tool messages fold into the preceding standard message when it is
		// already a tool-result carrier of the same role.
		out = append(out, msg)
	}
	return out, nil
}

func (a *Adapter) standardizeMessage(raw json.RawMessage) (gateway.StandardMessage, error) {
	// Content is either a string or a part array; discriminate on the first
	// significant byte instead of parse-and-retry.
	var envelope struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		ToolCalls  []chatToolCall  `json:"tool_calls"`
		ToolCallID string          `json:"tool_call_id"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return gateway.StandardMessage{}, gateway.NewError(a.dialect.Provider, gateway.ErrCodeUnknownProvider,
			"failed to decode wire message").WithCause(err)
	}

	std := gateway.StandardMessage{Role: envelope.Role}
	if envelope.Role == "tool" {
		std.Role = "user"
		result := &gateway.ToolCallResult{ID: envelope.ToolCallID}
		var text string
		if len(envelope.Content) > 0 && envelope.Content[0] == '"' {
			_ = json.Unmarshal(envelope.Content, &text)
		}
		result.Result = text
		std.Content = append(std.Content, gateway.StandardContent{Type: "tool_call_result", ToolCallResult: result})
		return std, nil
	}

	if len(envelope.Content) > 0 {
		switch envelope.Content[0] {
		case '"':
			var text string
			if err := json.Unmarshal(envelope.Content, &text); err == nil && text != "" {
				std.Content = append(std.Content, gateway.StandardContent{Type: "text", Text: text})
			}
		case '[':
			var parts []contentPart
			if err := json.Unmarshal(envelope.Content, &parts); err == nil {
				for _, p := range parts {
					std.Content = append(std.Content, standardizePart(p))
				}
			}
		}
	}

	for _, tc := range envelope.ToolCalls {
		call, ok := decodeToolCall(tc)
		if !ok {
			continue
		}
		std.Content = append(std.Content, gateway.StandardContent{
			Type:            "tool_call_request",
			ToolCallRequest: &call,
		})
	}
	return std, nil
}

func standardizePart(p contentPart) gateway.StandardContent {
	switch p.Type {
	case "image_url":
		url := ""
		if p.ImageURL != nil {
			url = p.ImageURL.URL
		}
		return gateway.StandardContent{Type: "image_url", URL: url}
	case "input_audio":
		url := ""
		if p.InputAudio != nil {
			url = fmt.Sprintf("data:audio/%s;base64,%s", p.InputAudio.Format, p.InputAudio.Data)
		}
		return gateway.StandardContent{Type: "audio_url", URL: url}
	default:
		return gateway.StandardContent{Type: "text", Text: p.Text}
	}
}

var _ gateway.ProviderAdapter = (*Adapter)(nil)
