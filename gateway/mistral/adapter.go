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

// Package mistral implements the gateway adapter for Mistral's chat
// completions API. The wire shape is close to OpenAI's, but tool-call IDs
// are restricted to nine alphanumeric characters and the error vocabulary
// differs, so the adapter is its own implementation rather than a dialect
// of the OpenAI one.
package mistral

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"workflowai/backend/gateway"
	"workflowai/backend/shared/logger"
)

const (
	// DefaultBaseURL is the default Mistral API endpoint.
	DefaultBaseURL = "https://api.mistral.ai/v1"
)

// toolCallIDPattern is Mistral's required tool-call ID shape.
var toolCallIDPattern = regexp.MustCompile(`^[a-zA-Z0-9]{9}$`)

var modelPrefixes = []string{"mistral-", "pixtral-", "codestral-", "ministral-", "open-", "magistral-"}

// Adapter implements gateway.ProviderAdapter for Mistral.
type Adapter struct {
	*gateway.HealthState

	name    string
	apiKey  string
	baseURL string
	log     *logger.Logger
}

// New creates a Mistral adapter from a credential set.
func New(cfg gateway.ProviderConfig) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, gateway.NewError(gateway.ProviderMistral, gateway.ErrCodeInvalidRunOptions,
			"mistral API key is required")
	}
	baseURL := cfg.Endpoint
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	name := cfg.Name
	if name == "" {
		name = string(gateway.ProviderMistral)
	}
	return &Adapter{
		HealthState: gateway.NewHealthState(),
		name:        name,
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		log:         logger.New("gateway").WithSubsystem("mistral"),
	}, nil
}

func (a *Adapter) Name() string           { return a.name }
func (a *Adapter) Type() gateway.Provider { return gateway.ProviderMistral }

// SupportsModel checks the model against Mistral's namespaces.
func (a *Adapter) SupportsModel(model string) bool {
	for _, prefix := range modelPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// RequestURL returns the chat completions endpoint.
func (a *Adapter) RequestURL(opts gateway.ProviderOptions, stream bool) (string, error) {
	return a.baseURL + "/chat/completions", nil
}

// SignRequest sets bearer auth.
func (a *Adapter) SignRequest(req *http.Request, body []byte) error {
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	return nil
}

// SanitizeToolCallID rehashes IDs that fall outside Mistral's nine-character
// alphanumeric requirement into a deterministic replacement.
func SanitizeToolCallID(id string) string {
	if toolCallIDPattern.MatchString(id) {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return "T" + hex.EncodeToString(sum[:])[:8]
}

// BuildRequest maps the neutral conversation onto the chat completions wire
// format.
func (a *Adapter) BuildRequest(messages []gateway.Message, opts gateway.ProviderOptions, stream bool) ([]byte, error) {
	var system []string
	var rest []chatMessage

	for _, m := range messages {
		switch m.Role {
		case gateway.RoleSystem:
			system = append(system, m.Content)

		case gateway.RoleUser:
			msgs, err := userMessages(m)
			if err != nil {
				return nil, err
			}
			rest = append(rest, msgs...)

		case gateway.RoleAssistant:
			rest = append(rest, assistantMessage(m))
		}
	}

	if len(system) > 1 {
		a.log.Warn(opts.Tenant, "", "multiple system messages supplied, concatenating", map[string]interface{}{
			"count": len(system),
		})
	}

	wire := make([]chatMessage, 0, len(rest)+1)
	if len(system) > 0 {
		wire = append(wire, chatMessage{Role: "system", Content: strings.Join(system, "\n\n")})
	}
	wire = append(wire, rest...)

	req := chatRequest{
		Model:       opts.Model,
		Messages:    wire,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      stream,
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
	if opts.OutputSchema != nil {
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

func userMessages(m gateway.Message) ([]chatMessage, error) {
	var out []chatMessage

	for _, r := range m.ToolCallResults {
		content := ""
		if r.Error != "" {
			content = fmt.Sprintf(`{"error":%q}`, r.Error)
		} else {
			switch v := r.Result.(type) {
			case string:
				content = v
			default:
				raw, err := json.Marshal(v)
				if err != nil {
					content = fmt.Sprintf("%v", v)
				} else {
					content = string(raw)
				}
			}
		}
		out = append(out, chatMessage{
			Role:       "tool",
			ToolCallID: SanitizeToolCallID(r.ID),
			Content:    content,
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
		part, err := filePart(f)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	out = append(out, chatMessage{Role: "user", Content: parts})
	return out, nil
}

func filePart(f gateway.File) (contentPart, error) {
	url := f.URL
	if url == "" {
		url = fmt.Sprintf("data:%s;base64,%s", f.ContentType, f.Data)
	}
	switch {
	case f.IsImage():
		return contentPart{Type: "image_url", ImageURL: url}, nil
	case f.IsPDF():
		return contentPart{Type: "document_url", DocumentURL: url}, nil
	default:
		return contentPart{}, gateway.NewError(gateway.ProviderMistral, gateway.ErrCodeModelDoesNotSupportMode,
			fmt.Sprintf("file type %q is not supported by mistral", f.ContentType))
	}
}

func assistantMessage(m gateway.Message) chatMessage {
	msg := chatMessage{Role: "assistant"}
	if m.Content != "" {
		msg.Content = m.Content
	}
	for _, call := range m.ToolCallRequests {
		args, _ := json.Marshal(call.ToolInput)
		msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
			ID:   SanitizeToolCallID(call.ID),
			Type: "function",
			Function: toolCallFunction{
				Name:      call.ToolName,
				Arguments: string(args),
			},
		})
	}
	return msg
}

// ParseCompletion decodes a non-streaming response.
func (a *Adapter) ParseCompletion(body []byte) (*gateway.ParsedResponse, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, gateway.NewError(gateway.ProviderMistral, gateway.ErrCodeUnknownProvider,
			"failed to decode completion response").WithCause(err)
	}
	if len(resp.Choices) == 0 {
		return nil, gateway.NewError(gateway.ProviderMistral, gateway.ErrCodeFailedGeneration,
			"response carried no choices")
	}

	choice := resp.Choices[0]
	if err := checkFinishReason(choice.FinishReason); err != nil {
		return nil, err
	}

	parsed := &gateway.ParsedResponse{FinishReason: choice.FinishReason, Usage: usageFromWire(resp.Usage)}
	if choice.Message != nil {
		parsed.Content = choice.Message.Content
		for _, tc := range choice.Message.ToolCalls {
			input := map[string]any{}
			if tc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
					return nil, gateway.NewError(gateway.ProviderMistral, gateway.ErrCodeFailedGeneration,
						fmt.Sprintf("tool call %q carried undecodable arguments", tc.Function.Name))
				}
			}
			parsed.ToolCalls = append(parsed.ToolCalls, gateway.ToolCallRequest{
				ID:        tc.ID,
				ToolName:  tc.Function.Name,
				ToolInput: input,
			})
		}
	}

	if parsed.Content == "" && len(parsed.ToolCalls) == 0 {
		return nil, gateway.NewError(gateway.ProviderMistral, gateway.ErrCodeFailedGeneration,
			"response carried no content and no tool call")
	}
	return parsed, nil
}

func checkFinishReason(reason string) error {
	switch reason {
	case "length", "model_length":
		return gateway.NewError(gateway.ProviderMistral, gateway.ErrCodeMaxTokensExceeded,
			"generation truncated by the max-token limit")
	default:
		return nil
	}
}

func usageFromWire(u *chatUsage) *gateway.LLMUsage {
	if u == nil {
		return nil
	}
	return &gateway.LLMUsage{
		PromptTokenCount:     intPtr(u.PromptTokens),
		CompletionTokenCount: intPtr(u.CompletionTokens),
	}
}

func intPtr(v int) *int { return &v }

// WrapStream wraps the body in the `data:` line-delimited SSE reader.
func (a *Adapter) WrapStream(body io.Reader) gateway.EventStream {
	return gateway.NewSSEStream(body)
}

// ParseStreamEvent parses one SSE chunk; the delta shape mirrors OpenAI's.
func (a *Adapter) ParseStreamEvent(event []byte, buffer *gateway.ToolCallRequestBuffer) (*gateway.ParsedResponse, error) {
	var chunk chatResponse
	if err := json.Unmarshal(event, &chunk); err != nil {
		return nil, nil
	}

	parsed := &gateway.ParsedResponse{Usage: usageFromWire(chunk.Usage)}
	if len(chunk.Choices) == 0 {
		return parsed, nil
	}

	choice := chunk.Choices[0]
	if err := checkFinishReason(choice.FinishReason); err != nil {
		return nil, err
	}
	parsed.FinishReason = choice.FinishReason
	parsed.Done = choice.FinishReason != ""

	if choice.Delta != nil {
		parsed.Content = choice.Delta.Content
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

// ClassifyError maps an error payload onto the normalized taxonomy.
func (a *Adapter) ClassifyError(statusCode int, body []byte) *gateway.Error {
	message := string(body)
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err == nil {
		if m := resp.message(); m != "" {
			message = m
		}
	}
	if message == "" {
		message = "provider returned an empty error body"
	}
	lower := strings.ToLower(message)

	switch {
	case strings.Contains(lower, "too large for model"),
		strings.Contains(lower, "maximum context length"):
		return gateway.NewError(gateway.ProviderMistral, gateway.ErrCodeMaxTokensExceeded, message).WithStatus(statusCode)

	case strings.Contains(lower, "not a valid json schema"),
		strings.Contains(lower, "function calling is not enabled"):
		return gateway.NewError(gateway.ProviderMistral, gateway.ErrCodeModelDoesNotSupportMode, message).WithStatus(statusCode)
	}

	switch {
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return gateway.NewError(gateway.ProviderMistral, gateway.ErrCodeProviderInternal, message).WithStatus(statusCode)
	case statusCode >= 400 && statusCode < 500:
		return gateway.NewError(gateway.ProviderMistral, gateway.ErrCodeProviderBadRequest, message).WithStatus(statusCode)
	default:
		return gateway.NewError(gateway.ProviderMistral, gateway.ErrCodeUnknownProvider, message).WithStatus(statusCode)
	}
}

// StandardizeMessages maps a serialized request body back to the neutral
// display form.
func (a *Adapter) StandardizeMessages(body []byte) ([]gateway.StandardMessage, error) {
	var req struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, gateway.NewError(gateway.ProviderMistral, gateway.ErrCodeUnknownProvider,
			"failed to decode request body").WithCause(err)
	}

	var out []gateway.StandardMessage
	for _, raw := range req.Messages {
		msg, err := standardizeMessage(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func standardizeMessage(raw json.RawMessage) (gateway.StandardMessage, error) {
	var envelope struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		ToolCalls  []chatToolCall  `json:"tool_calls"`
		ToolCallID string          `json:"tool_call_id"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return gateway.StandardMessage{}, gateway.NewError(gateway.ProviderMistral, gateway.ErrCodeUnknownProvider,
			"failed to decode wire message").WithCause(err)
	}

	std := gateway.StandardMessage{Role: envelope.Role}
	if envelope.Role == "tool" {
		std.Role = "user"
		var text string
		if len(envelope.Content) > 0 && envelope.Content[0] == '"' {
			_ = json.Unmarshal(envelope.Content, &text)
		}
		std.Content = append(std.Content, gateway.StandardContent{
			Type:           "tool_call_result",
			ToolCallResult: &gateway.ToolCallResult{ID: envelope.ToolCallID, Result: text},
		})
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
					switch p.Type {
					case "image_url":
						std.Content = append(std.Content, gateway.StandardContent{Type: "image_url", URL: p.ImageURL})
					case "document_url":
						std.Content = append(std.Content, gateway.StandardContent{Type: "document_url", URL: p.DocumentURL})
					default:
						std.Content = append(std.Content, gateway.StandardContent{Type: "text", Text: p.Text})
					}
				}
			}
		}
	}

	for _, tc := range envelope.ToolCalls {
		input := map[string]any{}
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		std.Content = append(std.Content, gateway.StandardContent{
			Type: "tool_call_request",
			ToolCallRequest: &gateway.ToolCallRequest{
				ID:        tc.ID,
				ToolName:  tc.Function.Name,
				ToolInput: input,
			},
		})
	}
	return std, nil
}

var _ gateway.ProviderAdapter = (*Adapter)(nil)
