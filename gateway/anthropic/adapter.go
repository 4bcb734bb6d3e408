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

// Package anthropic implements the gateway adapter for Anthropic's messages
// API.
package anthropic

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
	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	apiVersion = "2023-06-01"

	// defaultMaxTokens is used when the caller does not set a completion
	// budget. The messages API rejects requests without max_tokens.
	defaultMaxTokens = 4096
)

// Adapter implements gateway.ProviderAdapter for Anthropic.
type Adapter struct {
	*gateway.HealthState

	name    string
	apiKey  string
	baseURL string
	log     *logger.Logger
}

// New creates an Anthropic adapter from a credential set.
func New(cfg gateway.ProviderConfig) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, gateway.NewError(gateway.ProviderAnthropic, gateway.ErrCodeInvalidRunOptions,
			"anthropic API key is required")
	}
	baseURL := cfg.Endpoint
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	name := cfg.Name
	if name == "" {
		name = string(gateway.ProviderAnthropic)
	}
	return &Adapter{
		HealthState: gateway.NewHealthState(),
		name:        name,
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		log:         logger.New("gateway").WithSubsystem("anthropic"),
	}, nil
}

func (a *Adapter) Name() string           { return a.name }
func (a *Adapter) Type() gateway.Provider { return gateway.ProviderAnthropic }

// SupportsModel checks the model against Anthropic's namespace.
func (a *Adapter) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "claude-")
}

// RequestURL returns the messages endpoint.
func (a *Adapter) RequestURL(opts gateway.ProviderOptions, stream bool) (string, error) {
	return a.baseURL + "/v1/messages", nil
}

// SignRequest sets the api key and version headers.
func (a *Adapter) SignRequest(req *http.Request, body []byte) error {
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	return nil
}

// BuildRequest maps the neutral conversation onto the messages API. System
// messages collapse into the top-level system field; structured output is
// requested through an instruction appended to it, since the API has no
// native response-format parameter.
func (a *Adapter) BuildRequest(messages []gateway.Message, opts gateway.ProviderOptions, stream bool) ([]byte, error) {
	system, wire, err := a.wireMessages(messages)
	if err != nil {
		return nil, err
	}

	if opts.OutputSchema != nil {
		schema, err := json.Marshal(opts.OutputSchema)
		if err != nil {
			return nil, gateway.NewError(gateway.ProviderAnthropic, gateway.ErrCodeInvalidRunOptions,
				"output schema is not serializable").WithCause(err)
		}
		instruction := fmt.Sprintf(
			"Respond with a single JSON object matching this schema, with no surrounding text:\n%s", schema)
		if system != "" {
			system += "\n\n"
		}
		system += instruction
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		a.log.Warn(opts.Tenant, "", "max_tokens not set, applying default", map[string]interface{}{
			"model":   opts.Model,
			"default": defaultMaxTokens,
		})
		maxTokens = defaultMaxTokens
	}

	req := messagesRequest{
		Model:       opts.Model,
		System:      system,
		Messages:    wire,
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
		Stream:      stream,
	}
	for _, tool := range opts.EnabledTools {
		schema := tool.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		req.Tools = append(req.Tools, wireTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return json.Marshal(req)
}

func (a *Adapter) wireMessages(messages []gateway.Message) (string, []wireMessage, error) {
	var system []string
	var wire []wireMessage

	for _, m := range messages {
		switch m.Role {
		case gateway.RoleSystem:
			system = append(system, m.Content)

		case gateway.RoleUser:
			blocks, err := a.userBlocks(m)
			if err != nil {
				return "", nil, err
			}
			wire = append(wire, wireMessage{Role: "user", Content: blocks})

		case gateway.RoleAssistant:
			wire = append(wire, wireMessage{Role: "assistant", Content: assistantBlocks(m)})
		}
	}

	if len(system) > 1 {
		a.log.Warn("", "", "multiple system messages supplied, concatenating", map[string]interface{}{
			"count": len(system),
		})
	}
	return strings.Join(system, "\n\n"), wire, nil
}

func (a *Adapter) userBlocks(m gateway.Message) ([]contentBlock, error) {
	var blocks []contentBlock

	for _, r := range m.ToolCallResults {
		block := contentBlock{Type: "tool_result", ToolUseID: r.ID}
		if r.Error != "" {
			block.Content = r.Error
			block.IsError = true
		} else {
			switch v := r.Result.(type) {
			case string:
				block.Content = v
			default:
				raw, err := json.Marshal(v)
				if err != nil {
					block.Content = fmt.Sprintf("%v", v)
				} else {
					block.Content = string(raw)
				}
			}
		}
		blocks = append(blocks, block)
	}

	if m.Content != "" {
		blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
	}
	for _, f := range m.Files {
		block, err := fileBlock(f)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}

	if len(blocks) == 0 {
		blocks = append(blocks, contentBlock{Type: "text", Text: ""})
	}
	return blocks, nil
}

func fileBlock(f gateway.File) (contentBlock, error) {
	source := &blockSource{}
	if f.URL != "" {
		source.Type = "url"
		source.URL = f.URL
	} else {
		source.Type = "base64"
		source.MediaType = f.ContentType
		source.Data = f.Data
	}

	switch {
	case f.IsImage():
		return contentBlock{Type: "image", Source: source}, nil
	case f.IsPDF():
		return contentBlock{Type: "document", Source: source}, nil
	default:
		return contentBlock{}, gateway.NewError(gateway.ProviderAnthropic, gateway.ErrCodeModelDoesNotSupportMode,
			fmt.Sprintf("file type %q is not supported by anthropic", f.ContentType))
	}
}

func assistantBlocks(m gateway.Message) []contentBlock {
	var blocks []contentBlock
	if m.Content != "" {
		blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
	}
	for _, call := range m.ToolCallRequests {
		input := call.ToolInput
		if input == nil {
			input = map[string]any{}
		}
		blocks = append(blocks, contentBlock{Type: "tool_use", ID: call.ID, Name: call.ToolName, Input: input})
	}
	if len(blocks) == 0 {
		blocks = append(blocks, contentBlock{Type: "text", Text: ""})
	}
	return blocks
}

// ParseCompletion decodes a non-streaming response.
func (a *Adapter) ParseCompletion(body []byte) (*gateway.ParsedResponse, error) {
	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, gateway.NewError(gateway.ProviderAnthropic, gateway.ErrCodeUnknownProvider,
			"failed to decode completion response").WithCause(err)
	}

	if err := checkStopReason(resp.StopReason); err != nil {
		return nil, err
	}

	parsed := &gateway.ParsedResponse{FinishReason: resp.StopReason, Usage: usageFromWire(resp.Usage)}
	var text, thinking strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			thinking.WriteString(block.Thinking)
		case "tool_use":
			input := block.Input
			if input == nil {
				input = map[string]any{}
			}
			parsed.ToolCalls = append(parsed.ToolCalls, gateway.ToolCallRequest{
				ID:        block.ID,
				ToolName:  block.Name,
				ToolInput: input,
			})
		}
	}
	parsed.Content = text.String()
	parsed.ReasoningContent = thinking.String()

	if parsed.Content == "" && len(parsed.ToolCalls) == 0 {
		return nil, gateway.NewError(gateway.ProviderAnthropic, gateway.ErrCodeFailedGeneration,
			"response carried no content and no tool call")
	}
	return parsed, nil
}

func checkStopReason(reason string) error {
	switch reason {
	case "max_tokens":
		return gateway.NewError(gateway.ProviderAnthropic, gateway.ErrCodeMaxTokensExceeded,
			"generation truncated by the max-token limit")
	case "refusal":
		return gateway.NewError(gateway.ProviderAnthropic, gateway.ErrCodeContentModeration,
			"generation refused by the model")
	default:
		return nil
	}
}

func usageFromWire(u *wireUsage) *gateway.LLMUsage {
	if u == nil {
		return nil
	}
	usage := &gateway.LLMUsage{}
	if u.InputTokens > 0 || u.OutputTokens > 0 {
		// Anthropic's input_tokens excludes cache reads; the normalized
		// prompt count includes them.
		prompt := u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
		usage.PromptTokenCount = &prompt
		usage.CompletionTokenCount = intPtr(u.OutputTokens)
	}
	if u.CacheReadInputTokens > 0 {
		usage.PromptTokenCountCached = intPtr(u.CacheReadInputTokens)
	}
	return usage
}

func intPtr(v int) *int { return &v }

// WrapStream wraps the body in the SSE reader. Anthropic names its events
// but the data lines alone carry the typed payload.
func (a *Adapter) WrapStream(body io.Reader) gateway.EventStream {
	return gateway.NewSSEStream(body)
}

// ParseStreamEvent parses one typed SSE event. Tool-use argument JSON streams
// as input_json_delta fragments keyed by content-block index.
func (a *Adapter) ParseStreamEvent(event []byte, buffer *gateway.ToolCallRequestBuffer) (*gateway.ParsedResponse, error) {
	var ev streamEvent
	if err := json.Unmarshal(event, &ev); err != nil {
		return nil, nil
	}

	switch ev.Type {
	case "message_start":
		parsed := &gateway.ParsedResponse{}
		if ev.Message != nil {
			parsed.Usage = usageFromWire(ev.Message.Usage)
		}
		return parsed, nil

	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			buffer.Add(ev.Index, ev.ContentBlock.ID, ev.ContentBlock.Name, "")
		}
		return &gateway.ParsedResponse{}, nil

	case "content_block_delta":
		parsed := &gateway.ParsedResponse{}
		if ev.Delta != nil {
			switch ev.Delta.Type {
			case "text_delta":
				parsed.Content = ev.Delta.Text
			case "thinking_delta":
				parsed.ReasoningContent = ev.Delta.Thinking
			case "input_json_delta":
				buffer.Add(ev.Index, "", "", ev.Delta.PartialJSON)
				parsed.ToolCalls = buffer.Drain()
			}
		}
		return parsed, nil

	case "content_block_stop":
		// Zero-argument tool calls never see an input_json_delta; the block
		// close is the last chance to flush them.
		return &gateway.ParsedResponse{ToolCalls: buffer.Drain()}, nil

	case "message_delta":
		parsed := &gateway.ParsedResponse{Usage: usageFromWire(ev.Usage)}
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			if err := checkStopReason(ev.Delta.StopReason); err != nil {
				return nil, err
			}
			parsed.FinishReason = ev.Delta.StopReason
		}
		return parsed, nil

	case "message_stop":
		return &gateway.ParsedResponse{Done: true}, nil

	case "error":
		message := "provider stream error"
		if ev.Error != nil {
			message = ev.Error.Message
		}
		return nil, a.classifyMessage(0, message)

	default:
		// ping and future event types
		return &gateway.ParsedResponse{}, nil
	}
}

// ClassifyError maps an error payload onto the normalized taxonomy.
func (a *Adapter) ClassifyError(statusCode int, body []byte) *gateway.Error {
	message := string(body)
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error != nil && resp.Error.Message != "" {
		message = resp.Error.Message
	}
	if message == "" {
		message = "provider returned an empty error body"
	}
	return a.classifyMessage(statusCode, message)
}

func (a *Adapter) classifyMessage(statusCode int, message string) *gateway.Error {
	lower := strings.ToLower(message)

	switch {
	case strings.Contains(lower, "prompt is too long"),
		strings.Contains(lower, "exceed context limit"),
		strings.Contains(lower, "max_tokens"):
		return gateway.NewError(gateway.ProviderAnthropic, gateway.ErrCodeMaxTokensExceeded, message).WithStatus(statusCode)

	case strings.Contains(lower, "usage policy"),
		strings.Contains(lower, "content filtering"):
		return gateway.NewError(gateway.ProviderAnthropic, gateway.ErrCodeContentModeration, message).WithStatus(statusCode)

	case strings.Contains(lower, "overloaded"):
		return gateway.NewError(gateway.ProviderAnthropic, gateway.ErrCodeProviderInternal, message).WithStatus(statusCode)
	}

	switch {
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return gateway.NewError(gateway.ProviderAnthropic, gateway.ErrCodeProviderInternal, message).WithStatus(statusCode)
	case statusCode >= 400 && statusCode < 500:
		return gateway.NewError(gateway.ProviderAnthropic, gateway.ErrCodeProviderBadRequest, message).WithStatus(statusCode)
	default:
		return gateway.NewError(gateway.ProviderAnthropic, gateway.ErrCodeUnknownProvider, message).WithStatus(statusCode)
	}
}

// StandardizeMessages maps a serialized request body back to the neutral
// display form. The top-level system field becomes a leading system message.
func (a *Adapter) StandardizeMessages(body []byte) ([]gateway.StandardMessage, error) {
	var req messagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, gateway.NewError(gateway.ProviderAnthropic, gateway.ErrCodeUnknownProvider,
			"failed to decode request body").WithCause(err)
	}

	var out []gateway.StandardMessage
	if req.System != "" {
		out = append(out, gateway.StandardMessage{
			Role:    "system",
			Content: []gateway.StandardContent{{Type: "text", Text: req.System}},
		})
	}

	for _, m := range req.Messages {
		std := gateway.StandardMessage{Role: m.Role}
		for _, block := range m.Content {
			if c, ok := standardizeBlock(block); ok {
				std.Content = append(std.Content, c)
			}
		}
		out = append(out, std)
	}
	return out, nil
}

func standardizeBlock(block contentBlock) (gateway.StandardContent, bool) {
	switch block.Type {
	case "text":
		if block.Text == "" {
			return gateway.StandardContent{}, false
		}
		return gateway.StandardContent{Type: "text", Text: block.Text}, true

	case "image", "document":
		kind := "image_url"
		if block.Type == "document" {
			kind = "document_url"
		}
		url := ""
		if block.Source != nil {
			url = block.Source.URL
			if url == "" {
				url = fmt.Sprintf("data:%s;base64,%s", block.Source.MediaType, block.Source.Data)
			}
		}
		return gateway.StandardContent{Type: kind, URL: url}, true

	case "tool_use":
		return gateway.StandardContent{
			Type: "tool_call_request",
			ToolCallRequest: &gateway.ToolCallRequest{
				ID:        block.ID,
				ToolName:  block.Name,
				ToolInput: block.Input,
			},
		}, true

	case "tool_result":
		result := &gateway.ToolCallResult{ID: block.ToolUseID}
		if block.IsError {
			if s, ok := block.Content.(string); ok {
				result.Error = s
			}
		} else {
			result.Result = block.Content
		}
		return gateway.StandardContent{Type: "tool_call_result", ToolCallResult: result}, true

	default:
		return gateway.StandardContent{}, false
	}
}

var _ gateway.ProviderAdapter = (*Adapter)(nil)
