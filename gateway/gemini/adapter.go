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

// Package gemini implements the gateway adapter for Google's Gemini
// generateContent API.
package gemini

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"workflowai/backend/gateway"
	"workflowai/backend/shared/logger"
)

const (
	// DefaultBaseURL is the default Gemini API endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

// Adapter implements gateway.ProviderAdapter for Gemini.
type Adapter struct {
	*gateway.HealthState

	name    string
	apiKey  string
	baseURL string
	log     *logger.Logger
}

// New creates a Gemini adapter from a credential set.
func New(cfg gateway.ProviderConfig) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, gateway.NewError(gateway.ProviderGemini, gateway.ErrCodeInvalidRunOptions,
			"gemini API key is required")
	}
	baseURL := cfg.Endpoint
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	name := cfg.Name
	if name == "" {
		name = string(gateway.ProviderGemini)
	}
	return &Adapter{
		HealthState: gateway.NewHealthState(),
		name:        name,
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		log:         logger.New("gateway").WithSubsystem("gemini"),
	}, nil
}

func (a *Adapter) Name() string           { return a.name }
func (a *Adapter) Type() gateway.Provider { return gateway.ProviderGemini }

// SupportsModel checks the model against Gemini's namespace.
func (a *Adapter) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "gemini-")
}

// RequestURL returns the per-model action endpoint; streaming is a different
// action with SSE framing requested explicitly.
func (a *Adapter) RequestURL(opts gateway.ProviderOptions, stream bool) (string, error) {
	if opts.Model == "" {
		return "", gateway.NewError(gateway.ProviderGemini, gateway.ErrCodeInvalidRunOptions,
			"model is required")
	}
	if stream {
		return fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", a.baseURL, opts.Model), nil
	}
	return fmt.Sprintf("%s/models/%s:generateContent", a.baseURL, opts.Model), nil
}

// SignRequest sets the API key header. The key stays out of the URL so it
// never lands in request logs.
func (a *Adapter) SignRequest(req *http.Request, body []byte) error {
	req.Header.Set("x-goog-api-key", a.apiKey)
	return nil
}

// BuildRequest maps the neutral conversation onto generateContent. System
// messages collapse into systemInstruction; assistant turns take the "model"
// role.
func (a *Adapter) BuildRequest(messages []gateway.Message, opts gateway.ProviderOptions, stream bool) ([]byte, error) {
	var system []string
	var contents []wireContent

	for _, m := range messages {
		switch m.Role {
		case gateway.RoleSystem:
			system = append(system, m.Content)

		case gateway.RoleUser:
			parts, err := userParts(m)
			if err != nil {
				return nil, err
			}
			contents = append(contents, wireContent{Role: "user", Parts: parts})

		case gateway.RoleAssistant:
			contents = append(contents, wireContent{Role: "model", Parts: assistantParts(m)})
		}
	}

	if len(system) > 1 {
		a.log.Warn(opts.Tenant, "", "multiple system messages supplied, concatenating", map[string]interface{}{
			"count": len(system),
		})
	}

	req := generateRequest{Contents: contents}
	if len(system) > 0 {
		req.SystemInstruction = &wireContent{Parts: []wirePart{{Text: strings.Join(system, "\n\n")}}}
	}

	config := &generationConfig{
		Temperature:     opts.Temperature,
		MaxOutputTokens: opts.MaxTokens,
	}
	if opts.OutputSchema != nil {
		config.ResponseMimeType = "application/json"
		config.ResponseSchema = sanitizeSchema(opts.OutputSchema)
	}
	if config.Temperature != nil || config.MaxOutputTokens > 0 || config.ResponseMimeType != "" {
		req.GenerationConfig = config
	}

	if len(opts.EnabledTools) > 0 {
		group := wireToolGroup{}
		for _, tool := range opts.EnabledTools {
			group.FunctionDeclarations = append(group.FunctionDeclarations, functionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  sanitizeSchema(tool.InputSchema),
			})
		}
		req.Tools = []wireToolGroup{group}
	}

	return json.Marshal(req)
}

// sanitizeSchema strips JSON-schema keywords the generateContent API rejects.
func sanitizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		switch k {
		case "additionalProperties", "$schema", "$defs", "default", "examples":
			continue
		}
		switch nested := v.(type) {
		case map[string]any:
			out[k] = sanitizeSchema(nested)
		case []any:
			list := make([]any, 0, len(nested))
			for _, item := range nested {
				if m, ok := item.(map[string]any); ok {
					list = append(list, sanitizeSchema(m))
				} else {
					list = append(list, item)
				}
			}
			out[k] = list
		default:
			out[k] = v
		}
	}
	return out
}

func userParts(m gateway.Message) ([]wirePart, error) {
	var parts []wirePart

	for _, r := range m.ToolCallResults {
		response := map[string]any{}
		if r.Error != "" {
			response["error"] = r.Error
		} else {
			switch v := r.Result.(type) {
			case map[string]any:
				response = v
			default:
				response["result"] = v
			}
		}
		// The API matches responses to calls by function name; the neutral
		// ID carries the name for providers without call IDs.
		parts = append(parts, wirePart{FunctionResponse: &functionResponse{
			Name:     toolNameFromID(r.ID),
			Response: response,
		}})
	}

	if m.Content != "" {
		parts = append(parts, wirePart{Text: m.Content})
	}
	for _, f := range m.Files {
		if f.URL != "" {
			parts = append(parts, wirePart{FileData: &fileData{MimeType: f.ContentType, FileURI: f.URL}})
			continue
		}
		parts = append(parts, wirePart{InlineData: &inlineData{MimeType: f.ContentType, Data: f.Data}})
	}

	if len(parts) == 0 {
		parts = append(parts, wirePart{Text: ""})
	}
	return parts, nil
}

func assistantParts(m gateway.Message) []wirePart {
	var parts []wirePart
	if m.Content != "" {
		parts = append(parts, wirePart{Text: m.Content})
	}
	for _, call := range m.ToolCallRequests {
		parts = append(parts, wirePart{FunctionCall: &functionCall{
			Name: call.ToolName,
			Args: call.ToolInput,
		}})
	}
	if len(parts) == 0 {
		parts = append(parts, wirePart{Text: ""})
	}
	return parts
}

// Function calls carry no provider ID; synthesized IDs embed the tool name so
// the matching response can recover it.
func newToolCallID(toolName string) string {
	return toolName + "_" + uuid.NewString()
}

func toolNameFromID(id string) string {
	if i := strings.LastIndexByte(id, '_'); i > 0 {
		return id[:i]
	}
	return id
}

// ParseCompletion decodes a non-streaming response.
func (a *Adapter) ParseCompletion(body []byte) (*gateway.ParsedResponse, error) {
	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, gateway.NewError(gateway.ProviderGemini, gateway.ErrCodeUnknownProvider,
			"failed to decode completion response").WithCause(err)
	}

	parsed, err := a.parseResponse(&resp)
	if err != nil {
		return nil, err
	}
	if parsed.Content == "" && len(parsed.ToolCalls) == 0 {
		return nil, gateway.NewError(gateway.ProviderGemini, gateway.ErrCodeFailedGeneration,
			"response carried no content and no function call")
	}
	return parsed, nil
}

func (a *Adapter) parseResponse(resp *generateResponse) (*gateway.ParsedResponse, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, gateway.NewError(gateway.ProviderGemini, gateway.ErrCodeContentModeration,
			fmt.Sprintf("prompt blocked: %s", resp.PromptFeedback.BlockReason))
	}
	if len(resp.Candidates) == 0 {
		return nil, gateway.NewError(gateway.ProviderGemini, gateway.ErrCodeFailedGeneration,
			"response carried no candidates")
	}

	cand := resp.Candidates[0]
	switch cand.FinishReason {
	case "MAX_TOKENS":
		return nil, gateway.NewError(gateway.ProviderGemini, gateway.ErrCodeMaxTokensExceeded,
			"generation truncated by the max-token limit")
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
		return nil, gateway.NewError(gateway.ProviderGemini, gateway.ErrCodeContentModeration,
			fmt.Sprintf("generation stopped: %s", cand.FinishReason))
	}

	parsed := &gateway.ParsedResponse{
		FinishReason: cand.FinishReason,
		Usage:        usageFromMetadata(resp.UsageMetadata),
	}
	if cand.Content != nil {
		var text, thinking strings.Builder
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				args := part.FunctionCall.Args
				if args == nil {
					args = map[string]any{}
				}
				parsed.ToolCalls = append(parsed.ToolCalls, gateway.ToolCallRequest{
					ID:        newToolCallID(part.FunctionCall.Name),
					ToolName:  part.FunctionCall.Name,
					ToolInput: args,
				})
			case part.Thought:
				thinking.WriteString(part.Text)
			default:
				text.WriteString(part.Text)
			}
		}
		parsed.Content = text.String()
		parsed.ReasoningContent = thinking.String()
	}
	return parsed, nil
}

func usageFromMetadata(u *usageMetadata) *gateway.LLMUsage {
	if u == nil {
		return nil
	}
	usage := &gateway.LLMUsage{
		PromptTokenCount:     intPtr(u.PromptTokenCount),
		CompletionTokenCount: intPtr(u.CandidatesTokenCount),
	}
	if u.CachedContentTokenCount > 0 {
		usage.PromptTokenCountCached = intPtr(u.CachedContentTokenCount)
	}
	if u.ThoughtsTokenCount > 0 {
		usage.ReasoningTokenCount = intPtr(u.ThoughtsTokenCount)
	}
	return usage
}

func intPtr(v int) *int { return &v }

// WrapStream wraps the body in the SSE reader; each data line is a complete
// generateContent chunk.
func (a *Adapter) WrapStream(body io.Reader) gateway.EventStream {
	return gateway.NewSSEStream(body)
}

// ParseStreamEvent parses one streamed chunk. Function calls arrive whole in
// a single part, so the fragment buffer is bypassed.
func (a *Adapter) ParseStreamEvent(event []byte, buffer *gateway.ToolCallRequestBuffer) (*gateway.ParsedResponse, error) {
	var resp generateResponse
	if err := json.Unmarshal(event, &resp); err != nil {
		return nil, nil
	}
	if len(resp.Candidates) == 0 && resp.PromptFeedback == nil {
		return &gateway.ParsedResponse{Usage: usageFromMetadata(resp.UsageMetadata)}, nil
	}

	parsed, err := a.parseResponse(&resp)
	if err != nil {
		return nil, err
	}
	parsed.Done = parsed.FinishReason != ""
	return parsed, nil
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
	lower := strings.ToLower(message)

	switch {
	case strings.Contains(lower, "exceeds the maximum number of tokens"),
		strings.Contains(lower, "token count exceeds"):
		return gateway.NewError(gateway.ProviderGemini, gateway.ErrCodeMaxTokensExceeded, message).WithStatus(statusCode)

	case strings.Contains(lower, "unsupported mime type"),
		strings.Contains(lower, "not supported by this model"):
		return gateway.NewError(gateway.ProviderGemini, gateway.ErrCodeModelDoesNotSupportMode, message).WithStatus(statusCode)
	}

	switch {
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return gateway.NewError(gateway.ProviderGemini, gateway.ErrCodeProviderInternal, message).WithStatus(statusCode)
	case statusCode >= 400 && statusCode < 500:
		return gateway.NewError(gateway.ProviderGemini, gateway.ErrCodeProviderBadRequest, message).WithStatus(statusCode)
	default:
		return gateway.NewError(gateway.ProviderGemini, gateway.ErrCodeUnknownProvider, message).WithStatus(statusCode)
	}
}

// StandardizeMessages maps a serialized request body back to the neutral
// display form.
func (a *Adapter) StandardizeMessages(body []byte) ([]gateway.StandardMessage, error) {
	var req generateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, gateway.NewError(gateway.ProviderGemini, gateway.ErrCodeUnknownProvider,
			"failed to decode request body").WithCause(err)
	}

	var out []gateway.StandardMessage
	if req.SystemInstruction != nil {
		var text strings.Builder
		for _, p := range req.SystemInstruction.Parts {
			text.WriteString(p.Text)
		}
		out = append(out, gateway.StandardMessage{
			Role:    "system",
			Content: []gateway.StandardContent{{Type: "text", Text: text.String()}},
		})
	}

	for _, c := range req.Contents {
		role := c.Role
		if role == "model" {
			role = "assistant"
		}
		std := gateway.StandardMessage{Role: role}
		for _, p := range c.Parts {
			if content, ok := standardizePart(p); ok {
				std.Content = append(std.Content, content)
			}
		}
		out = append(out, std)
	}
	return out, nil
}

func standardizePart(p wirePart) (gateway.StandardContent, bool) {
	switch {
	case p.FunctionCall != nil:
		return gateway.StandardContent{
			Type: "tool_call_request",
			ToolCallRequest: &gateway.ToolCallRequest{
				ToolName:  p.FunctionCall.Name,
				ToolInput: p.FunctionCall.Args,
			},
		}, true

	case p.FunctionResponse != nil:
		return gateway.StandardContent{
			Type: "tool_call_result",
			ToolCallResult: &gateway.ToolCallResult{
				ID:     p.FunctionResponse.Name,
				Result: p.FunctionResponse.Response,
			},
		}, true

	case p.InlineData != nil:
		kind := "image_url"
		switch {
		case strings.HasPrefix(p.InlineData.MimeType, "audio/"):
			kind = "audio_url"
		case p.InlineData.MimeType == "application/pdf":
			kind = "document_url"
		}
		return gateway.StandardContent{
			Type: kind,
			URL:  fmt.Sprintf("data:%s;base64,%s", p.InlineData.MimeType, p.InlineData.Data),
		}, true

	case p.FileData != nil:
		kind := "image_url"
		switch {
		case strings.HasPrefix(p.FileData.MimeType, "audio/"):
			kind = "audio_url"
		case p.FileData.MimeType == "application/pdf":
			kind = "document_url"
		}
		return gateway.StandardContent{Type: kind, URL: p.FileData.FileURI}, true

	case p.Text != "":
		return gateway.StandardContent{Type: "text", Text: p.Text}, true

	default:
		return gateway.StandardContent{}, false
	}
}

var _ gateway.ProviderAdapter = (*Adapter)(nil)
