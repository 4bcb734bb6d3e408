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

// Package bedrock implements the gateway adapter for the Amazon Bedrock
// Converse API: SigV4-signed HTTP against the bedrock-runtime endpoints,
// with the binary event-stream encoding for streaming responses.
package bedrock

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"workflowai/backend/gateway"
	"workflowai/backend/shared/logger"
)

const (
	serviceName = "bedrock-runtime"

	// defaultMaxTokens mirrors the Anthropic default; the Converse API
	// itself does not require maxTokens, but unbounded generations are
	// never what the caller wants.
	defaultMaxTokens = 4096
)

// toolUseIDPattern is the character set Bedrock accepts for toolUseId.
// Foreign IDs (e.g. Mistral's, which may carry '@') are rehashed into it.
var toolUseIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Adapter implements gateway.ProviderAdapter for Bedrock.
type Adapter struct {
	*gateway.HealthState

	name   string
	region string
	creds  credentials.StaticCredentialsProvider
	signer *v4.Signer

	// regionsByModel routes each model to the regions serving it; the
	// adapter's own region must be listed for SupportsModel to accept.
	regionsByModel map[string][]string

	log *logger.Logger
}

// New creates a Bedrock adapter from a credential set.
func New(cfg gateway.ProviderConfig) (*Adapter, error) {
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, gateway.NewError(gateway.ProviderBedrock, gateway.ErrCodeInvalidRunOptions,
			"bedrock requires an access key id and secret access key")
	}
	if cfg.Region == "" {
		return nil, gateway.NewError(gateway.ProviderBedrock, gateway.ErrCodeInvalidRunOptions,
			"bedrock requires a region")
	}
	name := cfg.Name
	if name == "" {
		name = string(gateway.ProviderBedrock)
	}
	return &Adapter{
		HealthState:    gateway.NewHealthState(),
		name:           name,
		region:         cfg.Region,
		creds:          credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		signer:         v4.NewSigner(),
		regionsByModel: cfg.AvailableRegionsByModel,
		log:            logger.New("gateway").WithSubsystem("bedrock"),
	}, nil
}

func (a *Adapter) Name() string           { return a.name }
func (a *Adapter) Type() gateway.Provider { return gateway.ProviderBedrock }

// SupportsModel accepts a model only when the adapter's region is listed for
// it. An empty routing table falls back to the model-id prefix convention.
func (a *Adapter) SupportsModel(model string) bool {
	if len(a.regionsByModel) == 0 {
		for _, prefix := range []string{"anthropic.", "amazon.", "meta.", "mistral.", "us.", "eu.", "apac."} {
			if strings.HasPrefix(model, prefix) {
				return true
			}
		}
		return false
	}
	for _, region := range a.regionsByModel[model] {
		if region == a.region {
			return true
		}
	}
	return false
}

// RequestURL returns the per-model converse endpoint.
func (a *Adapter) RequestURL(opts gateway.ProviderOptions, stream bool) (string, error) {
	if opts.Model == "" {
		return "", gateway.NewError(gateway.ProviderBedrock, gateway.ErrCodeInvalidRunOptions,
			"model is required")
	}
	action := "converse"
	if stream {
		action = "converse-stream"
	}
	return fmt.Sprintf("https://%s.%s.amazonaws.com/model/%s/%s",
		serviceName, a.region, url.PathEscape(opts.Model), action), nil
}

// SignRequest applies SigV4 over the serialized body.
func (a *Adapter) SignRequest(req *http.Request, body []byte) error {
	creds, err := a.creds.Retrieve(req.Context())
	if err != nil {
		return gateway.NewError(gateway.ProviderBedrock, gateway.ErrCodeInvalidRunOptions,
			"failed to resolve aws credentials").WithCause(err)
	}
	hash := sha256.Sum256(body)
	if err := a.signer.SignHTTP(req.Context(), creds, req, hex.EncodeToString(hash[:]),
		serviceName, a.region, time.Now().UTC()); err != nil {
		return gateway.NewError(gateway.ProviderBedrock, gateway.ErrCodeInvalidRunOptions,
			"failed to sign request").WithCause(err)
	}
	return nil
}

// BuildRequest maps the neutral conversation onto Converse. System messages
// collapse into the top-level system blocks; structured output is requested
// through an appended instruction.
func (a *Adapter) BuildRequest(messages []gateway.Message, opts gateway.ProviderOptions, stream bool) ([]byte, error) {
	var system []systemBlock
	var wire []wireMessage

	for _, m := range messages {
		switch m.Role {
		case gateway.RoleSystem:
			system = append(system, systemBlock{Text: m.Content})

		case gateway.RoleUser:
			blocks, err := userBlocks(m)
			if err != nil {
				return nil, err
			}
			wire = append(wire, wireMessage{Role: "user", Content: blocks})

		case gateway.RoleAssistant:
			wire = append(wire, wireMessage{Role: "assistant", Content: assistantBlocks(m)})
		}
	}

	if opts.OutputSchema != nil {
		schema, err := json.Marshal(opts.OutputSchema)
		if err != nil {
			return nil, gateway.NewError(gateway.ProviderBedrock, gateway.ErrCodeInvalidRunOptions,
				"output schema is not serializable").WithCause(err)
		}
		system = append(system, systemBlock{Text: fmt.Sprintf(
			"Respond with a single JSON object matching this schema, with no surrounding text:\n%s", schema)})
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	req := converseRequest{
		System:   system,
		Messages: wire,
		InferenceConfig: &inferenceConfig{
			MaxTokens:   maxTokens,
			Temperature: opts.Temperature,
		},
	}
	if len(opts.EnabledTools) > 0 {
		tc := &toolConfig{}
		for _, tool := range opts.EnabledTools {
			schema := tool.InputSchema
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			tc.Tools = append(tc.Tools, wireTool{ToolSpec: toolSpec{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: toolInputSchema{JSON: schema},
			}})
		}
		req.ToolConfig = tc
	}
	return json.Marshal(req)
}

func userBlocks(m gateway.Message) ([]contentBlock, error) {
	var blocks []contentBlock

	for _, r := range m.ToolCallResults {
		block := toolResultBlock{ToolUseID: SanitizeToolUseID(r.ID)}
		if r.Error != "" {
			block.Status = "error"
			block.Content = []toolResultContent{{Text: r.Error}}
		} else {
			switch v := r.Result.(type) {
			case string:
				block.Content = []toolResultContent{{Text: v}}
			case map[string]any:
				block.Content = []toolResultContent{{JSON: v}}
			default:
				raw, err := json.Marshal(v)
				if err != nil {
					block.Content = []toolResultContent{{Text: fmt.Sprintf("%v", v)}}
				} else {
					block.Content = []toolResultContent{{Text: string(raw)}}
				}
			}
		}
		blocks = append(blocks, contentBlock{ToolResult: &block})
	}

	if m.Content != "" {
		blocks = append(blocks, contentBlock{Text: m.Content})
	}
	for i, f := range m.Files {
		block, err := fileContentBlock(f, i)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}

	if len(blocks) == 0 {
		blocks = append(blocks, contentBlock{Text: ""})
	}
	return blocks, nil
}

func fileContentBlock(f gateway.File, index int) (contentBlock, error) {
	if f.Data == "" {
		return contentBlock{}, gateway.NewError(gateway.ProviderBedrock, gateway.ErrCodeModelDoesNotSupportMode,
			"bedrock file attachments must be inlined, URL references are not supported")
	}
	switch {
	case f.IsImage():
		format := strings.TrimPrefix(f.ContentType, "image/")
		if format == "jpg" {
			format = "jpeg"
		}
		return contentBlock{Image: &imageBlock{
			Format: format,
			Source: blockSource{Bytes: f.Data},
		}}, nil

	case f.IsPDF():
		return contentBlock{Document: &documentBlock{
			Format: "pdf",
			Name:   fmt.Sprintf("document-%d", index+1),
			Source: blockSource{Bytes: f.Data},
		}}, nil

	default:
		return contentBlock{}, gateway.NewError(gateway.ProviderBedrock, gateway.ErrCodeModelDoesNotSupportMode,
			fmt.Sprintf("file type %q is not supported by bedrock", f.ContentType))
	}
}

func assistantBlocks(m gateway.Message) []contentBlock {
	var blocks []contentBlock
	if m.Content != "" {
		blocks = append(blocks, contentBlock{Text: m.Content})
	}
	for _, call := range m.ToolCallRequests {
		input := call.ToolInput
		if input == nil {
			input = map[string]any{}
		}
		blocks = append(blocks, contentBlock{ToolUse: &toolUseBlock{
			ToolUseID: SanitizeToolUseID(call.ID),
			Name:      call.ToolName,
			Input:     input,
		}})
	}
	if len(blocks) == 0 {
		blocks = append(blocks, contentBlock{Text: ""})
	}
	return blocks
}

// SanitizeToolUseID rehashes IDs that fall outside Bedrock's accepted
// character set into a deterministic 65-character replacement, so the same
// foreign ID always maps to the same toolUseId within and across requests.
func SanitizeToolUseID(id string) string {
	if id != "" && toolUseIDPattern.MatchString(id) {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return "t" + hex.EncodeToString(sum[:])
}

// ParseCompletion decodes a non-streaming Converse response.
func (a *Adapter) ParseCompletion(body []byte) (*gateway.ParsedResponse, error) {
	var resp converseResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, gateway.NewError(gateway.ProviderBedrock, gateway.ErrCodeUnknownProvider,
			"failed to decode completion response").WithCause(err)
	}

	if err := checkStopReason(resp.StopReason); err != nil {
		return nil, err
	}

	parsed := &gateway.ParsedResponse{FinishReason: resp.StopReason, Usage: usageFromWire(resp.Usage)}
	if resp.Output != nil && resp.Output.Message != nil {
		var text strings.Builder
		for _, block := range resp.Output.Message.Content {
			switch {
			case block.ToolUse != nil:
				input := block.ToolUse.Input
				if input == nil {
					input = map[string]any{}
				}
				parsed.ToolCalls = append(parsed.ToolCalls, gateway.ToolCallRequest{
					ID:        block.ToolUse.ToolUseID,
					ToolName:  block.ToolUse.Name,
					ToolInput: input,
				})
			default:
				text.WriteString(block.Text)
			}
		}
		parsed.Content = text.String()
	}

	if parsed.Content == "" && len(parsed.ToolCalls) == 0 {
		return nil, gateway.NewError(gateway.ProviderBedrock, gateway.ErrCodeFailedGeneration,
			"response carried no content and no tool use")
	}
	return parsed, nil
}

func checkStopReason(reason string) error {
	switch reason {
	case "max_tokens":
		return gateway.NewError(gateway.ProviderBedrock, gateway.ErrCodeMaxTokensExceeded,
			"generation truncated by the max-token limit")
	case "content_filtered", "guardrail_intervened":
		return gateway.NewError(gateway.ProviderBedrock, gateway.ErrCodeContentModeration,
			fmt.Sprintf("generation stopped: %s", reason))
	default:
		return nil
	}
}

func usageFromWire(u *wireUsage) *gateway.LLMUsage {
	if u == nil {
		return nil
	}
	prompt := u.InputTokens + u.CacheReadInputTokens
	usage := &gateway.LLMUsage{
		PromptTokenCount:     &prompt,
		CompletionTokenCount: intPtr(u.OutputTokens),
	}
	if u.CacheReadInputTokens > 0 {
		usage.PromptTokenCountCached = intPtr(u.CacheReadInputTokens)
	}
	return usage
}

func intPtr(v int) *int { return &v }

// WrapStream wraps the body in the binary event-stream decoder.
func (a *Adapter) WrapStream(body io.Reader) gateway.EventStream {
	return newEventStream(body)
}

// ParseStreamEvent parses one decoded frame. Tool-use input streams as string
// fragments keyed by content-block index.
func (a *Adapter) ParseStreamEvent(event []byte, buffer *gateway.ToolCallRequestBuffer) (*gateway.ParsedResponse, error) {
	var frame streamFrame
	if err := json.Unmarshal(event, &frame); err != nil {
		return nil, nil
	}

	switch frame.Type {
	case "messageStart", "ping":
		return &gateway.ParsedResponse{}, nil

	case "contentBlockStart":
		var ev contentBlockStartEvent
		if err := json.Unmarshal(frame.Payload, &ev); err == nil && ev.Start != nil && ev.Start.ToolUse != nil {
			buffer.Add(ev.ContentBlockIndex, ev.Start.ToolUse.ToolUseID, ev.Start.ToolUse.Name, "")
		}
		return &gateway.ParsedResponse{}, nil

	case "contentBlockDelta":
		var ev contentBlockDeltaEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil || ev.Delta == nil {
			return &gateway.ParsedResponse{}, nil
		}
		parsed := &gateway.ParsedResponse{Content: ev.Delta.Text}
		if ev.Delta.ReasoningContent != nil {
			parsed.ReasoningContent = ev.Delta.ReasoningContent.Text
		}
		if ev.Delta.ToolUse != nil {
			buffer.Add(ev.ContentBlockIndex, "", "", ev.Delta.ToolUse.Input)
			parsed.ToolCalls = buffer.Drain()
		}
		return parsed, nil

	case "contentBlockStop":
		return &gateway.ParsedResponse{ToolCalls: buffer.Drain()}, nil

	case "messageStop":
		var ev messageStopEvent
		if err := json.Unmarshal(frame.Payload, &ev); err == nil {
			if err := checkStopReason(ev.StopReason); err != nil {
				return nil, err
			}
			return &gateway.ParsedResponse{FinishReason: ev.StopReason, Done: true}, nil
		}
		return &gateway.ParsedResponse{Done: true}, nil

	case "metadata":
		var ev metadataEvent
		if err := json.Unmarshal(frame.Payload, &ev); err == nil {
			return &gateway.ParsedResponse{Usage: usageFromWire(ev.Usage)}, nil
		}
		return &gateway.ParsedResponse{}, nil

	default:
		if strings.HasSuffix(frame.Type, "Exception") {
			var ev errorPayload
			message := frame.Type
			if err := json.Unmarshal(frame.Payload, &ev); err == nil && ev.Message != "" {
				message = ev.Message
			}
			return nil, a.classifyMessage(0, frame.Type, message)
		}
		return &gateway.ParsedResponse{}, nil
	}
}

// ClassifyError maps an error payload onto the normalized taxonomy. Bedrock
// carries the exception type in the x-amzn-errortype header, which the
// transport does not forward; the message text is enough in practice.
func (a *Adapter) ClassifyError(statusCode int, body []byte) *gateway.Error {
	message := string(body)
	var ev errorPayload
	if err := json.Unmarshal(body, &ev); err == nil && ev.Message != "" {
		message = ev.Message
	}
	if message == "" {
		message = "provider returned an empty error body"
	}
	return a.classifyMessage(statusCode, "", message)
}

func (a *Adapter) classifyMessage(statusCode int, exceptionType, message string) *gateway.Error {
	lower := strings.ToLower(message)

	switch {
	case strings.Contains(lower, "input is too long"),
		strings.Contains(lower, "too many input tokens"):
		return gateway.NewError(gateway.ProviderBedrock, gateway.ErrCodeMaxTokensExceeded, message).WithStatus(statusCode)

	case strings.Contains(lower, "blocked by content filtering"),
		strings.Contains(lower, "guardrail"):
		return gateway.NewError(gateway.ProviderBedrock, gateway.ErrCodeContentModeration, message).WithStatus(statusCode)

	case strings.Contains(lower, "does not support"),
		strings.Contains(lower, "doesn't support"):
		return gateway.NewError(gateway.ProviderBedrock, gateway.ErrCodeModelDoesNotSupportMode, message).WithStatus(statusCode)

	case strings.Contains(lower, "throttl"),
		exceptionType == "throttlingException",
		exceptionType == "serviceUnavailableException",
		exceptionType == "internalServerException",
		exceptionType == "modelStreamErrorException":
		return gateway.NewError(gateway.ProviderBedrock, gateway.ErrCodeProviderInternal, message).WithStatus(statusCode)
	}

	switch {
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return gateway.NewError(gateway.ProviderBedrock, gateway.ErrCodeProviderInternal, message).WithStatus(statusCode)
	case statusCode >= 400 && statusCode < 500:
		return gateway.NewError(gateway.ProviderBedrock, gateway.ErrCodeProviderBadRequest, message).WithStatus(statusCode)
	default:
		return gateway.NewError(gateway.ProviderBedrock, gateway.ErrCodeUnknownProvider, message).WithStatus(statusCode)
	}
}

// StandardizeMessages maps a serialized request body back to the neutral
// display form.
func (a *Adapter) StandardizeMessages(body []byte) ([]gateway.StandardMessage, error) {
	var req converseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, gateway.NewError(gateway.ProviderBedrock, gateway.ErrCodeUnknownProvider,
			"failed to decode request body").WithCause(err)
	}

	var out []gateway.StandardMessage
	if len(req.System) > 0 {
		var text []string
		for _, s := range req.System {
			text = append(text, s.Text)
		}
		out = append(out, gateway.StandardMessage{
			Role:    "system",
			Content: []gateway.StandardContent{{Type: "text", Text: strings.Join(text, "\n\n")}},
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
	switch {
	case block.ToolUse != nil:
		return gateway.StandardContent{
			Type: "tool_call_request",
			ToolCallRequest: &gateway.ToolCallRequest{
				ID:        block.ToolUse.ToolUseID,
				ToolName:  block.ToolUse.Name,
				ToolInput: block.ToolUse.Input,
			},
		}, true

	case block.ToolResult != nil:
		result := &gateway.ToolCallResult{ID: block.ToolResult.ToolUseID}
		for _, c := range block.ToolResult.Content {
			if c.JSON != nil {
				result.Result = c.JSON
			} else if c.Text != "" {
				if block.ToolResult.Status == "error" {
					result.Error = c.Text
				} else {
					result.Result = c.Text
				}
			}
		}
		return gateway.StandardContent{Type: "tool_call_result", ToolCallResult: result}, true

	case block.Image != nil:
		return gateway.StandardContent{
			Type: "image_url",
			URL:  fmt.Sprintf("data:image/%s;base64,%s", block.Image.Format, block.Image.Source.Bytes),
		}, true

	case block.Document != nil:
		return gateway.StandardContent{
			Type: "document_url",
			URL:  fmt.Sprintf("data:application/%s;base64,%s", block.Document.Format, block.Document.Source.Bytes),
		}, true

	case block.Text != "":
		return gateway.StandardContent{Type: "text", Text: block.Text}, true

	default:
		return gateway.StandardContent{}, false
	}
}

var _ gateway.ProviderAdapter = (*Adapter)(nil)
