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

package anthropic

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflowai/backend/gateway"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(gateway.ProviderConfig{Name: "anthropic", Type: gateway.ProviderAnthropic, APIKey: "sk-ant-test"})
	require.NoError(t, err)
	return a
}

// ============================================================================
// Construction and signing
// ============================================================================

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(gateway.ProviderConfig{Type: gateway.ProviderAnthropic})
	require.Error(t, err)
	assert.Equal(t, gateway.ErrCodeInvalidRunOptions, gateway.CodeOf(err))
}

func TestSignRequest_SetsVersionHeader(t *testing.T) {
	a := newTestAdapter(t)
	req, err := http.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil)
	require.NoError(t, err)
	require.NoError(t, a.SignRequest(req, nil))
	assert.Equal(t, "sk-ant-test", req.Header.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", req.Header.Get("anthropic-version"))
}

func TestSupportsModel(t *testing.T) {
	a := newTestAdapter(t)
	assert.True(t, a.SupportsModel("claude-3-7-sonnet-latest"))
	assert.False(t, a.SupportsModel("gpt-4o"))
}

// ============================================================================
// Request building
// ============================================================================

func TestBuildRequest_SystemLifted(t *testing.T) {
	a := newTestAdapter(t)
	body, err := a.BuildRequest([]gateway.Message{
		{Role: gateway.RoleSystem, Content: "Be terse."},
		{Role: gateway.RoleUser, Content: "Hello"},
	}, gateway.ProviderOptions{Model: "claude-3-7-sonnet-latest", MaxTokens: 1024}, false)
	require.NoError(t, err)

	var req messagesRequest
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "Be terse.", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, 1024, req.MaxTokens)
}

func TestBuildRequest_DefaultsMaxTokens(t *testing.T) {
	a := newTestAdapter(t)
	body, err := a.BuildRequest([]gateway.Message{
		{Role: gateway.RoleUser, Content: "Hello"},
	}, gateway.ProviderOptions{Model: "claude-3-7-sonnet-latest"}, false)
	require.NoError(t, err)

	var req messagesRequest
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, defaultMaxTokens, req.MaxTokens)
}

func TestBuildRequest_SchemaInstructionAppended(t *testing.T) {
	a := newTestAdapter(t)
	body, err := a.BuildRequest([]gateway.Message{
		{Role: gateway.RoleUser, Content: "Hello"},
	}, gateway.ProviderOptions{
		Model:        "claude-3-7-sonnet-latest",
		OutputSchema: map[string]any{"type": "object"},
	}, false)
	require.NoError(t, err)

	var req messagesRequest
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Contains(t, req.System, `"type":"object"`)
	assert.Contains(t, req.System, "single JSON object")
}

func TestBuildRequest_FilesAndToolResults(t *testing.T) {
	a := newTestAdapter(t)
	body, err := a.BuildRequest([]gateway.Message{
		{Role: gateway.RoleUser, Content: "Read this", Files: []gateway.File{
			{Data: "aGVsbG8=", ContentType: "image/png"},
			{Data: "JVBERi0=", ContentType: "application/pdf"},
		}},
		{Role: gateway.RoleAssistant, ToolCallRequests: []gateway.ToolCallRequest{{
			ID: "toolu_1", ToolName: "lookup", ToolInput: map[string]any{"q": "x"},
		}}},
		{Role: gateway.RoleUser, ToolCallResults: []gateway.ToolCallResult{{
			ID: "toolu_1", Result: "found",
		}}},
	}, gateway.ProviderOptions{Model: "claude-3-7-sonnet-latest", MaxTokens: 100}, false)
	require.NoError(t, err)

	var req messagesRequest
	require.NoError(t, json.Unmarshal(body, &req))
	require.Len(t, req.Messages, 3)

	blocks := req.Messages[0].Content
	require.Len(t, blocks, 3)
	assert.Equal(t, "text", blocks[0].Type)
	assert.Equal(t, "image", blocks[1].Type)
	assert.Equal(t, "base64", blocks[1].Source.Type)
	assert.Equal(t, "document", blocks[2].Type)

	toolUse := req.Messages[1].Content[0]
	assert.Equal(t, "tool_use", toolUse.Type)
	assert.Equal(t, "toolu_1", toolUse.ID)
	assert.Equal(t, "lookup", toolUse.Name)

	result := req.Messages[2].Content[0]
	assert.Equal(t, "tool_result", result.Type)
	assert.Equal(t, "toolu_1", result.ToolUseID)
	assert.Equal(t, "found", result.Content)
}

func TestBuildRequest_UnsupportedFileType(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.BuildRequest([]gateway.Message{{
		Role:  gateway.RoleUser,
		Files: []gateway.File{{Data: "UklGRg==", ContentType: "audio/wav"}},
	}}, gateway.ProviderOptions{Model: "claude-3-7-sonnet-latest", MaxTokens: 100}, false)
	require.Error(t, err)
	assert.Equal(t, gateway.ErrCodeModelDoesNotSupportMode, gateway.CodeOf(err))
}

// ============================================================================
// Completion parsing
// ============================================================================

func TestParseCompletion_TextAndToolUse(t *testing.T) {
	a := newTestAdapter(t)
	parsed, err := a.ParseCompletion([]byte(`{
		"content": [
			{"type": "text", "text": "Checking the weather."},
			{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Paris"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 50, "output_tokens": 20, "cache_read_input_tokens": 30}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "Checking the weather.", parsed.Content)
	require.Len(t, parsed.ToolCalls, 1)
	assert.Equal(t, "get_weather", parsed.ToolCalls[0].ToolName)

	require.NotNil(t, parsed.Usage)
	// Prompt count includes cache reads.
	assert.Equal(t, 80, *parsed.Usage.PromptTokenCount)
	assert.Equal(t, 30, *parsed.Usage.PromptTokenCountCached)
	assert.Equal(t, 20, *parsed.Usage.CompletionTokenCount)
}

func TestParseCompletion_MaxTokensStop(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.ParseCompletion([]byte(`{
		"content": [{"type": "text", "text": "{\"part"}],
		"stop_reason": "max_tokens"
	}`))
	require.Error(t, err)
	assert.Equal(t, gateway.ErrCodeMaxTokensExceeded, gateway.CodeOf(err))
}

func TestParseCompletion_Empty(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.ParseCompletion([]byte(`{"content": [], "stop_reason": "end_turn"}`))
	require.Error(t, err)
	assert.Equal(t, gateway.ErrCodeFailedGeneration, gateway.CodeOf(err))
}

// ============================================================================
// Stream parsing
// ============================================================================

func TestParseStreamEvent_FullSequence(t *testing.T) {
	a := newTestAdapter(t)
	buffer := gateway.NewToolCallRequestBuffer()

	parsed, err := a.ParseStreamEvent([]byte(`{"type":"message_start","message":{"usage":{"input_tokens":40,"output_tokens":1}}}`), buffer)
	require.NoError(t, err)
	require.NotNil(t, parsed.Usage)
	assert.Equal(t, 40, *parsed.Usage.PromptTokenCount)

	parsed, err = a.ParseStreamEvent([]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`), buffer)
	require.NoError(t, err)
	assert.Equal(t, "Hello", parsed.Content)

	// Tool use block opens at index 1, arguments drip in as partial JSON.
	_, err = a.ParseStreamEvent([]byte(`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather"}}`), buffer)
	require.NoError(t, err)

	parsed, err = a.ParseStreamEvent([]byte(`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`), buffer)
	require.NoError(t, err)
	assert.Empty(t, parsed.ToolCalls)

	parsed, err = a.ParseStreamEvent([]byte(`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"Paris\"}"}}`), buffer)
	require.NoError(t, err)
	require.Len(t, parsed.ToolCalls, 1)
	assert.Equal(t, "toolu_1", parsed.ToolCalls[0].ID)
	assert.Equal(t, map[string]any{"city": "Paris"}, parsed.ToolCalls[0].ToolInput)

	parsed, err = a.ParseStreamEvent([]byte(`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":25}}`), buffer)
	require.NoError(t, err)
	assert.Equal(t, "tool_use", parsed.FinishReason)

	parsed, err = a.ParseStreamEvent([]byte(`{"type":"message_stop"}`), buffer)
	require.NoError(t, err)
	assert.True(t, parsed.Done)
}

func TestParseStreamEvent_ZeroArgToolFlushedOnBlockStop(t *testing.T) {
	a := newTestAdapter(t)
	buffer := gateway.NewToolCallRequestBuffer()

	_, err := a.ParseStreamEvent([]byte(`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"refresh"}}`), buffer)
	require.NoError(t, err)

	parsed, err := a.ParseStreamEvent([]byte(`{"type":"content_block_stop","index":0}`), buffer)
	require.NoError(t, err)
	require.Len(t, parsed.ToolCalls, 1)
	assert.Equal(t, "refresh", parsed.ToolCalls[0].ToolName)
	assert.Equal(t, map[string]any{}, parsed.ToolCalls[0].ToolInput)
}

func TestParseStreamEvent_MaxTokensDelta(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.ParseStreamEvent([]byte(`{"type":"message_delta","delta":{"stop_reason":"max_tokens"}}`), gateway.NewToolCallRequestBuffer())
	require.Error(t, err)
	assert.Equal(t, gateway.ErrCodeMaxTokensExceeded, gateway.CodeOf(err))
}

func TestParseStreamEvent_ErrorEvent(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.ParseStreamEvent([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`), gateway.NewToolCallRequestBuffer())
	require.Error(t, err)
	assert.Equal(t, gateway.ErrCodeProviderInternal, gateway.CodeOf(err))
	assert.True(t, gateway.IsRetryable(err))
}

// ============================================================================
// Error classification
// ============================================================================

func TestClassifyError(t *testing.T) {
	a := newTestAdapter(t)

	gerr := a.ClassifyError(http.StatusBadRequest, []byte(`{"error":{"type":"invalid_request_error","message":"prompt is too long: 250000 tokens > 200000 maximum"}}`))
	assert.Equal(t, gateway.ErrCodeMaxTokensExceeded, gerr.Code)

	gerr = a.ClassifyError(http.StatusBadRequest, []byte(`{"error":{"type":"invalid_request_error","message":"Output blocked by content filtering policy"}}`))
	assert.Equal(t, gateway.ErrCodeContentModeration, gerr.Code)

	gerr = a.ClassifyError(http.StatusOK, []byte(`{"error":{"type":"overloaded_error","message":"Overloaded"}}`))
	assert.Equal(t, gateway.ErrCodeProviderInternal, gerr.Code)
	assert.True(t, gerr.Retryable)

	gerr = a.ClassifyError(http.StatusBadRequest, []byte(`{"error":{"type":"invalid_request_error","message":"messages: field required"}}`))
	assert.Equal(t, gateway.ErrCodeProviderBadRequest, gerr.Code)
	assert.False(t, gerr.Retryable)
}

// ============================================================================
// Standardization
// ============================================================================

func TestStandardizeMessages_RoundTrip(t *testing.T) {
	a := newTestAdapter(t)
	body, err := a.BuildRequest([]gateway.Message{
		{Role: gateway.RoleSystem, Content: "Be terse."},
		{Role: gateway.RoleUser, Content: "Read this", Files: []gateway.File{{Data: "JVBERi0=", ContentType: "application/pdf"}}},
		{Role: gateway.RoleAssistant, ToolCallRequests: []gateway.ToolCallRequest{{
			ID: "toolu_1", ToolName: "lookup", ToolInput: map[string]any{"q": "x"},
		}}},
		{Role: gateway.RoleUser, ToolCallResults: []gateway.ToolCallResult{{ID: "toolu_1", Result: "found"}}},
	}, gateway.ProviderOptions{Model: "claude-3-7-sonnet-latest", MaxTokens: 100}, false)
	require.NoError(t, err)

	std, err := a.StandardizeMessages(body)
	require.NoError(t, err)
	require.Len(t, std, 4)

	assert.Equal(t, "system", std[0].Role)
	assert.Equal(t, "Be terse.", std[0].Content[0].Text)

	require.Len(t, std[1].Content, 2)
	assert.Equal(t, "document_url", std[1].Content[1].Type)
	assert.Equal(t, "data:application/pdf;base64,JVBERi0=", std[1].Content[1].URL)

	assert.Equal(t, "tool_call_request", std[2].Content[0].Type)
	assert.Equal(t, "lookup", std[2].Content[0].ToolCallRequest.ToolName)

	assert.Equal(t, "tool_call_result", std[3].Content[0].Type)
	assert.Equal(t, "toolu_1", std[3].Content[0].ToolCallResult.ID)
}
