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

package mistral

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
	a, err := New(gateway.ProviderConfig{Name: "mistral", Type: gateway.ProviderMistral, APIKey: "mk-test"})
	require.NoError(t, err)
	return a
}

func TestSupportsModel(t *testing.T) {
	a := newTestAdapter(t)
	assert.True(t, a.SupportsModel("mistral-large-latest"))
	assert.True(t, a.SupportsModel("pixtral-12b-2409"))
	assert.True(t, a.SupportsModel("codestral-latest"))
	assert.False(t, a.SupportsModel("gpt-4o"))
}

// ============================================================================
// Tool-call ID sanitization
// ============================================================================

func TestSanitizeToolCallID(t *testing.T) {
	// Nine alphanumeric characters pass through.
	assert.Equal(t, "abc123XYZ", SanitizeToolCallID("abc123XYZ"))

	// Anything else gets a deterministic nine-character replacement.
	rehashed := SanitizeToolCallID("call_longer_than_nine")
	assert.Len(t, rehashed, 9)
	assert.Regexp(t, `^[a-zA-Z0-9]{9}$`, rehashed)
	assert.Equal(t, rehashed, SanitizeToolCallID("call_longer_than_nine"))
	assert.NotEqual(t, rehashed, SanitizeToolCallID("call_other"))
}

func TestBuildRequest_SanitizesToolIDsConsistently(t *testing.T) {
	a := newTestAdapter(t)
	body, err := a.BuildRequest([]gateway.Message{
		{Role: gateway.RoleAssistant, ToolCallRequests: []gateway.ToolCallRequest{{
			ID: "toolu_01Abc", ToolName: "lookup", ToolInput: map[string]any{"q": "x"},
		}}},
		{Role: gateway.RoleUser, ToolCallResults: []gateway.ToolCallResult{{
			ID: "toolu_01Abc", Result: "found",
		}}},
	}, gateway.ProviderOptions{Model: "mistral-large-latest"}, false)
	require.NoError(t, err)

	var req chatRequest
	require.NoError(t, json.Unmarshal(body, &req))
	require.Len(t, req.Messages, 2)
	callID := req.Messages[0].ToolCalls[0].ID
	assert.Len(t, callID, 9)
	assert.Equal(t, callID, req.Messages[1].ToolCallID)
}

// ============================================================================
// Request building
// ============================================================================

func TestBuildRequest_DocumentURLPart(t *testing.T) {
	a := newTestAdapter(t)
	body, err := a.BuildRequest([]gateway.Message{{
		Role:    gateway.RoleUser,
		Content: "Summarize",
		Files: []gateway.File{
			{URL: "https://example.com/doc.pdf", ContentType: "application/pdf"},
			{Data: "aGVsbG8=", ContentType: "image/png"},
		},
	}}, gateway.ProviderOptions{Model: "mistral-large-latest"}, false)
	require.NoError(t, err)

	var raw struct {
		Messages []struct {
			Content []contentPart `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &raw))
	parts := raw.Messages[0].Content
	require.Len(t, parts, 3)
	assert.Equal(t, "document_url", parts[1].Type)
	assert.Equal(t, "https://example.com/doc.pdf", parts[1].DocumentURL)
	assert.Equal(t, "image_url", parts[2].Type)
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", parts[2].ImageURL)
}

func TestBuildRequest_AudioRejected(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.BuildRequest([]gateway.Message{{
		Role:  gateway.RoleUser,
		Files: []gateway.File{{Data: "UklGRg==", ContentType: "audio/wav"}},
	}}, gateway.ProviderOptions{Model: "mistral-large-latest"}, false)
	require.Error(t, err)
	assert.Equal(t, gateway.ErrCodeModelDoesNotSupportMode, gateway.CodeOf(err))
}

// ============================================================================
// Completion and stream parsing
// ============================================================================

func TestParseCompletion_ModelLengthFinish(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.ParseCompletion([]byte(`{
		"choices": [{"message": {"role": "assistant", "content": "{\"part"}, "finish_reason": "model_length"}]
	}`))
	require.Error(t, err)
	assert.Equal(t, gateway.ErrCodeMaxTokensExceeded, gateway.CodeOf(err))
}

func TestParseCompletion_ToolCalls(t *testing.T) {
	a := newTestAdapter(t)
	parsed, err := a.ParseCompletion([]byte(`{
		"choices": [{"message": {"role": "assistant", "tool_calls": [
			{"id": "a1b2c3d4e", "function": {"name": "lookup", "arguments": "{\"q\":\"x\"}"}}
		]}, "finish_reason": "tool_calls"}],
		"usage": {"prompt_tokens": 40, "completion_tokens": 12}
	}`))
	require.NoError(t, err)
	require.Len(t, parsed.ToolCalls, 1)
	assert.Equal(t, "a1b2c3d4e", parsed.ToolCalls[0].ID)
	assert.Equal(t, 40, *parsed.Usage.PromptTokenCount)
}

func TestParseStreamEvent_ToolCallFragments(t *testing.T) {
	a := newTestAdapter(t)
	buffer := gateway.NewToolCallRequestBuffer()

	parsed, err := a.ParseStreamEvent([]byte(`{"choices":[{"delta":{"tool_calls":[
		{"index":0,"id":"a1b2c3d4e","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`), buffer)
	require.NoError(t, err)
	assert.Empty(t, parsed.ToolCalls)

	parsed, err = a.ParseStreamEvent([]byte(`{"choices":[{"delta":{"tool_calls":[
		{"index":0,"function":{"arguments":"\"x\"}"}}]}}]}`), buffer)
	require.NoError(t, err)
	require.Len(t, parsed.ToolCalls, 1)
	assert.Equal(t, map[string]any{"q": "x"}, parsed.ToolCalls[0].ToolInput)
}

// ============================================================================
// Error classification
// ============================================================================

func TestClassifyError(t *testing.T) {
	a := newTestAdapter(t)

	gerr := a.ClassifyError(http.StatusBadRequest, []byte(`{"message":"Prompt contains 40000 tokens, too large for model with 32768 maximum context length"}`))
	assert.Equal(t, gateway.ErrCodeMaxTokensExceeded, gerr.Code)

	gerr = a.ClassifyError(http.StatusUnprocessableEntity, []byte(`{"detail":[{"msg":"field required","loc":["body","messages"]}]}`))
	assert.Equal(t, gateway.ErrCodeProviderBadRequest, gerr.Code)
	assert.Equal(t, "field required", gerr.Message)

	gerr = a.ClassifyError(http.StatusServiceUnavailable, []byte(`{"message":"Service unavailable"}`))
	assert.Equal(t, gateway.ErrCodeProviderInternal, gerr.Code)
	assert.True(t, gerr.Retryable)
}

// ============================================================================
// Standardization
// ============================================================================

func TestStandardizeMessages_RoundTrip(t *testing.T) {
	a := newTestAdapter(t)
	body, err := a.BuildRequest([]gateway.Message{
		{Role: gateway.RoleSystem, Content: "Be terse."},
		{Role: gateway.RoleUser, Content: "Summarize", Files: []gateway.File{
			{URL: "https://example.com/doc.pdf", ContentType: "application/pdf"},
		}},
	}, gateway.ProviderOptions{Model: "mistral-large-latest"}, false)
	require.NoError(t, err)

	std, err := a.StandardizeMessages(body)
	require.NoError(t, err)
	require.Len(t, std, 2)
	assert.Equal(t, "system", std[0].Role)
	require.Len(t, std[1].Content, 2)
	assert.Equal(t, "document_url", std[1].Content[1].Type)
	assert.Equal(t, "https://example.com/doc.pdf", std[1].Content[1].URL)
}
