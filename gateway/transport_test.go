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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is a minimal in-package adapter speaking a JSON toy protocol:
// responses are {"content": ..., "finish": ...}, stream events are
// {"delta": ..., "prompt_tokens": ..., "completion_tokens": ...}.
type fakeAdapter struct{}

func (a *fakeAdapter) Name() string   { return "fake" }
func (a *fakeAdapter) Type() Provider { return ProviderOpenAI }

func (a *fakeAdapter) BuildRequest(messages []Message, opts ProviderOptions, stream bool) ([]byte, error) {
	return json.Marshal(map[string]any{"messages": messages, "model": opts.Model, "stream": stream})
}

func (a *fakeAdapter) RequestURL(opts ProviderOptions, stream bool) (string, error) {
	return "https://fake.invalid/v1/complete", nil
}

func (a *fakeAdapter) SignRequest(req *http.Request, body []byte) error {
	req.Header.Set("Authorization", "Bearer test")
	return nil
}

func (a *fakeAdapter) ParseCompletion(body []byte) (*ParsedResponse, error) {
	var resp struct {
		Content string `json:"content"`
		Finish  string `json:"finish"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewError(a.Type(), ErrCodeUnknownProvider, "bad body")
	}
	prompt, completion := 10, 5
	return &ParsedResponse{
		Content:      resp.Content,
		FinishReason: resp.Finish,
		Usage:        &LLMUsage{PromptTokenCount: &prompt, CompletionTokenCount: &completion},
	}, nil
}

func (a *fakeAdapter) WrapStream(body io.Reader) EventStream { return NewSSEStream(body) }

func (a *fakeAdapter) ParseStreamEvent(event []byte, buffer *ToolCallRequestBuffer) (*ParsedResponse, error) {
	var ev struct {
		Delta            string `json:"delta"`
		Finish           string `json:"finish"`
		PromptTokens     *int   `json:"prompt_tokens"`
		CompletionTokens *int   `json:"completion_tokens"`
	}
	if err := json.Unmarshal(event, &ev); err != nil {
		return nil, nil
	}
	parsed := &ParsedResponse{Content: ev.Delta, FinishReason: ev.Finish}
	if ev.PromptTokens != nil || ev.CompletionTokens != nil {
		parsed.Usage = &LLMUsage{PromptTokenCount: ev.PromptTokens, CompletionTokenCount: ev.CompletionTokens}
	}
	return parsed, nil
}

func (a *fakeAdapter) ClassifyError(statusCode int, body []byte) *Error {
	if statusCode >= 500 {
		return NewError(a.Type(), ErrCodeProviderInternal, "upstream fault").WithStatus(statusCode)
	}
	return NewError(a.Type(), ErrCodeProviderBadRequest, "rejected").WithStatus(statusCode)
}

func (a *fakeAdapter) StandardizeMessages(body []byte) ([]StandardMessage, error) { return nil, nil }

func (a *fakeAdapter) SupportsModel(model string) bool { return true }

func (a *fakeAdapter) IsHealthy() bool { return true }

// healthTrackingAdapter is a fakeAdapter that carries the real health flag,
// for exercising the transport's outcome reporting.
type healthTrackingAdapter struct {
	fakeAdapter
	*HealthState
}

func newHealthTrackingAdapter() *healthTrackingAdapter {
	return &healthTrackingAdapter{HealthState: NewHealthState()}
}

func (a *healthTrackingAdapter) IsHealthy() bool { return a.HealthState.IsHealthy() }

// scriptedClient replays a fixed sequence of responses and records request
// bodies.
type scriptedClient struct {
	responses []*http.Response
	bodies    []string
}

func (c *scriptedClient) Do(req *http.Request) (*http.Response, error) {
	raw, _ := io.ReadAll(req.Body)
	c.bodies = append(c.bodies, string(raw))
	if len(c.responses) == 0 {
		return nil, errors.New("no scripted response left")
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func resp(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Header:     http.Header{},
	}
}

func jsonFactory(content string, partial bool) (map[string]any, error) {
	if partial {
		return ParsePartialJSON(content), nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func userMessages() []Message {
	return []Message{{Role: RoleUser, Content: "hi"}}
}

func TestComplete_Success(t *testing.T) {
	client := &scriptedClient{responses: []*http.Response{
		resp(200, `{"content": "{\"city\": \"Paris\"}", "finish": "stop"}`),
	}}
	tr := NewTransport(WithHTTPClient(client))

	result, err := tr.Complete(context.Background(), &fakeAdapter{}, userMessages(), ProviderOptions{Model: "m"}, jsonFactory)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"city": "Paris"}, result.Output.Output)
	assert.True(t, result.Output.Final)
	assert.Equal(t, "stop", result.RawCompletion.FinishReason)
	require.NotNil(t, result.RawCompletion.Usage.PromptTokenCount)
	assert.Equal(t, 10, *result.RawCompletion.Usage.PromptTokenCount)
	assert.Len(t, client.bodies, 1)
}

func TestComplete_RetriesServerFaultThenSucceeds(t *testing.T) {
	client := &scriptedClient{responses: []*http.Response{
		resp(500, `{"error": "overloaded"}`),
		resp(200, `{"content": "{\"ok\": true}", "finish": "stop"}`),
	}}
	tr := NewTransport(WithHTTPClient(client), WithBackoff(time.Millisecond, 5*time.Millisecond))

	result, err := tr.Complete(context.Background(), &fakeAdapter{}, userMessages(), ProviderOptions{Model: "m"}, jsonFactory)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, result.Output.Output)
	assert.Len(t, client.bodies, 2)
}

func TestComplete_BadRequestIsNotRetried(t *testing.T) {
	client := &scriptedClient{responses: []*http.Response{
		resp(400, `{"error": "bad"}`),
	}}
	tr := NewTransport(WithHTTPClient(client))

	_, err := tr.Complete(context.Background(), &fakeAdapter{}, userMessages(), ProviderOptions{Model: "m"}, jsonFactory)
	require.Error(t, err)
	assert.Equal(t, ErrCodeProviderBadRequest, CodeOf(err))
	assert.False(t, IsRetryable(err))
	assert.Len(t, client.bodies, 1)
}

func TestComplete_ExhaustsRetryBudget(t *testing.T) {
	client := &scriptedClient{responses: []*http.Response{
		resp(500, `{}`), resp(500, `{}`), resp(500, `{}`), resp(500, `{}`), resp(500, `{}`),
	}}
	tr := NewTransport(WithHTTPClient(client), WithBackoff(time.Millisecond, 5*time.Millisecond))

	_, err := tr.Complete(context.Background(), &fakeAdapter{}, userMessages(), ProviderOptions{Model: "m"}, jsonFactory)
	require.Error(t, err)
	assert.Equal(t, ErrCodeProviderInternal, CodeOf(err))
	assert.Len(t, client.bodies, DefaultMaxAttempts)
}

func TestComplete_CorrectiveTurnOnInvalidOutput(t *testing.T) {
	client := &scriptedClient{responses: []*http.Response{
		resp(200, `{"content": "not json", "finish": "stop"}`),
		resp(200, `{"content": "{\"city\": \"Paris\"}", "finish": "stop"}`),
	}}
	tr := NewTransport(WithHTTPClient(client))

	result, err := tr.Complete(context.Background(), &fakeAdapter{}, userMessages(), ProviderOptions{Model: "m"}, jsonFactory)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"city": "Paris"}, result.Output.Output)

	// The second request carries the invalid response and a retry
	// instruction appended to the conversation.
	require.Len(t, client.bodies, 2)
	assert.Contains(t, client.bodies[1], "not json")
	assert.Contains(t, client.bodies[1], "Please retry")
}

func TestComplete_EmptyResponseIsFailedGeneration(t *testing.T) {
	client := &scriptedClient{responses: []*http.Response{
		resp(200, `{"content": "", "finish": "stop"}`),
	}}
	tr := NewTransport(WithHTTPClient(client))

	_, err := tr.Complete(context.Background(), &fakeAdapter{}, userMessages(), ProviderOptions{Model: "m"}, jsonFactory)
	require.Error(t, err)
	assert.Equal(t, ErrCodeFailedGeneration, CodeOf(err))
	assert.Len(t, client.bodies, 1, "an empty response is not fixable by a corrective turn")
}

func TestComplete_RejectsInvalidMessages(t *testing.T) {
	tr := NewTransport(WithHTTPClient(&scriptedClient{}))

	_, err := tr.Complete(context.Background(), &fakeAdapter{}, nil, ProviderOptions{}, jsonFactory)
	assert.Equal(t, ErrCodeInvalidRunOptions, CodeOf(err))

	withFiles := []Message{{Role: RoleSystem, Content: "x", Files: []File{{Data: "AA==", ContentType: "image/png"}}}}
	_, err = tr.Complete(context.Background(), &fakeAdapter{}, withFiles, ProviderOptions{}, jsonFactory)
	assert.Equal(t, ErrCodeInvalidRunOptions, CodeOf(err))
}

func streamBody(events ...string) string {
	var b bytes.Buffer
	for _, e := range events {
		b.WriteString("data: ")
		b.WriteString(e)
		b.WriteString("\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func TestStream_DeliversPartialsInOrder(t *testing.T) {
	body := streamBody(
		`{"delta": "{\"city\": \"Pa"}`,
		`{"delta": "ris\"}", "finish": "stop", "prompt_tokens": 10, "completion_tokens": 4}`,
	)
	client := &scriptedClient{responses: []*http.Response{resp(200, body)}}
	tr := NewTransport(WithHTTPClient(client))

	var partials []map[string]any
	result, err := tr.Stream(context.Background(), &fakeAdapter{}, userMessages(), ProviderOptions{Model: "m"}, jsonFactory,
		func(out StructuredOutput) error {
			partials = append(partials, out.Output)
			return nil
		})
	require.NoError(t, err)

	require.Len(t, partials, 2)
	assert.Equal(t, map[string]any{"city": "Pa"}, partials[0])
	assert.Equal(t, map[string]any{"city": "Paris"}, partials[1])

	assert.Equal(t, map[string]any{"city": "Paris"}, result.Output.Output)
	assert.Equal(t, "stop", result.RawCompletion.FinishReason)
	require.NotNil(t, result.RawCompletion.Usage.CompletionTokenCount)
	assert.Equal(t, 4, *result.RawCompletion.Usage.CompletionTokenCount)
}

func TestStream_PartialsGoThroughFactory(t *testing.T) {
	body := streamBody(
		`{"delta": "{\"city\": \"Pa"}`,
		`{"delta": "ris\"}", "finish": "stop"}`,
	)
	client := &scriptedClient{responses: []*http.Response{resp(200, body)}}
	tr := NewTransport(WithHTTPClient(client))

	// A factory that tags its outputs proves partial chunks are decoded by
	// the caller's factory, not by the transport's built-in lenient parse.
	var partialFlags []bool
	factory := func(content string, partial bool) (map[string]any, error) {
		partialFlags = append(partialFlags, partial)
		if partial {
			return map[string]any{"seen": len(content)}, nil
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(content), &out); err != nil {
			return nil, err
		}
		return out, nil
	}

	var partials []map[string]any
	result, err := tr.Stream(context.Background(), &fakeAdapter{}, userMessages(), ProviderOptions{Model: "m"}, factory,
		func(out StructuredOutput) error {
			partials = append(partials, out.Output)
			return nil
		})
	require.NoError(t, err)

	require.Len(t, partials, 2)
	assert.Equal(t, map[string]any{"seen": 12}, partials[0])
	assert.Equal(t, map[string]any{"seen": 17}, partials[1])
	assert.Equal(t, []bool{true, true, false}, partialFlags)
	assert.Equal(t, map[string]any{"city": "Paris"}, result.Output.Output)
}

func TestStream_UndecodablePartialIsSkipped(t *testing.T) {
	body := streamBody(
		`{"delta": "abc"}`,
		`{"delta": "{\"ok\": true}", "finish": "stop"}`,
	)
	client := &scriptedClient{responses: []*http.Response{resp(200, body)}}
	tr := NewTransport(WithHTTPClient(client))

	factory := func(content string, partial bool) (map[string]any, error) {
		out := ParsePartialJSON(content)
		if out == nil {
			return nil, errors.New("no object yet")
		}
		return out, nil
	}

	var partials []map[string]any
	_, err := tr.Stream(context.Background(), &fakeAdapter{}, userMessages(), ProviderOptions{Model: "m"}, factory,
		func(out StructuredOutput) error {
			partials = append(partials, out.Output)
			return nil
		})
	require.NoError(t, err)

	// The first chunk had no decodable object and was not emitted.
	require.Len(t, partials, 1)
	assert.Equal(t, map[string]any{"ok": true}, partials[0])
}

func TestTransport_ReportsAdapterHealth(t *testing.T) {
	adapter := newHealthTrackingAdapter()
	assert.True(t, adapter.IsHealthy())

	client := &scriptedClient{responses: []*http.Response{
		resp(500, `{}`), resp(500, `{}`), resp(500, `{}`), resp(500, `{}`),
	}}
	tr := NewTransport(WithHTTPClient(client), WithBackoff(time.Millisecond, 5*time.Millisecond))

	_, err := tr.Complete(context.Background(), adapter, userMessages(), ProviderOptions{Model: "m"}, jsonFactory)
	require.Error(t, err)
	assert.False(t, adapter.IsHealthy(), "a provider fault marks the adapter unhealthy")

	client.responses = []*http.Response{resp(200, `{"content": "{\"ok\": true}", "finish": "stop"}`)}
	_, err = tr.Complete(context.Background(), adapter, userMessages(), ProviderOptions{Model: "m"}, jsonFactory)
	require.NoError(t, err)
	assert.True(t, adapter.IsHealthy(), "a success clears the flag")
}

func TestTransport_BadRequestLeavesHealthAlone(t *testing.T) {
	adapter := newHealthTrackingAdapter()
	client := &scriptedClient{responses: []*http.Response{resp(400, `{}`)}}
	tr := NewTransport(WithHTTPClient(client))

	_, err := tr.Complete(context.Background(), adapter, userMessages(), ProviderOptions{Model: "m"}, jsonFactory)
	require.Error(t, err)
	assert.True(t, adapter.IsHealthy(), "caller-side errors say nothing about the provider")
}

func TestStream_HandlerErrorAborts(t *testing.T) {
	body := streamBody(`{"delta": "{\"a\": 1}"}`)
	client := &scriptedClient{responses: []*http.Response{resp(200, body)}}
	tr := NewTransport(WithHTTPClient(client))

	boom := errors.New("consumer gave up")
	_, err := tr.Stream(context.Background(), &fakeAdapter{}, userMessages(), ProviderOptions{Model: "m"}, jsonFactory,
		func(out StructuredOutput) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestStream_RetriesFailedOpen(t *testing.T) {
	body := streamBody(`{"delta": "{\"ok\": true}", "finish": "stop"}`)
	client := &scriptedClient{responses: []*http.Response{
		resp(503, `{"error": "unavailable"}`),
		resp(200, body),
	}}
	tr := NewTransport(WithHTTPClient(client), WithBackoff(time.Millisecond, 5*time.Millisecond))

	result, err := tr.Stream(context.Background(), &fakeAdapter{}, userMessages(), ProviderOptions{Model: "m"}, jsonFactory, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, result.Output.Output)
	assert.Len(t, client.bodies, 2)
}
