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
	"fmt"
	"io"
	"net/http"
	"time"

	"workflowai/backend/shared/logger"
)

const (
	// DefaultTimeout is the default HTTP timeout for provider calls.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxAttempts is the overall per-call attempt ceiling, applied on
	// top of each error code's own budget.
	DefaultMaxAttempts = 4
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// OutputFactory materializes the schema-validated structured output from the
// provider's text content. partial is true for lenient mid-stream parses and
// false for the final, strictly validated output. The factory is supplied by
// the caller because output schemas belong to the task, not the gateway.
type OutputFactory func(content string, partial bool) (map[string]any, error)

// StreamFunc receives each partial structured output produced during a
// streamed call, strictly in arrival order. Returning an error aborts the
// stream.
type StreamFunc func(output StructuredOutput) error

// CompletionResult bundles the normalized output of a provider exchange with
// its frozen wire-level ledger.
type CompletionResult struct {
	Output        StructuredOutput
	RawCompletion RawCompletion
}

// Transport is the shared execution harness wrapping every adapter call with
// uniform retry, timing, metrics and structured-output extraction. It holds
// no per-call state and is safe for concurrent use.
type Transport struct {
	client      HTTPClient
	log         *logger.Logger
	maxAttempts int
	backoff     backoffConfig
}

// TransportOption configures the transport during creation.
type TransportOption func(*Transport)

// WithHTTPClient sets a custom HTTP client (used in tests and for custom
// timeouts or proxies).
func WithHTTPClient(client HTTPClient) TransportOption {
	return func(t *Transport) { t.client = client }
}

// WithMaxAttempts sets the overall per-call attempt ceiling.
func WithMaxAttempts(n int) TransportOption {
	return func(t *Transport) {
		if n > 0 {
			t.maxAttempts = n
		}
	}
}

// WithBackoff overrides the initial and maximum retry delays. Growth stays
// exponential with jitter.
func WithBackoff(initial, max time.Duration) TransportOption {
	return func(t *Transport) {
		if initial > 0 {
			t.backoff.initial = initial
		}
		if max > 0 {
			t.backoff.max = max
		}
	}
}

// NewTransport creates a transport with the default timeout, attempt
// ceiling and backoff policy.
func NewTransport(opts ...TransportOption) *Transport {
	t := &Transport{
		client:      &http.Client{Timeout: DefaultTimeout},
		log:         logger.New("gateway"),
		maxAttempts: DefaultMaxAttempts,
		backoff:     defaultBackoff(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Complete runs a non-streaming exchange against the adapter. On retryable
// provider errors it retries within the error's attempt budget, backing off
// exponentially between attempts; on a final output that fails factory
// validation it appends a corrective assistant+user turn and retries
// immediately, bounded by the same attempt ceiling.
func (t *Transport) Complete(ctx context.Context, adapter ProviderAdapter, messages []Message, opts ProviderOptions, factory OutputFactory) (*CompletionResult, error) {
	if err := validateMessages(messages); err != nil {
		return nil, err
	}

	conversation := messages
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		body, err := adapter.BuildRequest(conversation, opts, false)
		if err != nil {
			return nil, err
		}

		respBody, callErr := t.post(ctx, adapter, opts, body, false)
		if callErr != nil {
			recordAttempt(opts.Model, adapter.Type(), opts.Tenant, string(CodeOf(callErr)))
			lastErr = callErr
			if t.shouldRetry(callErr, attempt) {
				if waitErr := t.wait(ctx, attempt); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, callErr
		}

		parsed, parseErr := adapter.ParseCompletion(respBody)
		if parseErr != nil {
			recordAttempt(opts.Model, adapter.Type(), opts.Tenant, string(CodeOf(parseErr)))
			lastErr = parseErr
			if t.shouldRetry(parseErr, attempt) {
				if waitErr := t.wait(ctx, attempt); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, parseErr
		}

		recordAttempt(opts.Model, adapter.Type(), opts.Tenant, "ok")

		output, factoryErr := t.materialize(parsed, factory)
		if factoryErr != nil {
			var typed *Error
			if asGatewayError(factoryErr, &typed) {
				// Empty responses are classified failures, not fixable by a
				// corrective turn.
				return nil, factoryErr
			}
			lastErr = factoryErr
			if attempt < t.maxAttempts {
				t.log.Warn(opts.Tenant, "", "structured output invalid, appending corrective turn", map[string]interface{}{
					"provider": string(adapter.Type()),
					"model":    opts.Model,
					"error":    factoryErr.Error(),
					"attempt":  attempt,
				})
				conversation = appendCorrectiveTurn(conversation, parsed.Content, factoryErr)
				continue
			}
			return nil, NewError(adapter.Type(), ErrCodeFailedGeneration,
				fmt.Sprintf("output failed validation after %d attempts: %v", attempt, factoryErr))
		}

		duration := time.Since(start)
		observeDuration(opts.Model, adapter.Type(), float64(duration.Milliseconds()))

		usage := LLMUsage{}
		usage.Merge(parsed.Usage)
		return &CompletionResult{
			Output: *output,
			RawCompletion: RawCompletion{
				Request:      string(body),
				Response:     parsed.Content,
				Usage:        usage,
				FinishReason: parsed.FinishReason,
				Duration:     duration,
			},
		}, nil
	}

	return nil, lastErr
}

// Stream runs a streaming exchange. Each event's text delta produces a
// lenient partial structured output delivered to handler in arrival order.
// The opening of the stream is retried under the usual policy; once the
// first event has been delivered the stream is not restartable and any
// failure surfaces after all previously produced chunks were handed over.
func (t *Transport) Stream(ctx context.Context, adapter ProviderAdapter, messages []Message, opts ProviderOptions, factory OutputFactory, handler StreamFunc) (*CompletionResult, error) {
	if err := validateMessages(messages); err != nil {
		return nil, err
	}

	body, err := adapter.BuildRequest(messages, opts, true)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		respBody, callErr := t.open(ctx, adapter, opts, body)
		if callErr != nil {
			recordAttempt(opts.Model, adapter.Type(), opts.Tenant, string(CodeOf(callErr)))
			lastErr = callErr
			if t.shouldRetry(callErr, attempt) {
				if waitErr := t.wait(ctx, attempt); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, callErr
		}

		result, streamErr := t.consumeStream(adapter, opts, body, respBody, factory, handler, start)
		_ = respBody.Close()
		if streamErr != nil {
			recordAttempt(opts.Model, adapter.Type(), opts.Tenant, string(CodeOf(streamErr)))
			return nil, streamErr
		}
		recordAttempt(opts.Model, adapter.Type(), opts.Tenant, "ok")
		return result, nil
	}

	return nil, lastErr
}

// streamAccumulator is the explicit fold state for one in-flight stream. It
// is exclusively owned by the consuming goroutine and never read
// concurrently.
type streamAccumulator struct {
	text      bytes.Buffer
	reasoning []string
	toolCalls []ToolCallRequest
	usage     LLMUsage
	finish    string
}

func (t *Transport) consumeStream(adapter ProviderAdapter, opts ProviderOptions, reqBody []byte, body io.ReadCloser, factory OutputFactory, handler StreamFunc, start time.Time) (*CompletionResult, error) {
	events := adapter.WrapStream(body)
	buffer := NewToolCallRequestBuffer()
	acc := &streamAccumulator{}

	for {
		event, err := events.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Chunks already delivered stay with the caller; only the
			// terminal error surfaces here.
			return nil, t.asProviderError(adapter, err)
		}

		delta, err := adapter.ParseStreamEvent(event, buffer)
		if err != nil {
			return nil, t.asProviderError(adapter, err)
		}
		if delta == nil {
			continue
		}

		acc.text.WriteString(delta.Content)
		if delta.ReasoningContent != "" {
			acc.reasoning = append(acc.reasoning, delta.ReasoningContent)
		}
		if len(delta.ToolCalls) > 0 {
			acc.toolCalls = append(acc.toolCalls, delta.ToolCalls...)
		}
		acc.usage.Merge(delta.Usage)
		if delta.FinishReason != "" {
			acc.finish = delta.FinishReason
		}

		if delta.Content != "" && handler != nil {
			partialOut, ok := t.materializePartial(acc.text.String(), factory)
			if ok {
				partial := StructuredOutput{
					Output:         partialOut,
					ToolCalls:      acc.toolCalls,
					ReasoningSteps: acc.reasoning,
				}
				if err := handler(partial); err != nil {
					return nil, err
				}
			}
		}
	}

	parsed := &ParsedResponse{
		Content:      acc.text.String(),
		ToolCalls:    acc.toolCalls,
		FinishReason: acc.finish,
		Usage:        &acc.usage,
	}
	output, err := t.materialize(parsed, factory)
	if err != nil {
		var typed *Error
		if asGatewayError(err, &typed) {
			return nil, err
		}
		return nil, NewError(adapter.Type(), ErrCodeFailedGeneration,
			fmt.Sprintf("streamed output failed validation: %v", err))
	}
	output.ReasoningSteps = acc.reasoning

	duration := time.Since(start)
	observeDuration(opts.Model, adapter.Type(), float64(duration.Milliseconds()))

	return &CompletionResult{
		Output: *output,
		RawCompletion: RawCompletion{
			Request:      string(reqBody),
			Response:     acc.text.String(),
			Usage:        acc.usage,
			FinishReason: acc.finish,
			Duration:     duration,
		},
	}, nil
}

// materializePartial decodes accumulated stream text leniently through the
// caller's factory. A factory error means the text is not decodable yet and
// the chunk is simply not emitted; a later chunk or the final strict parse
// settles it.
func (t *Transport) materializePartial(content string, factory OutputFactory) (map[string]any, bool) {
	if factory == nil {
		return ParsePartialJSON(content), true
	}
	out, err := factory(content, true)
	if err != nil {
		return nil, false
	}
	return out, true
}

// materialize builds the final StructuredOutput from a parsed response. A
// turn carrying only tool calls has no object output; a turn with neither
// content nor tool calls is a failed generation.
func (t *Transport) materialize(parsed *ParsedResponse, factory OutputFactory) (*StructuredOutput, error) {
	if parsed.Content == "" && len(parsed.ToolCalls) == 0 {
		return nil, NewError("", ErrCodeFailedGeneration, "response carried no content and no tool calls")
	}

	out := &StructuredOutput{ToolCalls: parsed.ToolCalls, Final: true}
	if parsed.ReasoningContent != "" {
		out.ReasoningSteps = []string{parsed.ReasoningContent}
	}
	if parsed.Content != "" && factory != nil {
		decoded, err := factory(parsed.Content, false)
		if err != nil {
			return nil, err
		}
		out.Output = decoded
	}
	return out, nil
}

// post issues a non-streaming POST and returns the 2xx body. Non-2xx
// statuses are classified by the adapter.
func (t *Transport) post(ctx context.Context, adapter ProviderAdapter, opts ProviderOptions, body []byte, stream bool) ([]byte, error) {
	resp, err := t.roundTrip(ctx, adapter, opts, body, stream)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(adapter.Type(), ErrCodeUnknownProvider, "failed to read response body").WithCause(err)
	}
	return respBody, nil
}

// open issues a streaming POST and hands back the live body.
func (t *Transport) open(ctx context.Context, adapter ProviderAdapter, opts ProviderOptions, body []byte) (io.ReadCloser, error) {
	resp, err := t.roundTrip(ctx, adapter, opts, body, true)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (t *Transport) roundTrip(ctx context.Context, adapter ProviderAdapter, opts ProviderOptions, body []byte, stream bool) (*http.Response, error) {
	url, err := adapter.RequestURL(opts, stream)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(adapter.Type(), ErrCodeProviderBadRequest, "failed to create request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := adapter.SignRequest(req, body); err != nil {
		return nil, NewError(adapter.Type(), ErrCodeInvalidRunOptions, "failed to sign request").WithCause(err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		classified := NewError(adapter.Type(), ErrCodeUnknownProvider, "provider request failed").WithCause(err)
		t.reportHealth(adapter, classified)
		return nil, classified
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		classified := adapter.ClassifyError(resp.StatusCode, errBody)
		t.reportHealth(adapter, classified)
		return nil, classified
	}
	t.reportHealth(adapter, nil)
	return resp, nil
}

// reportHealth feeds the classified outcome of one HTTP exchange to the
// adapter's health flag.
func (t *Transport) reportHealth(adapter ProviderAdapter, err *Error) {
	if reporter, ok := adapter.(HealthReporter); ok {
		reporter.ReportOutcome(err)
	}
}

// shouldRetry applies the per-error attempt budget under the transport's
// overall ceiling.
func (t *Transport) shouldRetry(err error, attempt int) bool {
	if attempt >= t.maxAttempts {
		return false
	}
	var e *Error
	if !asGatewayError(err, &e) {
		return false
	}
	return e.Retryable && attempt < e.MaxAttempts
}

// asProviderError normalizes stream-level failures into classified errors.
func (t *Transport) asProviderError(adapter ProviderAdapter, err error) error {
	var e *Error
	if asGatewayError(err, &e) {
		return err
	}
	return NewError(adapter.Type(), ErrCodeUnknownProvider, "stream read failed").WithCause(err)
}

func validateMessages(messages []Message) error {
	if len(messages) == 0 {
		return NewError("", ErrCodeInvalidRunOptions, "at least one message is required")
	}
	for _, m := range messages {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// appendCorrectiveTurn extends the conversation with the invalid response and
// a retry instruction, the recovery path for providers that return malformed
// JSON output.
func appendCorrectiveTurn(messages []Message, invalidContent string, cause error) []Message {
	extended := make([]Message, 0, len(messages)+2)
	extended = append(extended, messages...)
	extended = append(extended,
		Message{Role: RoleAssistant, Content: invalidContent},
		Message{Role: RoleUser, Content: fmt.Sprintf("Your previous response was invalid with error `%v`. Please retry.", cause)},
	)
	return extended
}
