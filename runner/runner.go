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

package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"workflowai/backend/common/usage"
	"workflowai/backend/gateway"
	"workflowai/backend/shared/logger"
)

// costFinalizationTimeout bounds how long a run waits for cost computation.
// Past the deadline the run ships with a nil cost and the computation is
// abandoned.
const costFinalizationTimeout = 500 * time.Millisecond

// RunRequest describes one task execution.
type RunRequest struct {
	TaskID       string
	TaskSchemaID int
	Tenant       string
	Input        map[string]any
	Group        Group

	// CacheMode is one of always, only, never, auto or when_available.
	// Empty defaults to auto.
	CacheMode string

	// OutputFactory overrides the default JSON-object output decoding.
	OutputFactory gateway.OutputFactory
}

// Runner is the orchestration facade. It is constructed once at process
// startup with its registry, transport, pricing and stores, and is safe for
// concurrent use; concurrent runs share only the adapters and the caches.
type Runner struct {
	registry     *gateway.Registry
	transport    *gateway.Transport
	pricing      *usage.Pricing
	cache        RunCache
	store        RunStore
	recorder     *usage.Recorder
	tokenStats   *usage.TokenCountCache
	log          *logger.Logger
	cacheTTL     time.Duration
	cacheTimeout time.Duration
}

// RunnerOption configures the runner during creation.
type RunnerOption func(*Runner)

// WithRunCache enables fingerprint-keyed run caching.
func WithRunCache(cache RunCache) RunnerOption {
	return func(r *Runner) { r.cache = cache }
}

// WithRunStore enables run persistence.
func WithRunStore(store RunStore) RunnerOption {
	return func(r *Runner) { r.store = store }
}

// WithCacheTTL overrides how long cached runs stay replayable.
func WithCacheTTL(ttl time.Duration) RunnerOption {
	return func(r *Runner) {
		if ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

// WithUsageRecorder enables best-effort usage event metering. Recording
// failures are logged and never fail the run.
func WithUsageRecorder(recorder *usage.Recorder) RunnerOption {
	return func(r *Runner) { r.recorder = recorder }
}

// WithCacheTimeout overrides the per-lookup cache deadline.
func WithCacheTimeout(timeout time.Duration) RunnerOption {
	return func(r *Runner) {
		if timeout > 0 {
			r.cacheTimeout = timeout
		}
	}
}

// New creates a runner over a registry, transport and pricing table. Cache
// and store are optional; without them every run executes and nothing is
// persisted.
func New(registry *gateway.Registry, transport *gateway.Transport, pricing *usage.Pricing, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry:     registry,
		transport:    transport,
		pricing:      pricing,
		log:          logger.New("runner"),
		tokenStats:   usage.NewTokenCountCache(0),
		cacheTTL:     DefaultCacheTTL,
		cacheTimeout: DefaultCacheTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes a task once, or replays it from the cache when the cache
// mode allows. Failed runs are persisted but never cached, so an identical
// retry executes fully.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*Run, error) {
	return r.execute(ctx, req, nil)
}

// Stream executes a task with streaming partial outputs. The cache path is
// identical to Run; a cache hit delivers the final output to handler once.
func (r *Runner) Stream(ctx context.Context, req RunRequest, handler gateway.StreamFunc) (*Run, error) {
	return r.execute(ctx, req, handler)
}

func (r *Runner) execute(ctx context.Context, req RunRequest, handler gateway.StreamFunc) (*Run, error) {
	mode, err := ParseCacheMode(req.CacheMode)
	if err != nil {
		return nil, err
	}

	fingerprint, err := Fingerprint(req.TaskID, req.TaskSchemaID, req.Input, req.Group.Properties)
	if err != nil {
		return nil, gateway.NewError(req.Group.Provider, gateway.ErrCodeInvalidRunOptions, "failed to fingerprint run").WithCause(err)
	}

	if r.shouldRead(mode, req.Group.Properties) {
		if cached := r.lookup(ctx, fingerprint, req.Tenant); cached != nil {
			if handler != nil {
				out := gateway.StructuredOutput{
					Output:         cached.TaskOutput,
					ToolCalls:      cached.ToolCalls,
					ReasoningSteps: cached.ReasoningSteps,
					Final:          true,
				}
				if err := handler(out); err != nil {
					return nil, err
				}
			}
			return cached, nil
		}
	}
	if mode == CacheOnly {
		return nil, gateway.NewError(req.Group.Provider, gateway.ErrCodeMissingCache,
			"no cached run for fingerprint "+fingerprint)
	}

	adapter, err := r.registry.Get(req.Group.Provider)
	if err != nil {
		return nil, err
	}

	messages, err := BuildMessages(req.Group.Properties.Instructions, req.Input)
	if err != nil {
		return nil, err
	}

	factory := req.OutputFactory
	if factory == nil {
		factory = defaultOutputFactory(req.Group.Properties.OutputSchema)
	}

	opts := gateway.ProviderOptions{
		Model:        req.Group.Properties.Model,
		Temperature:  req.Group.Properties.Temperature,
		MaxTokens:    req.Group.Properties.MaxTokens,
		EnabledTools: req.Group.Properties.EnabledTools,
		OutputSchema: req.Group.Properties.OutputSchema,
		TaskName:     req.TaskID,
		Tenant:       req.Tenant,
	}

	start := time.Now()
	var result *gateway.CompletionResult
	var callErr error
	if handler != nil {
		result, callErr = r.transport.Stream(ctx, adapter, messages, opts, factory, handler)
	} else {
		result, callErr = r.transport.Complete(ctx, adapter, messages, opts, factory)
	}

	run := &Run{
		ID:           uuid.New().String(),
		TaskID:       req.TaskID,
		TaskSchemaID: req.TaskSchemaID,
		Tenant:       req.Tenant,
		TaskInput:    req.Input,
		Group:        req.Group,
		CreatedAt:    start.UTC(),
	}

	if callErr != nil {
		run.Status = RunStatusFailure
		run.Error = runErrorFrom(callErr)
		run.DurationSeconds = time.Since(start).Seconds()
		r.log.ErrorWithCode(req.Tenant, run.ID, "run failed", run.Error.StatusCode, callErr, map[string]interface{}{
			"task":     req.TaskID,
			"provider": string(req.Group.Provider),
			"model":    req.Group.Properties.Model,
			"code":     run.Error.Code,
		})
		r.persist(ctx, run)
		r.recordUsage(run)
		return run, callErr
	}

	run.Status = RunStatusSuccess
	run.TaskOutput = result.Output.Output
	run.ToolCalls = result.Output.ToolCalls
	run.ReasoningSteps = result.Output.ReasoningSteps
	run.LLMCompletions = []gateway.RawCompletion{result.RawCompletion}
	run.DurationSeconds = time.Since(start).Seconds()

	r.finalizeCost(run, &run.LLMCompletions[0], req.Group, messages)

	if r.shouldWrite(mode, req.Group.Properties) {
		r.storeInCache(ctx, fingerprint, run)
	}
	r.persist(ctx, run)
	r.recordUsage(run)

	r.log.InfoWithDuration(req.Tenant, run.ID, "run completed", run.DurationSeconds*1000, map[string]interface{}{
		"task":     req.TaskID,
		"provider": string(req.Group.Provider),
		"model":    req.Group.Properties.Model,
	})
	return run, nil
}

// shouldRead reports whether the cache may answer this run.
func (r *Runner) shouldRead(mode CacheMode, props GroupProperties) bool {
	if r.cache == nil {
		return false
	}
	switch mode {
	case CacheNever:
		return false
	case CacheAuto:
		return isDeterministic(props)
	default:
		return true
	}
}

// shouldWrite reports whether a successful run is stored for replay.
func (r *Runner) shouldWrite(mode CacheMode, props GroupProperties) bool {
	if r.cache == nil {
		return false
	}
	switch mode {
	case CacheNever, CacheOnly:
		return false
	case CacheAuto:
		return isDeterministic(props)
	default:
		return true
	}
}

// isDeterministic is the auto-mode cacheability test: zero temperature and
// no tools means replaying the stored output is indistinguishable from
// re-executing.
func isDeterministic(props GroupProperties) bool {
	return props.Temperature != nil && *props.Temperature == 0 && len(props.EnabledTools) == 0
}

// lookup reads the cache under its bounded deadline. All failures degrade
// to a miss; the cache is never allowed to fail a run.
func (r *Runner) lookup(ctx context.Context, fingerprint, tenant string) *Run {
	lookupCtx, cancel := context.WithTimeout(ctx, r.cacheTimeout)
	defer cancel()

	cached, err := r.cache.Get(lookupCtx, fingerprint)
	if err != nil {
		r.log.Warn(tenant, "", "run cache lookup failed, treating as miss", map[string]interface{}{
			"fingerprint": fingerprint,
			"error":       err.Error(),
		})
		return nil
	}
	if cached == nil {
		return nil
	}
	cached.FromCache = true
	return cached
}

func (r *Runner) storeInCache(ctx context.Context, fingerprint string, run *Run) {
	writeCtx, cancel := context.WithTimeout(ctx, r.cacheTimeout)
	defer cancel()

	if err := r.cache.Set(writeCtx, fingerprint, run, r.cacheTTL); err != nil {
		r.log.Warn(run.Tenant, run.ID, "run cache write failed", map[string]interface{}{
			"fingerprint": fingerprint,
			"error":       err.Error(),
		})
	}
}

func (r *Runner) persist(ctx context.Context, run *Run) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(ctx, run); err != nil {
		r.log.Error(run.Tenant, run.ID, "failed to persist run", map[string]interface{}{
			"task":  run.TaskID,
			"error": err.Error(),
		})
	}
}

// finalizeCost fills the completion's usage costs and the run-level total.
// Token counts the provider omitted are recomputed locally from the request
// messages and response text before pricing. The computation runs
// fire-and-forget under a hard timeout: if it does not finish in time the
// run ships with a nil cost and the stray goroutine is left to finish on
// its own.
func (r *Runner) finalizeCost(run *Run, completion *gateway.RawCompletion, group Group, messages []gateway.Message) {
	if r.pricing == nil {
		return
	}

	// The goroutine works on its own copy of the usage record: when the
	// computation is abandoned on timeout, nothing it still touches is
	// shared with the run being returned.
	type costResult struct {
		usage gateway.LLMUsage
		err   error
	}
	usageCopy := completion.Usage
	responseText := completion.Response
	done := make(chan costResult, 1)
	go func() {
		model := group.Properties.Model
		if err := usage.FillMissingPromptTokens(&usageCopy, messages, model); err != nil {
			r.log.Warn(run.Tenant, run.ID, "local prompt token count failed", map[string]interface{}{
				"model": model,
				"error": err.Error(),
			})
		}
		if err := usage.FillMissingCompletionTokens(&usageCopy, responseText, model); err != nil {
			r.log.Warn(run.Tenant, run.ID, "local completion token count failed", map[string]interface{}{
				"model": model,
				"error": err.Error(),
			})
		}
		err := r.pricing.ComputeCost(&usageCopy, group.Provider, model, responseText != "")
		done <- costResult{usage: usageCopy, err: err}
	}()

	select {
	case result := <-done:
		if result.err != nil {
			r.log.Warn(run.Tenant, run.ID, "cost computation failed", map[string]interface{}{
				"provider": string(group.Provider),
				"model":    group.Properties.Model,
				"error":    result.err.Error(),
			})
			return
		}
		completion.Usage = result.usage
		if result.usage.CostUSD != nil {
			total := *result.usage.CostUSD
			run.CostUSD = &total
		}
	case <-time.After(costFinalizationTimeout):
		r.log.Warn(run.Tenant, run.ID, "cost computation timed out, abandoning", map[string]interface{}{
			"model": group.Properties.Model,
		})
	}
}

// recordUsage meters the run as a completion event. Best-effort: the
// recorder logs its own failures and the run is never affected.
func (r *Runner) recordUsage(run *Run) {
	if r.recorder == nil {
		return
	}
	event := usage.CompletionEvent{
		Tenant:     run.Tenant,
		RunID:      run.ID,
		TaskName:   run.TaskID,
		Provider:   string(run.Group.Provider),
		Model:      run.Group.Properties.Model,
		DurationMs: int64(run.DurationSeconds * 1000),
		Status:     string(run.Status),
	}
	if run.Error != nil {
		event.Status = run.Error.Code
	}
	if len(run.LLMCompletions) > 0 {
		u := run.LLMCompletions[0].Usage
		event.PromptTokens = intValue(u.PromptTokenCount)
		event.CompletionTokens = intValue(u.CompletionTokenCount)
		event.CachedTokens = intValue(u.PromptTokenCountCached)
		event.ReasoningTokens = intValue(u.ReasoningTokenCount)
	}
	if run.CostUSD != nil {
		event.CostUSD = *run.CostUSD
	}
	_ = r.recorder.RecordCompletion(event)
}

// TokenStats returns average prompt and completion token counts over the
// task's recent persisted runs. Aggregates are memoized with a lifetime
// that grows with the sample count, so dashboard polling does not rescan
// the store on every request.
func (r *Runner) TokenStats(ctx context.Context, taskID string, taskSchemaID int) (usage.TokenCountAggregate, error) {
	if r.store == nil {
		return usage.TokenCountAggregate{}, errors.New("token stats require a run store")
	}
	key := fmt.Sprintf("%s:%d", taskID, taskSchemaID)
	return r.tokenStats.GetOrCompute(key, func() (usage.TokenCountAggregate, error) {
		runs, err := r.store.ListByTask(ctx, taskID, 0)
		if err != nil {
			return usage.TokenCountAggregate{}, err
		}
		var agg usage.TokenCountAggregate
		var promptSum, completionSum int
		for _, run := range runs {
			if run.TaskSchemaID != taskSchemaID || len(run.LLMCompletions) == 0 {
				continue
			}
			u := run.LLMCompletions[0].Usage
			if u.PromptTokenCount == nil && u.CompletionTokenCount == nil {
				continue
			}
			promptSum += intValue(u.PromptTokenCount)
			completionSum += intValue(u.CompletionTokenCount)
			agg.SampleCount++
		}
		if agg.SampleCount > 0 {
			agg.AveragePromptTokens = float64(promptSum) / float64(agg.SampleCount)
			agg.AverageCompletionTokens = float64(completionSum) / float64(agg.SampleCount)
		}
		return agg, nil
	})
}

func intValue(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// runErrorFrom flattens a classified error into its persisted form.
func runErrorFrom(err error) *RunError {
	var typed *gateway.Error
	if errors.As(err, &typed) {
		return &RunError{
			Code:       string(typed.Code),
			Message:    typed.Message,
			StatusCode: typed.StatusCode,
		}
	}
	return &RunError{
		Code:    string(gateway.ErrCodeUnknownProvider),
		Message: err.Error(),
	}
}
