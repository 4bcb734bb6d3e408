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

// Package runner is the caller-facing orchestration facade: it owns the
// cache-or-execute decision for a task run, builds the conversation from the
// task's instructions and input, resolves the provider adapter through the
// registry, and packages the provider exchange into an immutable Run record.
package runner

import (
	"time"

	"workflowai/backend/gateway"
)

// CacheMode governs whether a run may be answered from, and written to, the
// run cache.
type CacheMode string

const (
	// CacheAlways reads and writes the cache opportunistically.
	CacheAlways CacheMode = "always"

	// CacheOnly requires a cached entry; a miss fails the run without
	// issuing any provider call.
	CacheOnly CacheMode = "only"

	// CacheNever bypasses the cache entirely.
	CacheNever CacheMode = "never"

	// CacheAuto caches only deterministic runs: temperature zero and no
	// enabled tools.
	CacheAuto CacheMode = "auto"

	// CacheWhenAvailable reads the cache opportunistically, like
	// CacheAlways.
	CacheWhenAvailable CacheMode = "when_available"
)

// ParseCacheMode validates a caller-supplied cache mode string. The empty
// string defaults to auto.
func ParseCacheMode(s string) (CacheMode, error) {
	switch CacheMode(s) {
	case CacheAlways, CacheOnly, CacheNever, CacheAuto, CacheWhenAvailable:
		return CacheMode(s), nil
	case "":
		return CacheAuto, nil
	default:
		return "", gateway.NewError("", gateway.ErrCodeInvalidRunOptions, "unknown cache mode "+s)
	}
}

// GroupProperties are the execution parameters shared by all runs of one
// task version: which model, how to sample, and what the model may do.
type GroupProperties struct {
	Model        string         `json:"model" bson:"model"`
	Temperature  *float64       `json:"temperature,omitempty" bson:"temperature,omitempty"`
	Instructions string         `json:"instructions,omitempty" bson:"instructions,omitempty"`
	MaxTokens    int            `json:"max_tokens,omitempty" bson:"max_tokens,omitempty"`
	EnabledTools []gateway.Tool `json:"enabled_tools,omitempty" bson:"enabled_tools,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty" bson:"output_schema,omitempty"`
}

// Group binds execution properties to the provider that runs them.
type Group struct {
	Provider   gateway.Provider `json:"provider" bson:"provider"`
	Properties GroupProperties  `json:"properties" bson:"properties"`
}

// RunStatus is the terminal state of a run.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusFailure RunStatus = "failure"
)

// RunError is the serializable form of a classified provider error carried
// on a failed run.
type RunError struct {
	Code       string `json:"code" bson:"code"`
	Message    string `json:"message" bson:"message"`
	StatusCode int    `json:"status_code,omitempty" bson:"status_code,omitempty"`
}

// Run is the immutable record of one task execution. A run is built once,
// persisted, and never mutated afterwards; replays from the cache return a
// copy with FromCache set.
type Run struct {
	ID           string         `json:"id" bson:"id"`
	TaskID       string         `json:"task_id" bson:"task_id"`
	TaskSchemaID int            `json:"task_schema_id" bson:"task_schema_id"`
	Tenant       string         `json:"tenant,omitempty" bson:"tenant,omitempty"`
	TaskInput    map[string]any `json:"task_input" bson:"task_input"`
	TaskOutput   map[string]any `json:"task_output,omitempty" bson:"task_output,omitempty"`
	Group        Group          `json:"group" bson:"group"`

	// LLMCompletions is the wire-level ledger of every provider exchange the
	// run issued, in order.
	LLMCompletions []gateway.RawCompletion `json:"llm_completions" bson:"llm_completions"`

	ToolCalls      []gateway.ToolCallRequest `json:"tool_calls,omitempty" bson:"tool_calls,omitempty"`
	ReasoningSteps []string                  `json:"reasoning_steps,omitempty" bson:"reasoning_steps,omitempty"`

	Status RunStatus `json:"status" bson:"status"`
	Error  *RunError `json:"error,omitempty" bson:"error,omitempty"`

	// CostUSD stays nil when cost finalization was abandoned or pricing was
	// unavailable.
	CostUSD         *float64  `json:"cost_usd,omitempty" bson:"cost_usd,omitempty"`
	DurationSeconds float64   `json:"duration_seconds" bson:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at" bson:"created_at"`

	// FromCache marks a replayed run; it is never persisted as true.
	FromCache bool `json:"from_cache,omitempty" bson:"-"`
}
