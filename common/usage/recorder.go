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

package usage

import (
	"database/sql"

	_ "github.com/lib/pq"

	"workflowai/backend/shared/logger"
)

// Recorder persists usage events to PostgreSQL. Recording is best-effort:
// failures are logged and returned but must never block or fail the run
// that produced the event.
type Recorder struct {
	db  *sql.DB
	log *logger.Logger
}

// Open connects to PostgreSQL and returns a recorder over the connection.
func Open(dsn string) (*Recorder, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return NewRecorder(db), nil
}

// NewRecorder creates a recorder over an existing connection pool.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db, log: logger.New("usage.recorder")}
}

// CompletionEvent is one provider completion to be metered.
type CompletionEvent struct {
	Tenant           string
	RunID            string
	TaskName         string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
	ReasoningTokens  int
	CostUSD          float64
	DurationMs       int64
	Status           string // "success" or the normalized error code
}

// RecordCompletion inserts one completion event.
func (r *Recorder) RecordCompletion(event CompletionEvent) error {
	_, err := r.db.Exec(`
		INSERT INTO usage_events (
			tenant, run_id, event_type, task_name, provider, model,
			prompt_tokens, completion_tokens, cached_tokens, reasoning_tokens,
			cost_usd, duration_ms, status
		) VALUES ($1, $2, 'completion', $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, event.Tenant, event.RunID, nullString(event.TaskName), event.Provider,
		event.Model, event.PromptTokens, event.CompletionTokens,
		event.CachedTokens, event.ReasoningTokens, event.CostUSD,
		event.DurationMs, event.Status)

	if err != nil {
		r.log.Error(event.Tenant, event.RunID, "failed to record completion event", map[string]interface{}{
			"provider": event.Provider,
			"model":    event.Model,
			"error":    err.Error(),
		})
	}
	return err
}

// TenantUsage is an aggregate over a tenant's recent completions.
type TenantUsage struct {
	Tenant           string
	Completions      int
	PromptTokens     int64
	CompletionTokens int64
	CostUSD          float64
}

// TenantTotals aggregates usage for one tenant over the trailing number of
// days.
func (r *Recorder) TenantTotals(tenant string, days int) (*TenantUsage, error) {
	row := r.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(prompt_tokens), 0),
		       COALESCE(SUM(completion_tokens), 0),
		       COALESCE(SUM(cost_usd), 0)
		FROM usage_events
		WHERE tenant = $1
		  AND event_type = 'completion'
		  AND created_at >= NOW() - ($2 || ' days')::interval
	`, tenant, days)

	totals := &TenantUsage{Tenant: tenant}
	if err := row.Scan(&totals.Completions, &totals.PromptTokens,
		&totals.CompletionTokens, &totals.CostUSD); err != nil {
		return nil, err
	}
	return totals, nil
}

// nullString converts an empty string to NULL for insertion.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
