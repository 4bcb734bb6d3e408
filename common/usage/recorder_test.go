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
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCompletion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO usage_events").
		WithArgs("acme", "run-1", "extract-entities", "openai", "gpt-4o",
			1200, 340, 800, 0, 0.0064, int64(2150), "success").
		WillReturnResult(sqlmock.NewResult(1, 1))

	r := NewRecorder(db)
	err = r.RecordCompletion(CompletionEvent{
		Tenant:           "acme",
		RunID:            "run-1",
		TaskName:         "extract-entities",
		Provider:         "openai",
		Model:            "gpt-4o",
		PromptTokens:     1200,
		CompletionTokens: 340,
		CachedTokens:     800,
		CostUSD:          0.0064,
		DurationMs:       2150,
		Status:           "success",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordCompletion_EmptyTaskNameIsNull(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO usage_events").
		WithArgs("acme", "run-2", nil, "anthropic", "claude-sonnet-4",
			100, 50, 0, 0, 0.001, int64(900), "success").
		WillReturnResult(sqlmock.NewResult(1, 1))

	r := NewRecorder(db)
	err = r.RecordCompletion(CompletionEvent{
		Tenant:           "acme",
		RunID:            "run-2",
		Provider:         "anthropic",
		Model:            "claude-sonnet-4",
		PromptTokens:     100,
		CompletionTokens: 50,
		CostUSD:          0.001,
		DurationMs:       900,
		Status:           "success",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordCompletion_InsertFailureReturnsError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO usage_events").
		WillReturnError(assert.AnError)

	r := NewRecorder(db)
	err = r.RecordCompletion(CompletionEvent{Tenant: "acme", RunID: "run-3"})
	assert.Error(t, err)
}

func TestTenantTotals(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("acme", 30).
		WillReturnRows(sqlmock.NewRows(
			[]string{"count", "prompt", "completion", "cost"},
		).AddRow(42, int64(50_000), int64(12_000), 1.25))

	r := NewRecorder(db)
	totals, err := r.TenantTotals("acme", 30)
	require.NoError(t, err)
	assert.Equal(t, 42, totals.Completions)
	assert.Equal(t, int64(50_000), totals.PromptTokens)
	assert.Equal(t, int64(12_000), totals.CompletionTokens)
	assert.InDelta(t, 1.25, totals.CostUSD, 1e-10)
}
