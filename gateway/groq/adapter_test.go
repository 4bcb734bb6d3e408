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

package groq

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflowai/backend/gateway"
)

func TestDialect(t *testing.T) {
	a, err := New(gateway.ProviderConfig{APIKey: "gsk-test"})
	require.NoError(t, err)

	assert.Equal(t, gateway.ProviderGroq, a.Type())
	assert.True(t, a.SupportsModel("llama-3.3-70b-versatile"))
	assert.False(t, a.SupportsModel("gpt-4o"))
}

func TestNoNativeSchemaSupport(t *testing.T) {
	a, err := New(gateway.ProviderConfig{APIKey: "gsk-test"})
	require.NoError(t, err)

	body, err := a.BuildRequest([]gateway.Message{
		{Role: gateway.RoleUser, Content: "Hello"},
	}, gateway.ProviderOptions{
		Model:        "llama-3.3-70b-versatile",
		OutputSchema: map[string]any{"type": "object"},
	}, false)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &raw))
	assert.NotContains(t, raw, "response_format")
}
