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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolCallRequestBuffer_AccumulatesFragments(t *testing.T) {
	b := NewToolCallRequestBuffer()

	b.Add(0, "call_1", "get_weather", `{"cit`)
	assert.Empty(t, b.Drain(), "incomplete arguments stay buffered")

	b.Add(0, "", "", `y": "Paris"}`)
	calls := b.Drain()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "get_weather", calls[0].ToolName)
	assert.Equal(t, map[string]any{"city": "Paris"}, calls[0].ToolInput)
}

func TestToolCallRequestBuffer_NoReEmissionWithoutChange(t *testing.T) {
	b := NewToolCallRequestBuffer()

	b.Add(0, "call_1", "noop", `{}`)
	require.Len(t, b.Drain(), 1)
	assert.Empty(t, b.Drain(), "unchanged calls are not re-emitted")
}

func TestToolCallRequestBuffer_ReEmitsOnChangedArguments(t *testing.T) {
	b := NewToolCallRequestBuffer()

	b.Add(0, "call_1", "search", `{"q": "a"}`)
	require.Len(t, b.Drain(), 1)

	// A later fragment extends the argument string into a new valid object.
	// This only happens with providers that re-send whole argument payloads,
	// but the changed string must produce a fresh emission.
	b.Add(1, "call_2", "search", `{"q": "b"}`)
	calls := b.Drain()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_2", calls[0].ID)
}

func TestToolCallRequestBuffer_ZeroArgumentTool(t *testing.T) {
	b := NewToolCallRequestBuffer()

	b.Add(0, "call_1", "refresh", "")
	calls := b.Drain()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{}, calls[0].ToolInput)
}

func TestToolCallRequestBuffer_StickyIDAndName(t *testing.T) {
	b := NewToolCallRequestBuffer()

	b.Add(0, "call_1", "lookup", "")
	b.Add(0, "call_other", "other", `{"k": 1}`)

	calls := b.Drain()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "lookup", calls[0].ToolName)
}

func TestToolCallRequestBuffer_OrderedByIndex(t *testing.T) {
	b := NewToolCallRequestBuffer()

	b.Add(2, "call_c", "third", `{}`)
	b.Add(0, "call_a", "first", `{}`)
	b.Add(1, "call_b", "second", `{}`)

	calls := b.Drain()
	require.Len(t, calls, 3)
	assert.Equal(t, "call_a", calls[0].ID)
	assert.Equal(t, "call_b", calls[1].ID)
	assert.Equal(t, "call_c", calls[2].ID)
}

func TestToolCallRequestBuffer_NamelessEntrySkipped(t *testing.T) {
	b := NewToolCallRequestBuffer()

	b.Add(0, "call_1", "", `{}`)
	assert.Empty(t, b.Drain())
	assert.Equal(t, 1, b.Len())
}
