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

package logger

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture redirects the standard logger for the duration of one test.
func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(prev) })
	return &buf
}

func TestWithSubsystem(t *testing.T) {
	parent := New("gateway")
	child := parent.WithSubsystem("openai")

	assert.Equal(t, "gateway.openai", child.Component)
	assert.Equal(t, "gateway", parent.Component, "parent is untouched")
	assert.Equal(t, parent.InstanceID, child.InstanceID)
	assert.Equal(t, parent.Container, child.Container)
}

func TestWithSubsystem_EntryCarriesScopedComponent(t *testing.T) {
	buf := capture(t)

	New("gateway").WithSubsystem("anthropic").Info("acme", "run-1", "completion served", map[string]interface{}{
		"model": "claude-sonnet-4",
	})

	line := buf.String()
	start := strings.Index(line, "{")
	require.GreaterOrEqual(t, start, 0)

	var entry LogEntry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(line[start:])), &entry))
	assert.Equal(t, "gateway.anthropic", entry.Component)
	assert.Equal(t, INFO, entry.Level)
	assert.Equal(t, "acme", entry.Tenant)
	assert.Equal(t, "run-1", entry.RunID)
	assert.Equal(t, "completion served", entry.Message)
	assert.Equal(t, "claude-sonnet-4", entry.Fields["model"])
}
