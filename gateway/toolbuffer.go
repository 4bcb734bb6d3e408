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
	"encoding/json"
	"sort"
	"strings"
)

// ToolCallRequestBuffer accumulates tool-call fragments across stream events
// until each call's argument string parses as JSON. Providers emit tool-call
// arguments in fragments spread over multiple events, keyed by a content-block
// index and sometimes interleaved with text, so the buffer is indexed the same
// way.
//
// The buffer is transient per-call state owned by the single stream-processing
// goroutine; it is not safe for concurrent use and never needs to be.
type ToolCallRequestBuffer struct {
	entries map[int]*toolCallEntry
}

type toolCallEntry struct {
	id         string
	toolName   string
	args       strings.Builder
	emitted    string // the argument string at last emission
	hasEmitted bool
}

// NewToolCallRequestBuffer creates an empty buffer.
func NewToolCallRequestBuffer() *ToolCallRequestBuffer {
	return &ToolCallRequestBuffer{entries: make(map[int]*toolCallEntry)}
}

// Add records a fragment for the content block at index. id and toolName are
// sticky: the first non-empty value wins, later fragments may omit them.
func (b *ToolCallRequestBuffer) Add(index int, id, toolName, argsFragment string) {
	e, ok := b.entries[index]
	if !ok {
		e = &toolCallEntry{}
		b.entries[index] = e
	}
	if e.id == "" {
		e.id = id
	}
	if e.toolName == "" {
		e.toolName = toolName
	}
	e.args.WriteString(argsFragment)
}

// Drain returns every buffered call whose accumulated argument string
// currently parses as a JSON object and which has not already been emitted
// with that exact argument string. Entries whose arguments do not yet parse
// are kept untouched — a partial-JSON decode failure means more fragments are
// expected, not an error.
//
// A call already emitted is re-emitted only if a later fragment genuinely
// changed its argument string (and the new string parses again).
func (b *ToolCallRequestBuffer) Drain() []ToolCallRequest {
	if len(b.entries) == 0 {
		return nil
	}

	indexes := make([]int, 0, len(b.entries))
	for i := range b.entries {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var calls []ToolCallRequest
	for _, i := range indexes {
		e := b.entries[i]
		raw := e.args.String()
		if e.toolName == "" {
			continue
		}
		if e.hasEmitted && raw == e.emitted {
			continue
		}

		var input map[string]any
		candidate := raw
		if candidate == "" {
			// Providers omit the fragment entirely for zero-argument tools.
			candidate = "{}"
		}
		if err := json.Unmarshal([]byte(candidate), &input); err != nil {
			continue
		}

		e.emitted = raw
		e.hasEmitted = true
		calls = append(calls, ToolCallRequest{
			ID:        e.id,
			ToolName:  e.toolName,
			ToolInput: input,
		})
	}
	return calls
}

// Len returns the number of content-block indexes currently buffered.
func (b *ToolCallRequestBuffer) Len() int { return len(b.entries) }
