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
	"strings"
)

// ParsePartialJSON leniently decodes a JSON object prefix as accumulated
// mid-stream: unterminated strings are closed, dangling commas and partial
// keys dropped, and unbalanced brackets closed, then the repaired text is
// decoded normally. It returns nil (no error) when the prefix holds no
// decodable object yet — partial input is an expected state, not a failure.
func ParsePartialJSON(s string) map[string]any {
	s = strings.TrimSpace(s)
	// Models occasionally fence JSON output in markdown.
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil
	}
	s = s[start:]

	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err == nil {
		return out
	}
	if err := json.Unmarshal([]byte(repairJSONPrefix(s)), &out); err == nil {
		return out
	}
	return nil
}

// repairJSONPrefix closes whatever the prefix left open. The result is not
// guaranteed to decode (e.g. a truncated literal like `tru`), callers must
// still check.
func repairJSONPrefix(s string) string {
	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(s)
	if escaped {
		// Drop the dangling backslash so the closing quote is not escaped.
		trimmed := s[:len(s)-1]
		b.Reset()
		b.WriteString(trimmed)
	}
	if inString {
		b.WriteByte('"')
	}

	repaired := strings.TrimRight(b.String(), " \t\n\r")
	repaired = strings.TrimRight(repaired, ",")

	// If the prefix ends on a key with no value yet (`"name":`), the value
	// cannot be invented; drop back to the enclosing comma or brace.
	if strings.HasSuffix(strings.TrimRight(repaired, " "), ":") {
		if idx := strings.LastIndexByte(repaired, ','); idx >= 0 {
			repaired = repaired[:idx]
		} else if idx := strings.LastIndexByte(repaired, '{'); idx >= 0 {
			repaired = repaired[:idx+1]
		}
	}

	for i := len(stack) - 1; i >= 0; i-- {
		switch stack[i] {
		case '{':
			repaired += "}"
		case '[':
			repaired += "]"
		}
	}
	return repaired
}
