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
	"bufio"
	"bytes"
	"io"
	"strings"
)

// sseDoneSentinel terminates OpenAI-compatible streams.
const sseDoneSentinel = "[DONE]"

// SSEStream reads `data:` line-delimited server-sent events from a provider
// byte stream. It is the framing used by OpenAI, Anthropic, Mistral, xAI,
// Fireworks and Groq; Bedrock uses a binary framing with its own decoder.
//
// Frames are reassembled from however the underlying reader chunks them:
// event boundaries come from blank lines, never from read boundaries, so the
// same byte sequence yields the same events regardless of how it was split.
type SSEStream struct {
	scanner *bufio.Scanner
	done    bool
}

// NewSSEStream wraps a response body in an SSE event reader.
func NewSSEStream(body io.Reader) *SSEStream {
	sc := bufio.NewScanner(body)
	// Provider events carry whole JSON bodies on one line; the default 64KB
	// token limit is too small for large tool-call argument deltas.
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	return &SSEStream{scanner: sc}
}

// Next returns the next event's data payload, with multi-line data fields
// joined per the SSE spec. It returns io.EOF at end of stream or at the
// `data: [DONE]` sentinel.
func (s *SSEStream) Next() ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}

	var data bytes.Buffer
	for s.scanner.Scan() {
		line := s.scanner.Text()

		// A blank line ends the current event.
		if line == "" {
			if data.Len() > 0 {
				return data.Bytes(), nil
			}
			continue
		}

		// Comments and non-data fields (event:, id:, retry:) are skipped;
		// all supported providers carry the payload in data fields.
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		payload := strings.TrimPrefix(line, "data:")
		payload = strings.TrimPrefix(payload, " ")
		if payload == sseDoneSentinel {
			s.done = true
			if data.Len() > 0 {
				return data.Bytes(), nil
			}
			return nil, io.EOF
		}

		if data.Len() > 0 {
			data.WriteByte('\n')
		}
		data.WriteString(payload)
	}

	if err := s.scanner.Err(); err != nil {
		return nil, err
	}

	s.done = true
	if data.Len() > 0 {
		// Stream ended without a trailing blank line; flush what we have.
		return data.Bytes(), nil
	}
	return nil, io.EOF
}

var _ EventStream = (*SSEStream)(nil)
