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

package bedrock

import (
	"encoding/json"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"

	"workflowai/backend/gateway"
)

// eventStream decodes the AWS binary event-stream framing and re-emits each
// frame as a streamFrame JSON document: the :event-type (or :exception-type)
// header becomes Type, the frame body becomes Payload. Downstream parsing
// then works on plain JSON like every other provider.
type eventStream struct {
	decoder *eventstream.Decoder
	body    io.Reader
	buf     []byte
}

func newEventStream(body io.Reader) *eventStream {
	return &eventStream{
		decoder: eventstream.NewDecoder(),
		body:    body,
		buf:     make([]byte, 0, 16*1024),
	}
}

// Next returns the next frame, re-encoded as a streamFrame document, or
// io.EOF when the stream is exhausted.
func (s *eventStream) Next() ([]byte, error) {
	msg, err := s.decoder.Decode(s.body, s.buf)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, gateway.NewError(gateway.ProviderBedrock, gateway.ErrCodeProviderInternal,
			"failed to decode event-stream frame").WithCause(err)
	}

	frameType := headerString(msg.Headers, ":event-type")
	if frameType == "" {
		frameType = headerString(msg.Headers, ":exception-type")
	}

	frame := streamFrame{Type: frameType, Payload: json.RawMessage(msg.Payload)}
	if len(msg.Payload) == 0 {
		frame.Payload = json.RawMessage("{}")
	}
	return json.Marshal(frame)
}

func headerString(headers eventstream.Headers, name string) string {
	for _, h := range headers {
		if h.Name != name {
			continue
		}
		if v, ok := h.Value.(eventstream.StringValue); ok {
			return string(v)
		}
	}
	return ""
}
