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

package runner

import (
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"

	"workflowai/backend/gateway"
)

// BuildMessages assembles the conversation for a run: the task instructions
// as the system turn, then the serialized input as the user turn. Runs
// without instructions skip the system turn rather than sending an empty
// one.
func BuildMessages(instructions string, input map[string]any) ([]gateway.Message, error) {
	raw, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return nil, gateway.NewError("", gateway.ErrCodeInvalidRunOptions, "task input is not serializable").WithCause(err)
	}

	messages := make([]gateway.Message, 0, 2)
	if instructions != "" {
		messages = append(messages, gateway.Message{Role: gateway.RoleSystem, Content: instructions})
	}
	messages = append(messages, gateway.Message{
		Role:    gateway.RoleUser,
		Content: fmt.Sprintf("Input is:\n```json\n%s\n```", raw),
	})
	return messages, nil
}

// defaultOutputFactory decodes the model's text content. With an output
// schema the content must be a JSON object matching the schema; final
// outputs are decoded strictly and validated, partial (mid-stream) outputs
// are decoded leniently and never validated. Without a schema the raw text
// is wrapped so every run carries an object output.
func defaultOutputFactory(schema map[string]any) gateway.OutputFactory {
	compiled, compileErr := compileOutputSchema(schema)
	return func(content string, partial bool) (map[string]any, error) {
		if schema == nil {
			return map[string]any{"content": content}, nil
		}
		if partial {
			return gateway.ParsePartialJSON(content), nil
		}
		if compileErr != nil {
			return nil, compileErr
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(content), &out); err != nil {
			return nil, fmt.Errorf("output is not a JSON object: %w", err)
		}
		if err := compiled.VisitJSON(out); err != nil {
			return nil, fmt.Errorf("output does not match the task schema: %w", err)
		}
		return out, nil
	}
}

// compileOutputSchema parses a JSON schema map into its validatable form.
// A nil schema compiles to nil; a malformed one surfaces when the first
// final output is decoded, turning into the usual invalid-generation retry.
func compileOutputSchema(schema map[string]any) (*openapi3.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, gateway.NewError("", gateway.ErrCodeInvalidRunOptions, "output schema is not serializable").WithCause(err)
	}
	compiled := openapi3.NewSchema()
	if err := compiled.UnmarshalJSON(raw); err != nil {
		return nil, gateway.NewError("", gateway.ErrCodeInvalidRunOptions, "output schema is malformed").WithCause(err)
	}
	return compiled, nil
}
