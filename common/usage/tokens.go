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
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"workflowai/backend/gateway"
)

// Per-request and per-message overheads for OpenAI-compatible chat models,
// matching OpenAI's published counting recipe. These are reverse-engineered
// constants, a best-effort estimate rather than a billing-grade count; the
// provider's own usage field always takes precedence when present.
const (
	requestBoilerplateTokens = 3
	messageBoilerplateTokens = 4
)

var (
	encodingMu    sync.Mutex
	encodingCache = map[string]*tiktoken.Tiktoken{}
)

func encodingForModel(model string) (*tiktoken.Tiktoken, error) {
	encodingMu.Lock()
	defer encodingMu.Unlock()

	if enc, ok := encodingCache[model]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Unknown models fall back to the cl100k vocabulary, which is close
		// enough for an estimate.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to load tokenizer for %s: %w", model, err)
		}
	}
	encodingCache[model] = enc
	return enc, nil
}

// CountTextTokens counts the tokens of a plain string under the model's
// vocabulary.
func CountTextTokens(text, model string) (int, error) {
	enc, err := encodingForModel(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// CountMessageTokens estimates the prompt token count of a conversation for
// providers that do not return usage: content tokens per message, plus the
// fixed per-message and per-request overheads.
func CountMessageTokens(messages []gateway.Message, model string) (int, error) {
	enc, err := encodingForModel(model)
	if err != nil {
		return 0, err
	}

	total := requestBoilerplateTokens
	for _, m := range messages {
		total += messageBoilerplateTokens
		total += len(enc.Encode(m.Content, nil, nil))

		for _, call := range m.ToolCallRequests {
			total += len(enc.Encode(call.ToolName, nil, nil))
			if len(call.ToolInput) > 0 {
				raw, err := json.Marshal(call.ToolInput)
				if err != nil {
					return 0, fmt.Errorf("failed to serialize tool input: %w", err)
				}
				total += len(enc.Encode(string(raw), nil, nil))
			}
		}
		for _, result := range m.ToolCallResults {
			raw, err := json.Marshal(result)
			if err != nil {
				return 0, fmt.Errorf("failed to serialize tool result: %w", err)
			}
			total += len(enc.Encode(string(raw), nil, nil))
		}
	}
	return total, nil
}

// FillMissingPromptTokens computes PromptTokenCount locally when the
// provider omitted it.
func FillMissingPromptTokens(u *gateway.LLMUsage, messages []gateway.Message, model string) error {
	if u.PromptTokenCount != nil {
		return nil
	}
	count, err := CountMessageTokens(messages, model)
	if err != nil {
		return err
	}
	u.PromptTokenCount = &count
	return nil
}

// FillMissingCompletionTokens computes CompletionTokenCount from the
// response text when the provider omitted it.
func FillMissingCompletionTokens(u *gateway.LLMUsage, responseText, model string) error {
	if u.CompletionTokenCount != nil || responseText == "" {
		return nil
	}
	count, err := CountTextTokens(responseText, model)
	if err != nil {
		return err
	}
	u.CompletionTokenCount = &count
	return nil
}
