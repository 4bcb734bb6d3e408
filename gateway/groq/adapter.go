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

// Package groq implements the gateway adapter for Groq, an OpenAI-compatible
// dialect. Groq has no native json_schema support, so structured output
// falls back to the generic JSON-in-text path.
package groq

import (
	"workflowai/backend/gateway"
	"workflowai/backend/gateway/openai"
)

// DefaultBaseURL is the default Groq API endpoint.
const DefaultBaseURL = "https://api.groq.com/openai/v1"

// New creates a Groq adapter from a credential set.
func New(cfg gateway.ProviderConfig) (*openai.Adapter, error) {
	return openai.NewWithDialect(cfg, openai.Dialect{
		Provider:      gateway.ProviderGroq,
		BaseURL:       DefaultBaseURL,
		ModelPrefixes: []string{"llama-", "llama3-", "meta-llama/", "gemma2-", "qwen/", "deepseek-r1-distill-", "moonshotai/"},
		ErrorHints: []openai.ErrorHint{
			{Substring: "reduce the length of the messages", Code: gateway.ErrCodeMaxTokensExceeded},
			{Substring: "tool use is not supported", Code: gateway.ErrCodeModelDoesNotSupportMode},
		},
	})
}
