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

// Package fireworks implements the gateway adapter for Fireworks AI, an
// OpenAI-compatible dialect serving models under the accounts/fireworks
// namespace.
package fireworks

import (
	"workflowai/backend/gateway"
	"workflowai/backend/gateway/openai"
)

// DefaultBaseURL is the default Fireworks API endpoint.
const DefaultBaseURL = "https://api.fireworks.ai/inference/v1"

// New creates a Fireworks adapter from a credential set.
func New(cfg gateway.ProviderConfig) (*openai.Adapter, error) {
	return openai.NewWithDialect(cfg, openai.Dialect{
		Provider:      gateway.ProviderFireworks,
		BaseURL:       DefaultBaseURL,
		ModelPrefixes: []string{"accounts/fireworks/models/"},
		ErrorHints: []openai.ErrorHint{
			{Substring: "longer than the maximum model length", Code: gateway.ErrCodeMaxTokensExceeded},
			{Substring: "prompt is too long", Code: gateway.ErrCodeMaxTokensExceeded},
			{Substring: "model does not support", Code: gateway.ErrCodeModelDoesNotSupportMode},
		},
		SupportsSchema: true,
	})
}
