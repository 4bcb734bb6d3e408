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

// Package xai implements the gateway adapter for xAI's Grok models, an
// OpenAI-compatible dialect with its own endpoint and error phrasing.
package xai

import (
	"workflowai/backend/gateway"
	"workflowai/backend/gateway/openai"
)

// DefaultBaseURL is the default xAI API endpoint.
const DefaultBaseURL = "https://api.x.ai/v1"

// New creates an xAI adapter from a credential set.
func New(cfg gateway.ProviderConfig) (*openai.Adapter, error) {
	return openai.NewWithDialect(cfg, openai.Dialect{
		Provider:      gateway.ProviderXAI,
		BaseURL:       DefaultBaseURL,
		ModelPrefixes: []string{"grok-"},
		ErrorHints: []openai.ErrorHint{
			{Substring: "maximum prompt length", Code: gateway.ErrCodeMaxTokensExceeded},
			{Substring: "does not support tool", Code: gateway.ErrCodeModelDoesNotSupportMode},
		},
		SupportsSchema: true,
	})
}
