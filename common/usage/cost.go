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
	"fmt"

	"workflowai/backend/gateway"
)

// ComputeCost fills PromptCostUSD, CompletionCostUSD and CostUSD on the
// usage record from the resolved price card. hasResponseText distinguishes a
// genuinely empty completion (forced to zero cost) from one whose token
// counts simply have not been resolved yet.
//
// Cached prompt tokens are billed at (1 - discount) of the prompt rate; the
// remaining prompt tokens at full rate. Completion tokens are scaled by the
// model's reasoning correction before pricing.
func (p *Pricing) ComputeCost(u *gateway.LLMUsage, provider gateway.Provider, model string, hasResponseText bool) error {
	if u == nil {
		return fmt.Errorf("usage is nil")
	}

	pricing, ok := p.Lookup(provider, model)
	if !ok {
		return fmt.Errorf("no pricing for provider %q model %q", provider, model)
	}
	if pricing.ContextWindow > 0 && u.ModelContextWindowSize == nil {
		window := pricing.ContextWindow
		u.ModelContextWindowSize = &window
	}

	completionTokens := 0
	if u.CompletionTokenCount != nil {
		completionTokens = *u.CompletionTokenCount
	}
	if completionTokens == 0 && !hasResponseText {
		zero := 0.0
		u.PromptCostUSD = &zero
		u.CompletionCostUSD = &zero
		u.CostUSD = &zero
		return nil
	}

	if u.PromptTokenCount == nil || u.CompletionTokenCount == nil {
		// CostUSD stays unset until both sides are resolvable.
		return nil
	}

	promptTokens := *u.PromptTokenCount
	cachedTokens := 0
	if u.PromptTokenCountCached != nil {
		cachedTokens = *u.PromptTokenCountCached
	}
	if cachedTokens > promptTokens {
		cachedTokens = promptTokens
	}

	rate := pricing.PromptCostPerToken
	promptCost := float64(promptTokens-cachedTokens)*rate +
		float64(cachedTokens)*rate*(1-pricing.CachedTokenDiscount)

	correction := pricing.ReasoningCorrection
	if correction == 0 {
		correction = 1
	}
	completionCost := float64(completionTokens) * correction * pricing.CompletionCostPerToken

	total := promptCost + completionCost
	u.PromptCostUSD = &promptCost
	u.CompletionCostUSD = &completionCost
	u.CostUSD = &total
	return nil
}
