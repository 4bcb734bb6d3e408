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
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"workflowai/backend/gateway"
)

// Pricing as of August 2025, USD per token.

// ModelPricing is the price card for one model on one provider.
type ModelPricing struct {
	// PromptCostPerToken / CompletionCostPerToken are USD per token.
	PromptCostPerToken     float64 `yaml:"prompt_cost_per_token"`
	CompletionCostPerToken float64 `yaml:"completion_cost_per_token"`

	// CachedTokenDiscount is the fraction removed from the prompt rate for
	// cached prompt tokens; 0.9 means cached tokens cost 10% of full price.
	CachedTokenDiscount float64 `yaml:"cached_token_discount,omitempty"`

	// ReasoningCorrection multiplies the completion token count before
	// pricing, to account for hidden reasoning tokens. Zero means 1.0.
	ReasoningCorrection float64 `yaml:"reasoning_correction,omitempty"`

	// ContextWindow is the model's context size in tokens.
	ContextWindow int `yaml:"context_window,omitempty"`

	// PricingProvider redirects cost tracking to another provider's price
	// card: open-weight models hosted on several providers are billed
	// against one designated table regardless of where the call ran.
	PricingProvider gateway.Provider `yaml:"pricing_provider,omitempty"`
}

// PricingTable maps provider -> model prefix -> price card. Lookup walks
// prefixes longest-first; "*" is the provider-level fallback.
type PricingTable map[gateway.Provider]map[string]ModelPricing

// defaultPricing is the built-in table. WORKFLOWAI_PRICING_CONFIG overlays
// it at load time.
var defaultPricing = PricingTable{
	gateway.ProviderOpenAI: {
		"gpt-4o-mini":  {PromptCostPerToken: 0.15e-6, CompletionCostPerToken: 0.6e-6, CachedTokenDiscount: 0.5, ContextWindow: 128_000},
		"gpt-4o":       {PromptCostPerToken: 2.5e-6, CompletionCostPerToken: 10e-6, CachedTokenDiscount: 0.5, ContextWindow: 128_000},
		"gpt-4.1-mini": {PromptCostPerToken: 0.4e-6, CompletionCostPerToken: 1.6e-6, CachedTokenDiscount: 0.75, ContextWindow: 1_047_576},
		"gpt-4.1":      {PromptCostPerToken: 2e-6, CompletionCostPerToken: 8e-6, CachedTokenDiscount: 0.75, ContextWindow: 1_047_576},
		"o3-mini":      {PromptCostPerToken: 1.1e-6, CompletionCostPerToken: 4.4e-6, CachedTokenDiscount: 0.5, ReasoningCorrection: 1.1, ContextWindow: 200_000},
		"o3":           {PromptCostPerToken: 2e-6, CompletionCostPerToken: 8e-6, CachedTokenDiscount: 0.5, ReasoningCorrection: 1.1, ContextWindow: 200_000},
		"*":            {PromptCostPerToken: 2.5e-6, CompletionCostPerToken: 10e-6, ContextWindow: 128_000},
	},
	gateway.ProviderAnthropic: {
		"claude-3-5-haiku":  {PromptCostPerToken: 0.8e-6, CompletionCostPerToken: 4e-6, CachedTokenDiscount: 0.9, ContextWindow: 200_000},
		"claude-3-7-sonnet": {PromptCostPerToken: 3e-6, CompletionCostPerToken: 15e-6, CachedTokenDiscount: 0.9, ContextWindow: 200_000},
		"claude-sonnet-4":   {PromptCostPerToken: 3e-6, CompletionCostPerToken: 15e-6, CachedTokenDiscount: 0.9, ContextWindow: 200_000},
		"claude-opus-4":     {PromptCostPerToken: 15e-6, CompletionCostPerToken: 75e-6, CachedTokenDiscount: 0.9, ContextWindow: 200_000},
		"*":                 {PromptCostPerToken: 3e-6, CompletionCostPerToken: 15e-6, CachedTokenDiscount: 0.9, ContextWindow: 200_000},
	},
	gateway.ProviderGemini: {
		"gemini-2.0-flash": {PromptCostPerToken: 0.1e-6, CompletionCostPerToken: 0.4e-6, CachedTokenDiscount: 0.75, ContextWindow: 1_048_576},
		"gemini-2.5-flash": {PromptCostPerToken: 0.3e-6, CompletionCostPerToken: 2.5e-6, CachedTokenDiscount: 0.75, ReasoningCorrection: 1.05, ContextWindow: 1_048_576},
		"gemini-2.5-pro":   {PromptCostPerToken: 1.25e-6, CompletionCostPerToken: 10e-6, CachedTokenDiscount: 0.75, ReasoningCorrection: 1.05, ContextWindow: 1_048_576},
		"*":                {PromptCostPerToken: 1.25e-6, CompletionCostPerToken: 10e-6, ContextWindow: 1_048_576},
	},
	gateway.ProviderBedrock: {
		// Anthropic models on Bedrock bill against the Anthropic card.
		"anthropic.":        {PricingProvider: gateway.ProviderAnthropic},
		"us.anthropic.":     {PricingProvider: gateway.ProviderAnthropic},
		"amazon.nova-micro": {PromptCostPerToken: 0.035e-6, CompletionCostPerToken: 0.14e-6, ContextWindow: 128_000},
		"amazon.nova-pro":   {PromptCostPerToken: 0.8e-6, CompletionCostPerToken: 3.2e-6, ContextWindow: 300_000},
		"*":                 {PromptCostPerToken: 0.8e-6, CompletionCostPerToken: 3.2e-6, ContextWindow: 128_000},
	},
	gateway.ProviderMistral: {
		"mistral-large": {PromptCostPerToken: 2e-6, CompletionCostPerToken: 6e-6, ContextWindow: 131_072},
		"mistral-small": {PromptCostPerToken: 0.1e-6, CompletionCostPerToken: 0.3e-6, ContextWindow: 131_072},
		"pixtral-":      {PromptCostPerToken: 2e-6, CompletionCostPerToken: 6e-6, ContextWindow: 131_072},
		"*":             {PromptCostPerToken: 2e-6, CompletionCostPerToken: 6e-6, ContextWindow: 131_072},
	},
	gateway.ProviderXAI: {
		"grok-3-mini": {PromptCostPerToken: 0.3e-6, CompletionCostPerToken: 0.5e-6, ReasoningCorrection: 1.1, ContextWindow: 131_072},
		"grok-3":      {PromptCostPerToken: 3e-6, CompletionCostPerToken: 15e-6, ContextWindow: 131_072},
		"*":           {PromptCostPerToken: 3e-6, CompletionCostPerToken: 15e-6, ContextWindow: 131_072},
	},
	gateway.ProviderFireworks: {
		"accounts/fireworks/models/deepseek": {PromptCostPerToken: 0.9e-6, CompletionCostPerToken: 0.9e-6, ContextWindow: 131_072},
		"accounts/fireworks/models/llama":    {PromptCostPerToken: 0.9e-6, CompletionCostPerToken: 0.9e-6, ContextWindow: 131_072},
		"*":                                  {PromptCostPerToken: 0.9e-6, CompletionCostPerToken: 0.9e-6, ContextWindow: 131_072},
	},
	gateway.ProviderGroq: {
		"llama-3.3-70b": {PromptCostPerToken: 0.59e-6, CompletionCostPerToken: 0.79e-6, ContextWindow: 131_072},
		"*":             {PromptCostPerToken: 0.59e-6, CompletionCostPerToken: 0.79e-6, ContextWindow: 131_072},
	},
}

// pricingConfigEnvVar names a YAML file whose entries override or extend the
// built-in table.
const pricingConfigEnvVar = "WORKFLOWAI_PRICING_CONFIG"

// Pricing resolves model price cards against a table.
type Pricing struct {
	table PricingTable
}

// NewPricing builds the price table: the built-in defaults overlaid with the
// optional config file from WORKFLOWAI_PRICING_CONFIG.
func NewPricing() (*Pricing, error) {
	table := make(PricingTable, len(defaultPricing))
	for provider, models := range defaultPricing {
		table[provider] = make(map[string]ModelPricing, len(models))
		for prefix, pricing := range models {
			table[provider][prefix] = pricing
		}
	}

	if path := os.Getenv(pricingConfigEnvVar); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read pricing config %s: %w", path, err)
		}
		var overrides PricingTable
		if err := yaml.Unmarshal(raw, &overrides); err != nil {
			return nil, fmt.Errorf("failed to parse pricing config %s: %w", path, err)
		}
		for provider, models := range overrides {
			if table[provider] == nil {
				table[provider] = make(map[string]ModelPricing, len(models))
			}
			for prefix, pricing := range models {
				table[provider][prefix] = pricing
			}
		}
	}

	return &Pricing{table: table}, nil
}

// NewPricingWithTable builds a resolver over an explicit table.
func NewPricingWithTable(table PricingTable) *Pricing {
	return &Pricing{table: table}
}

// Lookup resolves the price card for a model run on a provider, following at
// most one PricingProvider redirect. The bool is false when neither a prefix
// nor a provider fallback matched.
func (p *Pricing) Lookup(provider gateway.Provider, model string) (ModelPricing, bool) {
	pricing, ok := p.lookupDirect(provider, model)
	if !ok {
		return ModelPricing{}, false
	}
	if pricing.PricingProvider != "" && pricing.PricingProvider != provider {
		target := pricing.PricingProvider
		// Bedrock model ids prefix the upstream vendor; strip it so e.g.
		// anthropic.claude-x matches the claude-x card.
		redirected, ok := p.lookupDirect(target, stripVendorPrefix(model))
		if ok {
			return redirected, true
		}
	}
	return pricing, true
}

func (p *Pricing) lookupDirect(provider gateway.Provider, model string) (ModelPricing, bool) {
	models := p.table[provider]
	if models == nil {
		return ModelPricing{}, false
	}

	// Longest prefix wins so gpt-4o-mini never resolves to the gpt-4o card.
	prefixes := make([]string, 0, len(models))
	for prefix := range models {
		if prefix != "*" && strings.HasPrefix(model, prefix) {
			prefixes = append(prefixes, prefix)
		}
	}
	if len(prefixes) > 0 {
		sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
		return models[prefixes[0]], true
	}

	fallback, ok := models["*"]
	return fallback, ok
}

// stripVendorPrefix removes region and vendor qualifiers from a Bedrock
// model id: us.anthropic.claude-3-7-sonnet-20250219-v1:0 -> claude-3-7-sonnet-20250219-v1:0.
func stripVendorPrefix(model string) string {
	for _, region := range []string{"us.", "eu.", "apac."} {
		model = strings.TrimPrefix(model, region)
	}
	if i := strings.IndexByte(model, '.'); i > 0 {
		return model[i+1:]
	}
	return model
}
