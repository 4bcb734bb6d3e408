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

// Package bootstrap turns a gateway configuration into a populated adapter
// registry. It lives outside the gateway package so the per-vendor packages
// can import gateway without a cycle.
package bootstrap

import (
	"workflowai/backend/gateway"
	"workflowai/backend/gateway/anthropic"
	"workflowai/backend/gateway/bedrock"
	"workflowai/backend/gateway/fireworks"
	"workflowai/backend/gateway/gemini"
	"workflowai/backend/gateway/groq"
	"workflowai/backend/gateway/mistral"
	"workflowai/backend/gateway/openai"
	"workflowai/backend/gateway/xai"
	"workflowai/backend/shared/logger"
)

var log = logger.New("gateway.bootstrap")

// NewAdapter constructs the adapter for one credential set.
func NewAdapter(cfg gateway.ProviderConfig) (gateway.ProviderAdapter, error) {
	switch cfg.Type {
	case gateway.ProviderOpenAI:
		return openai.New(cfg)
	case gateway.ProviderAnthropic:
		return anthropic.New(cfg)
	case gateway.ProviderGemini:
		return gemini.New(cfg)
	case gateway.ProviderBedrock:
		return bedrock.New(cfg)
	case gateway.ProviderMistral:
		return mistral.New(cfg)
	case gateway.ProviderXAI:
		return xai.New(cfg)
	case gateway.ProviderFireworks:
		return fireworks.New(cfg)
	case gateway.ProviderGroq:
		return groq.New(cfg)
	default:
		return nil, gateway.NewError(cfg.Type, gateway.ErrCodeInvalidRunOptions,
			"unknown provider type "+string(cfg.Type))
	}
}

// BuildRegistry constructs adapters for every enabled credential set and
// registers them in configuration order, so the first set of each provider
// becomes its primary.
func BuildRegistry(cfg *gateway.Config) (*gateway.Registry, error) {
	registry := gateway.NewRegistry()
	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			log.Info("", "", "skipping disabled provider credential set", map[string]interface{}{
				"provider": string(pc.Type),
				"name":     pc.Name,
			})
			continue
		}
		adapter, err := NewAdapter(pc)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
