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
	"fmt"
	"sort"
	"sync"

	"workflowai/backend/shared/logger"
)

// Registry maps each Provider to its configured adapter instances. It is the
// single dispatch point for provider selection: a closed map lookup on the
// Provider value, no runtime type probing.
//
// The registry is constructed once at process startup and passed by
// reference to the orchestration layer. It is safe for concurrent use.
type Registry struct {
	adapters map[Provider][]ProviderAdapter
	log      *logger.Logger
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[Provider][]ProviderAdapter),
		log:      logger.New("gateway.registry"),
	}
}

// Register appends an adapter as the next credential set for its provider.
func (r *Registry) Register(adapter ProviderAdapter) error {
	if adapter == nil {
		return NewError("", ErrCodeInvalidRunOptions, "adapter cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Type()] = append(r.adapters[adapter.Type()], adapter)

	r.log.Info("", "", "registered provider adapter", map[string]interface{}{
		"provider":       string(adapter.Type()),
		"name":           adapter.Name(),
		"credential_set": len(r.adapters[adapter.Type()]) - 1,
	})
	return nil
}

// Get returns the primary (index 0) adapter for a provider. It fails when no
// credential set was configured for the provider.
func (r *Registry) Get(p Provider) (ProviderAdapter, error) {
	return r.GetIndex(p, 0)
}

// GetIndex returns the adapter for a specific credential set, supporting
// credential rotation and sharding.
func (r *Registry) GetIndex(p Provider, index int) (ProviderAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sets := r.adapters[p]
	if len(sets) == 0 {
		return nil, NewError(p, ErrCodeInvalidRunOptions,
			fmt.Sprintf("provider %q is not configured", p))
	}
	if index < 0 || index >= len(sets) {
		return nil, NewError(p, ErrCodeInvalidRunOptions,
			fmt.Sprintf("provider %q has no credential set %d (%d configured)", p, index, len(sets)))
	}
	return sets[index], nil
}

// Providers returns the configured providers in stable order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for p := range r.adapters {
		names = append(names, string(p))
	}
	sort.Strings(names)

	providers := make([]Provider, len(names))
	for i, n := range names {
		providers[i] = Provider(n)
	}
	return providers
}

// CredentialSets returns the number of configured credential sets for a
// provider.
func (r *Registry) CredentialSets(p Provider) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters[p])
}

// SupportsModel reports whether the provider's primary adapter can serve the
// model.
func (r *Registry) SupportsModel(p Provider, model string) bool {
	adapter, err := r.Get(p)
	if err != nil {
		return false
	}
	return adapter.SupportsModel(model)
}

// SupportingProviders enumerates the configured providers whose primary
// adapter supports the model, in stable order.
func (r *Registry) SupportingProviders(model string) []Provider {
	var out []Provider
	for _, p := range r.Providers() {
		if r.SupportsModel(p, model) {
			out = append(out, p)
		}
	}
	return out
}
