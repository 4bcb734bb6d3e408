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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// namedAdapter reuses the fake transport adapter with instance identity and
// a model prefix.
type namedAdapter struct {
	fakeAdapter
	name        string
	typ         Provider
	modelPrefix string
}

func (a *namedAdapter) Name() string   { return a.name }
func (a *namedAdapter) Type() Provider { return a.typ }
func (a *namedAdapter) SupportsModel(model string) bool {
	return strings.HasPrefix(model, a.modelPrefix)
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	primary := &namedAdapter{name: "openai", typ: ProviderOpenAI, modelPrefix: "gpt-"}
	secondary := &namedAdapter{name: "openai-2", typ: ProviderOpenAI, modelPrefix: "gpt-"}

	require.NoError(t, r.Register(primary))
	require.NoError(t, r.Register(secondary))

	got, err := r.Get(ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "openai", got.Name())

	second, err := r.GetIndex(ProviderOpenAI, 1)
	require.NoError(t, err)
	assert.Equal(t, "openai-2", second.Name())

	assert.Equal(t, 2, r.CredentialSets(ProviderOpenAI))
}

func TestRegistry_UnconfiguredProvider(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get(ProviderAnthropic)
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidRunOptions, CodeOf(err))

	_, err = r.GetIndex(ProviderAnthropic, 0)
	assert.Error(t, err)

	assert.Error(t, r.Register(nil))
}

func TestRegistry_CredentialSetOutOfRange(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&namedAdapter{name: "openai", typ: ProviderOpenAI}))

	_, err := r.GetIndex(ProviderOpenAI, 1)
	require.Error(t, err)
	_, err = r.GetIndex(ProviderOpenAI, -1)
	require.Error(t, err)
}

func TestRegistry_ProvidersStableOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&namedAdapter{name: "xai", typ: ProviderXAI}))
	require.NoError(t, r.Register(&namedAdapter{name: "anthropic", typ: ProviderAnthropic}))
	require.NoError(t, r.Register(&namedAdapter{name: "openai", typ: ProviderOpenAI}))

	assert.Equal(t, []Provider{ProviderAnthropic, ProviderOpenAI, ProviderXAI}, r.Providers())
}

func TestRegistry_SupportingProviders(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&namedAdapter{name: "openai", typ: ProviderOpenAI, modelPrefix: "gpt-"}))
	require.NoError(t, r.Register(&namedAdapter{name: "anthropic", typ: ProviderAnthropic, modelPrefix: "claude-"}))
	require.NoError(t, r.Register(&namedAdapter{name: "groq", typ: ProviderGroq, modelPrefix: ""}))

	assert.True(t, r.SupportsModel(ProviderOpenAI, "gpt-4o"))
	assert.False(t, r.SupportsModel(ProviderOpenAI, "claude-3"))
	assert.False(t, r.SupportsModel(ProviderMistral, "mistral-large"))

	assert.Equal(t, []Provider{ProviderGroq, ProviderOpenAI}, r.SupportingProviders("gpt-4o"))
}
