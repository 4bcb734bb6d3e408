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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthState_FreshIsHealthy(t *testing.T) {
	assert.True(t, NewHealthState().IsHealthy())
}

func TestHealthState_ProviderFaultTripsCooldown(t *testing.T) {
	now := time.Now()
	h := NewHealthState()
	h.now = func() time.Time { return now }

	h.ReportOutcome(NewError(ProviderOpenAI, ErrCodeProviderInternal, "overloaded"))
	assert.False(t, h.IsHealthy())

	// Still unhealthy just before the cooldown elapses, healthy after.
	now = now.Add(healthCooldown - time.Millisecond)
	assert.False(t, h.IsHealthy())
	now = now.Add(2 * time.Millisecond)
	assert.True(t, h.IsHealthy())
}

func TestHealthState_SuccessClearsImmediately(t *testing.T) {
	h := NewHealthState()
	h.ReportOutcome(NewError(ProviderOpenAI, ErrCodeUnknownProvider, "connection reset"))
	assert.False(t, h.IsHealthy())

	h.ReportOutcome(nil)
	assert.True(t, h.IsHealthy())
}

func TestHealthState_CallerErrorsDoNotTrip(t *testing.T) {
	h := NewHealthState()
	for _, code := range []ErrorCode{
		ErrCodeProviderBadRequest,
		ErrCodeInvalidRunOptions,
		ErrCodeContentModeration,
		ErrCodeMaxTokensExceeded,
	} {
		h.ReportOutcome(NewError(ProviderOpenAI, code, "caller fault"))
		assert.True(t, h.IsHealthy(), string(code))
	}
}
