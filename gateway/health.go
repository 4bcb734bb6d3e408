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
	"sync"
	"time"
)

// healthCooldown is how long a provider-side fault keeps an adapter
// unhealthy when no success arrives to clear it sooner.
const healthCooldown = 30 * time.Second

// HealthReporter is implemented by adapters that track their own health.
// The transport reports every classified exchange outcome through it.
type HealthReporter interface {
	// ReportOutcome records one exchange result; nil means success.
	ReportOutcome(err *Error)
}

// HealthState is a lightweight per-adapter health flag derived from the
// last classified error. Provider-side faults mark the adapter unhealthy
// for a cooldown; any success clears it immediately. Caller-side errors
// (bad requests, invalid options, moderation) say nothing about the
// provider and leave the flag untouched.
//
// Adapters embed a HealthState pointer, which is the one piece of mutable
// adapter state; it is guarded by its own mutex and safe for concurrent
// use.
type HealthState struct {
	mu             sync.Mutex
	unhealthyUntil time.Time
	now            func() time.Time
}

// NewHealthState creates a healthy state.
func NewHealthState() *HealthState {
	return &HealthState{now: time.Now}
}

// IsHealthy reports whether the last classified outcome allows routing to
// this adapter. A fresh state is healthy.
func (h *HealthState) IsHealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.now().Before(h.unhealthyUntil)
}

// ReportOutcome records the classified result of one provider exchange.
func (h *HealthState) ReportOutcome(err *Error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		h.unhealthyUntil = time.Time{}
		return
	}
	switch err.Code {
	case ErrCodeProviderInternal, ErrCodeUnknownProvider:
		h.unhealthyUntil = h.now().Add(healthCooldown)
	}
}
