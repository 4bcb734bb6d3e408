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
	"context"
	"math"
	"math/rand"
	"time"
)

const (
	// DefaultInitialBackoff is the delay before the first retry.
	DefaultInitialBackoff = 100 * time.Millisecond

	// DefaultMaxBackoff caps the delay between retries.
	DefaultMaxBackoff = 30 * time.Second

	// backoffFactor doubles the delay on every additional attempt.
	backoffFactor = 2.0

	// backoffJitter spreads delays by plus or minus ten percent so synchronized
	// callers do not retry in lockstep.
	backoffJitter = 0.1
)

// backoffConfig holds the retry delay policy for one transport.
type backoffConfig struct {
	initial time.Duration
	max     time.Duration
	factor  float64
	jitter  float64
}

func defaultBackoff() backoffConfig {
	return backoffConfig{
		initial: DefaultInitialBackoff,
		max:     DefaultMaxBackoff,
		factor:  backoffFactor,
		jitter:  backoffJitter,
	}
}

// delay computes the wait before retry number attempt (1-based): exponential
// growth from the initial delay, jittered, capped at the maximum.
func (b backoffConfig) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.initial) * math.Pow(b.factor, float64(attempt-1))
	if d > float64(b.max) {
		d = float64(b.max)
	}
	if b.jitter > 0 {
		delta := d * b.jitter
		d = d - delta + rand.Float64()*2*delta
	}
	return time.Duration(d)
}

// wait sleeps for the attempt's backoff delay, honoring context cancellation.
func (t *Transport) wait(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(t.backoff.delay(attempt)):
		return nil
	}
}
