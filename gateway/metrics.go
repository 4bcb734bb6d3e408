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
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics. Every completion attempt increments the inference
// counters tagged with model/provider/tenant/status; completed exchanges
// observe the duration histogram.
var (
	promInferenceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowai_inference_total",
			Help: "Total number of inference attempts issued by the gateway",
		},
		[]string{"model", "provider", "tenant", "status"},
	)
	promProviderInferenceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_inference_total",
			Help: "Total number of provider API calls, by provider and status",
		},
		[]string{"provider", "status"},
	)
	promInferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflowai_inference_duration_milliseconds",
			Help:    "Provider exchange duration in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
		[]string{"model", "provider"},
	)
)

func init() {
	prometheus.MustRegister(promInferenceTotal)
	prometheus.MustRegister(promProviderInferenceTotal)
	prometheus.MustRegister(promInferenceDuration)
}

// recordAttempt emits the per-attempt counters.
func recordAttempt(model string, provider Provider, tenant, status string) {
	if tenant == "" {
		tenant = "unknown"
	}
	promInferenceTotal.WithLabelValues(model, string(provider), tenant, status).Inc()
	promProviderInferenceTotal.WithLabelValues(string(provider), status).Inc()
}

// observeDuration records the wall-clock duration of a provider exchange.
func observeDuration(model string, provider Provider, millis float64) {
	promInferenceDuration.WithLabelValues(model, string(provider)).Observe(millis)
}
