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

package runner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint computes the deterministic cache key of a run: a SHA-256 over
// the task identity, its schema version, the input, and the group
// properties. encoding/json sorts map keys, so identical inputs always
// produce identical digests regardless of map iteration order.
func Fingerprint(taskID string, schemaID int, input map[string]any, props GroupProperties) (string, error) {
	payload := struct {
		TaskID     string          `json:"task_id"`
		SchemaID   int             `json:"schema_id"`
		Input      map[string]any  `json:"input"`
		Properties GroupProperties `json:"properties"`
	}{taskID, schemaID, input, props}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize fingerprint payload: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
