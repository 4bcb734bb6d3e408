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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestMongoRunStore_Save(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("insert", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		store := NewMongoRunStoreWithDatabase(mt.DB)
		err := store.Save(context.Background(), &Run{
			ID:     "run-1",
			TaskID: "extract-city",
			Status: RunStatusSuccess,
		})
		require.NoError(mt, err)
	})
}

func TestMongoRunStore_Get(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("found", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(1, "workflowai.runs", mtest.FirstBatch, bson.D{
			{Key: "id", Value: "run-1"},
			{Key: "task_id", Value: "extract-city"},
			{Key: "status", Value: "success"},
		}))

		store := NewMongoRunStoreWithDatabase(mt.DB)
		run, err := store.Get(context.Background(), "run-1")
		require.NoError(mt, err)
		assert.Equal(mt, "extract-city", run.TaskID)
		assert.Equal(mt, RunStatusSuccess, run.Status)
	})

	mt.Run("not found", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "workflowai.runs", mtest.FirstBatch))

		store := NewMongoRunStoreWithDatabase(mt.DB)
		_, err := store.Get(context.Background(), "absent")
		assert.ErrorIs(mt, err, ErrRunNotFound)
	})
}

func TestMongoRunStore_ListByTask(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("list", func(mt *mtest.T) {
		first := mtest.CreateCursorResponse(1, "workflowai.runs", mtest.FirstBatch, bson.D{
			{Key: "id", Value: "run-2"},
			{Key: "task_id", Value: "extract-city"},
		})
		second := mtest.CreateCursorResponse(0, "workflowai.runs", mtest.NextBatch, bson.D{
			{Key: "id", Value: "run-1"},
			{Key: "task_id", Value: "extract-city"},
		})
		mt.AddMockResponses(first, second)

		store := NewMongoRunStoreWithDatabase(mt.DB)
		runs, err := store.ListByTask(context.Background(), "extract-city", 10)
		require.NoError(mt, err)
		require.Len(mt, runs, 2)
		assert.Equal(mt, "run-2", runs[0].ID)
	})
}
