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
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	runsCollection = "runs"

	storeConnectTimeout = 10 * time.Second
)

// ErrRunNotFound is returned by RunStore.Get for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// RunStore persists run records.
type RunStore interface {
	Save(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	ListByTask(ctx context.Context, taskID string, limit int) ([]Run, error)
}

// MongoRunStore is the MongoDB-backed RunStore.
type MongoRunStore struct {
	runs *mongo.Collection
}

// NewMongoRunStore connects to MongoDB and verifies the connection.
func NewMongoRunStore(uri, database string) (*MongoRunStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return NewMongoRunStoreWithDatabase(client.Database(database)), nil
}

// NewMongoRunStoreWithDatabase wraps an existing database handle, used in
// tests.
func NewMongoRunStoreWithDatabase(db *mongo.Database) *MongoRunStore {
	return &MongoRunStore{runs: db.Collection(runsCollection)}
}

func (s *MongoRunStore) Save(ctx context.Context, run *Run) error {
	if _, err := s.runs.InsertOne(ctx, run); err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

func (s *MongoRunStore) Get(ctx context.Context, id string) (*Run, error) {
	var run Run
	err := s.runs.FindOne(ctx, bson.M{"id": id}).Decode(&run)
	if err == mongo.ErrNoDocuments {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}
	return &run, nil
}

func (s *MongoRunStore) ListByTask(ctx context.Context, taskID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.runs.Find(ctx, bson.M{"task_id": taskID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs for task %s: %w", taskID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var runs []Run
	if err := cursor.All(ctx, &runs); err != nil {
		return nil, fmt.Errorf("failed to decode runs for task %s: %w", taskID, err)
	}
	return runs, nil
}
