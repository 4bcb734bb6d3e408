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
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// cacheKeyPrefix namespaces run entries in the shared Redis instance.
	cacheKeyPrefix = "run:"

	// DefaultCacheTTL is how long a cached run stays replayable.
	DefaultCacheTTL = 24 * time.Hour

	// DefaultCacheTimeout bounds every cache round trip. Lookups are on the
	// run's critical path, so a slow cache degrades to a miss instead of
	// stalling the provider call.
	DefaultCacheTimeout = 150 * time.Millisecond
)

// RunCache stores completed runs keyed by fingerprint. Get returns
// (nil, nil) on a miss.
type RunCache interface {
	Get(ctx context.Context, fingerprint string) (*Run, error)
	Set(ctx context.Context, fingerprint string, run *Run, ttl time.Duration) error
}

// RedisRunCache is the Redis-backed RunCache. Runs are stored as JSON under
// a prefixed fingerprint key.
type RedisRunCache struct {
	client *redis.Client
}

// NewRedisRunCache connects to Redis and verifies the connection.
func NewRedisRunCache(redisURL string) (*RedisRunCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisRunCache{client: client}, nil
}

// NewRedisRunCacheWithClient wraps an existing client, used in tests.
func NewRedisRunCacheWithClient(client *redis.Client) *RedisRunCache {
	return &RedisRunCache{client: client}
}

func (c *RedisRunCache) Get(ctx context.Context, fingerprint string) (*Run, error) {
	raw, err := c.client.Get(ctx, cacheKeyPrefix+fingerprint).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache read failed: %w", err)
	}
	var run Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, fmt.Errorf("cache entry is corrupt: %w", err)
	}
	return &run, nil
}

func (c *RedisRunCache) Set(ctx context.Context, fingerprint string, run *Run, ttl time.Duration) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to serialize run: %w", err)
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+fingerprint, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache write failed: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *RedisRunCache) Close() error {
	return c.client.Close()
}
