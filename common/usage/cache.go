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

package usage

import (
	"container/list"
	"sync"
	"time"
)

const (
	// defaultCacheCapacity bounds the number of memoized aggregates.
	defaultCacheCapacity = 1024

	// maxEntryTTL caps the per-entry lifetime.
	maxEntryTTL = time.Hour

	// minEntryTTL is the lifetime of an aggregate computed from zero
	// samples; it expires almost immediately so the next poll recomputes.
	minEntryTTL = time.Second

	// ttlPerSample grows the lifetime with the sample count: well-sampled
	// aggregates are stable and may live up to the cap.
	ttlPerSample = time.Minute
)

// TokenCountAggregate is a memoized usage aggregate for one task/model
// grouping, cached to absorb repeated dashboard polling.
type TokenCountAggregate struct {
	AveragePromptTokens     float64
	AverageCompletionTokens float64
	SampleCount             int
}

type cacheEntry struct {
	key       string
	value     TokenCountAggregate
	expiresAt time.Time
}

// TokenCountCache is a bounded TTL/LRU hybrid. Capacity eviction removes the
// least recently used entry; the TTL is derived per entry at insert time from
// the aggregate's sample count, not from a global constant.
//
// The single mutex covers check-then-insert so concurrent lookups for the
// same key never compute the aggregate twice.
type TokenCountCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
	now      func() time.Time
}

// NewTokenCountCache creates a cache with the given capacity; zero or
// negative means the default.
func NewTokenCountCache(capacity int) *TokenCountCache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &TokenCountCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// entryTTL scales lifetime with sample count.
func entryTTL(sampleCount int) time.Duration {
	if sampleCount <= 0 {
		return minEntryTTL
	}
	ttl := time.Duration(sampleCount) * ttlPerSample
	if ttl > maxEntryTTL {
		return maxEntryTTL
	}
	return ttl
}

// Get returns the cached aggregate when present and unexpired.
func (c *TokenCountCache) Get(key string) (TokenCountAggregate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return TokenCountAggregate{}, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.removeLocked(elem)
		return TokenCountAggregate{}, false
	}
	c.order.MoveToFront(elem)
	return entry.value, true
}

// GetOrCompute returns the cached aggregate or computes, stores and returns
// it. The compute function runs under the cache lock, which is what prevents
// a recomputation storm for one key; it must not call back into the cache.
func (c *TokenCountCache) GetOrCompute(key string, compute func() (TokenCountAggregate, error)) (TokenCountAggregate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		if !c.now().After(entry.expiresAt) {
			c.order.MoveToFront(elem)
			return entry.value, nil
		}
		c.removeLocked(elem)
	}

	value, err := compute()
	if err != nil {
		return TokenCountAggregate{}, err
	}
	c.setLocked(key, value)
	return value, nil
}

// Set stores an aggregate, evicting the least recently used entry when at
// capacity.
func (c *TokenCountCache) Set(key string, value TokenCountAggregate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

func (c *TokenCountCache) setLocked(key string, value TokenCountAggregate) {
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
	for len(c.entries) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
	entry := &cacheEntry{
		key:       key,
		value:     value,
		expiresAt: c.now().Add(entryTTL(value.SampleCount)),
	}
	c.entries[key] = c.order.PushFront(entry)
}

func (c *TokenCountCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	delete(c.entries, entry.key)
	c.order.Remove(elem)
}

// Len returns the current number of entries, expired or not.
func (c *TokenCountCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
