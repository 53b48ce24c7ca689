package transaction

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/theory-cloud/txtheory/pkg/errors"
	"github.com/theory-cloud/txtheory/pkg/model"
)

// modelCacheSize bounds the per-transaction cache; past it the oldest entries
// are evicted, and a repeated read of an evicted row goes to the store and
// then fails with DuplicateTracking, as it would with caching off.
const modelCacheSize = 1024

type cacheEntry struct {
	item        *model.Item
	invalidated bool
}

// modelCache deduplicates reads of the same row within one transaction.
// Creates, puts, and deletes invalidate entries; reading an invalidated
// entry is a programming error.
type modelCache struct {
	entries *lru.Cache[string, *cacheEntry]
}

func newModelCache() (*modelCache, error) {
	entries, err := lru.New[string, *cacheEntry](modelCacheSize)
	if err != nil {
		return nil, err
	}
	return &modelCache{entries: entries}, nil
}

// get returns the cached item for a track key. The second return is false
// when the row was never cached; an invalidated entry fails.
func (c *modelCache) get(trackKey string) (*model.Item, bool, error) {
	entry, ok := c.entries.Get(trackKey)
	if !ok {
		return nil, false, nil
	}
	if entry.invalidated {
		return nil, true, fmt.Errorf("%w: %s", errors.ErrStaleCachedModel, trackKey)
	}
	return entry.item, true, nil
}

func (c *modelCache) put(item *model.Item) {
	c.entries.Add(item.Key().TrackKey(), &cacheEntry{item: item})
}

// invalidate poisons the entry for a row so later reads fail instead of
// returning a model that no longer reflects the store.
func (c *modelCache) invalidate(trackKey string) {
	c.entries.Add(trackKey, &cacheEntry{invalidated: true})
}
