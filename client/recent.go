package client

import lru "github.com/hashicorp/golang-lru"

const seenCapacity = 512

// recentKeys remembers the last few event keys so the same event arriving
// under its canonical and alias names is handled once.
type recentKeys struct {
	cache *lru.Cache
}

func newRecentKeys(capacity int) *recentKeys {
	cache, err := lru.New(capacity)
	if err != nil {
		panic(err)
	}
	return &recentKeys{cache: cache}
}

// Add reports whether key is new. The least recently seen key is evicted once
// the set is full.
func (r *recentKeys) Add(key string) bool {
	seen, _ := r.cache.ContainsOrAdd(key, struct{}{})
	return !seen
}
