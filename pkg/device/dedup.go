package device

import lru "github.com/hashicorp/golang-lru/v2"

// DefaultDedupSize is the capacity of the duplicate-command filter.
const DefaultDedupSize = 200

// dedupFilter remembers the command tokens already acted upon, bounded by
// recency. It protects against the hub re-sending a command after a
// reconnection race or retry.
type dedupFilter struct {
	cache *lru.Cache[string, struct{}]
}

func newDedupFilter(size int) (*dedupFilter, error) {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &dedupFilter{cache: cache}, nil
}

// Seen reports whether token was already recorded, recording it if not.
// Evicts the least-recently-used token once capacity is exceeded; a hit
// counts as a use, so tokens still being re-delivered stay resident.
func (d *dedupFilter) Seen(token string) bool {
	if _, ok := d.cache.Get(token); ok {
		return true
	}
	d.cache.Add(token, struct{}{})
	return false
}

// Len returns the number of remembered tokens.
func (d *dedupFilter) Len() int {
	return d.cache.Len()
}
