package signing

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Store caches parsed credentials so repeated builds in one process do not
// re-read key material. Entries are keyed by path, size and mtime of both
// files, so an edited key or certificate is picked up on the next load.
type Store struct {
	cache *expirable.LRU[string, *Credentials]
}

// NewStore creates a credential cache holding up to size entries for ttl
func NewStore(size int, ttl time.Duration) *Store {
	if size <= 0 {
		size = 8
	}
	return &Store{cache: expirable.NewLRU[string, *Credentials](size, nil, ttl)}
}

// Load returns cached credentials for the pair or parses them from disk
func (s *Store) Load(keyPath, certPath string) (*Credentials, error) {
	key, err := cacheKey(keyPath, certPath)
	if err != nil {
		return nil, err
	}
	if creds, ok := s.cache.Get(key); ok {
		return creds, nil
	}

	creds, err := LoadCredentials(keyPath, certPath)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, creds)
	return creds, nil
}

// Len reports the number of cached credential pairs
func (s *Store) Len() int {
	return s.cache.Len()
}

func cacheKey(paths ...string) (string, error) {
	var key string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSigning, err)
		}
		key += fmt.Sprintf("%s:%d:%d|", p, info.Size(), info.ModTime().UnixNano())
	}
	return key, nil
}
