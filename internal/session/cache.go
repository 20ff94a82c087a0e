package session

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cairnfs/cairnfs/internal/identity"
)

// Identity is a validated (session, user) pair - the unit the cache stores
// and the unit request handlers work with.
type Identity struct {
	Session *Session
	User    *identity.User
}

// Cache is a bounded, LRU-evicting map from storage token to Identity.
//
// Only fully validated pairs are ever inserted; a cache hit means the
// request path skips the database entirely. Invalidation is explicit: on
// logout, password change, user deletion, and the expiry sweep.
type Cache struct {
	entries *lru.Cache[string, *Identity]
}

// NewCache creates a cache bounded to size entries.
func NewCache(size int) (*Cache, error) {
	entries, err := lru.New[string, *Identity](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries}, nil
}

// Get returns the cached identity for a storage token, if present.
func (c *Cache) Get(token string) (*Identity, bool) {
	return c.entries.Get(token)
}

// Add inserts a validated identity.
func (c *Cache) Add(token string, ident *Identity) {
	c.entries.Add(token, ident)
}

// Remove evicts one token.
func (c *Cache) Remove(token string) {
	c.entries.Remove(token)
}

// RemoveAll evicts a batch of tokens.
func (c *Cache) RemoveAll(tokens []string) {
	for _, token := range tokens {
		c.entries.Remove(token)
	}
}

// Len returns the number of cached identities.
func (c *Cache) Len() int {
	return c.entries.Len()
}
