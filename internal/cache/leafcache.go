// Package cache bounds how many leaf certificates the proxy keeps minted
// at once and makes sure concurrent requests for the same host share a
// single mint: a size-50 LRU plus at-most-one-concurrent-build-per-key
// deduplication.
package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"mitmproxy/internal/ca"
)

// Capacity is the number of leaf certificates kept resident at once.
const Capacity = 50

// LeafCache hands out per-host leaf certificates, minting on miss and
// never running two mints for the same host concurrently.
type LeafCache struct {
	lru   *lru.Cache[string, *ca.LeafCA]
	group singleflight.Group
	root  *ca.RootCA
}

// New creates a LeafCache backed by root for signing.
func New(root *ca.RootCA) (*LeafCache, error) {
	l, err := lru.New[string, *ca.LeafCA](Capacity)
	if err != nil {
		return nil, err
	}
	return &LeafCache{lru: l, root: root}, nil
}

// Get returns the cached leaf certificate for host, minting and caching one
// if absent. Concurrent callers for the same host block on a single mint
// and all receive the same certificate.
func (c *LeafCache) Get(_ context.Context, host string) (*ca.LeafCA, error) {
	if leaf, ok := c.lru.Get(host); ok {
		return leaf.Clone(), nil
	}

	v, err, _ := c.group.Do(host, func() (any, error) {
		if leaf, ok := c.lru.Get(host); ok {
			return leaf, nil
		}
		leaf, err := c.root.Sign(host)
		if err != nil {
			return nil, err
		}
		c.lru.Add(host, leaf)
		return leaf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ca.LeafCA).Clone(), nil
}

// Len reports how many leaf certificates are currently cached.
func (c *LeafCache) Len() int {
	return c.lru.Len()
}
