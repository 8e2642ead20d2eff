package x86

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of decoded offsets kept by a Cache
const DefaultCacheSize = 4096

type entry struct {
	inst *Inst
	err  error
}

// Cache memoizes Decode results by offset. A Cache is bound to a single
// buffer; call Reset before decoding a different one.
type Cache struct {
	lru *lru.Cache[int, entry]
}

// NewCache creates a decode cache holding up to size offsets
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[int, entry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

// Decode decodes the instruction at off, reusing a previous result (including
// a previous failure) for the same offset.
func (c *Cache) Decode(data []byte, off int) (*Inst, error) {
	if e, ok := c.lru.Get(off); ok {
		return e.inst, e.err
	}
	inst, err := Decode(data, off)
	c.lru.Add(off, entry{inst: inst, err: err})
	return inst, err
}

// Reset drops every cached entry
func (c *Cache) Reset() {
	c.lru.Purge()
}

// Len returns the number of cached offsets
func (c *Cache) Len() int {
	return c.lru.Len()
}
