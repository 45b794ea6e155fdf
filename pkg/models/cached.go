package models

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/Protocol-Lattice/go-taskagent/pkg/cache"
)

// CachedGenerator memoises completions by prompt, optionally persisting the
// cache to a JSON file between runs.
type CachedGenerator struct {
	Generator Generator
	Cache     *cache.LRU[string]
	FilePath  string
}

func NewCachedGenerator(gen Generator, size int, ttl time.Duration, filePath string) *CachedGenerator {
	c := &CachedGenerator{
		Generator: gen,
		Cache:     cache.New[string](size, ttl),
		FilePath:  filePath,
	}
	if filePath != "" {
		c.load()
	}
	return c
}

func (c *CachedGenerator) load() {
	f, err := os.Open(c.FilePath)
	if err != nil {
		return // missing file just means a cold cache
	}
	defer f.Close()

	var dump map[string]cache.Entry[string]
	if err := json.NewDecoder(f).Decode(&dump); err == nil {
		c.Cache.Restore(dump)
	}
}

func (c *CachedGenerator) save() {
	if c.FilePath == "" {
		return
	}
	dump := c.Cache.Dump()

	// Atomic write: write to temp, then rename
	tmp := c.FilePath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return
	}
	if err := json.NewEncoder(f).Encode(dump); err != nil {
		f.Close()
		os.Remove(tmp)
		return
	}
	f.Close()
	os.Rename(tmp, c.FilePath)
}

// Generate checks the cache before calling the wrapped generator. Failures
// are never cached.
func (c *CachedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	key := cache.HashKey(prompt)
	if val, ok := c.Cache.Get(key); ok {
		return val, nil
	}

	res, err := c.Generator.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}

	c.Cache.Set(key, res)
	c.save()
	return res, nil
}
