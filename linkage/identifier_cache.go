package linkage

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/theimaginaryfoundation/survey-linker/linkage/fileutils"
)

var cacheNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/theimaginaryfoundation/survey-linker/identifier-cache"))

type cachedIdentifier struct {
	Found bool   `json:"found"`
	ID    string `json:"id,omitempty"`
}

// CachedFallback memoizes an IdentifierFallback in a JSON file so re-runs give the same answers
// without calling the model again. Errors are never cached.
type CachedFallback struct {
	Inner IdentifierFallback
	Path  string

	mu      sync.Mutex
	loaded  bool
	dirty   bool
	entries map[string]cachedIdentifier
}

func (c *CachedFallback) load() error {
	if c.loaded {
		return nil
	}
	c.entries = make(map[string]cachedIdentifier)
	if c.Path != "" {
		if _, err := fileutils.ReadJSONFileIfExists(c.Path, &c.entries); err != nil {
			return fmt.Errorf("CachedFallback: %w", err)
		}
	}
	c.loaded = true
	return nil
}

func cacheKey(text string) string {
	return uuid.NewSHA1(cacheNamespace, []byte(text)).String()
}

func (c *CachedFallback) ExtractIdentifier(ctx context.Context, text string) (Identifier, bool, error) {
	key := cacheKey(text)

	c.mu.Lock()
	if err := c.load(); err != nil {
		c.mu.Unlock()
		return Identifier{}, false, err
	}
	hit, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		if !hit.Found {
			return Identifier{}, false, nil
		}
		id, parsed := ParseIdentifier(hit.ID)
		return id, parsed, nil
	}

	if c.Inner == nil {
		return Identifier{}, false, nil
	}
	id, found, err := c.Inner.ExtractIdentifier(ctx, text)
	if err != nil {
		return Identifier{}, false, err
	}
	entry := cachedIdentifier{Found: found}
	if found {
		entry.ID = id.String()
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.dirty = true
	c.mu.Unlock()
	return id, found, nil
}

// Len reports the number of cached answers.
func (c *CachedFallback) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Save writes the cache when it changed since loading.
func (c *CachedFallback) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty || c.Path == "" {
		return nil
	}
	if err := fileutils.WriteJSONFileAtomic(c.Path, c.entries, true); err != nil {
		return fmt.Errorf("CachedFallback.Save: %w", err)
	}
	c.dirty = false
	return nil
}
