package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// embeddingCache keeps vectors by model and text digest. Cost is the vector
// size in bytes.
type embeddingCache struct {
	c *ristretto.Cache
}

func newEmbeddingCache(maxBytes int64) (*embeddingCache, error) {
	if maxBytes <= 0 {
		return nil, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     maxBytes,
		BufferItems: 64,

		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &embeddingCache{c: c}, nil
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return model + ":" + hex.EncodeToString(sum[:])
}

func (e *embeddingCache) get(model, text string) ([]float32, bool) {
	if e == nil || model == "" {
		return nil, false
	}
	v, ok := e.c.Get(cacheKey(model, text))
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

func (e *embeddingCache) put(model, text string, vec []float32) {
	if e == nil || model == "" || len(vec) == 0 {
		return
	}
	e.c.Set(cacheKey(model, text), vec, int64(4*len(vec)))
	e.c.Wait()
}

func (e *embeddingCache) close() {
	if e != nil {
		e.c.Close()
	}
}
