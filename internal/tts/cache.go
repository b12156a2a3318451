package tts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache replays previously synthesized audio for identical requests.
type Cache struct {
	next    Synthesizer
	entries *lru.Cache[string, []SynthChunk]
}

// NewCache wraps next with an LRU holding up to size complete syntheses.
func NewCache(next Synthesizer, size int) (*Cache, error) {
	entries, err := lru.New[string, []SynthChunk](size)
	if err != nil {
		return nil, err
	}
	return &Cache{next: next, entries: entries}, nil
}

func (c *Cache) Len() int { return c.entries.Len() }

func (c *Cache) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	key := cacheKey(req)
	if cached, ok := c.entries.Get(key); ok {
		return replay(ctx, cached)
	}

	upstream, upstreamErrs := c.next.Synthesize(ctx, req)
	out := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)

		var collected []SynthChunk
		failed := false
		for upstream != nil || upstreamErrs != nil {
			select {
			case chunk, ok := <-upstream:
				if !ok {
					upstream = nil
					continue
				}
				collected = append(collected, chunk)
				select {
				case out <- chunk:
				case <-ctx.Done():
					errs <- Classify(ctx.Err(), ReasonCanceled)
					return
				}
			case err, ok := <-upstreamErrs:
				if !ok {
					upstreamErrs = nil
					continue
				}
				if err != nil {
					failed = true
					errs <- err
				}
			}
		}
		if !failed && ctx.Err() == nil && len(collected) > 0 {
			c.entries.Add(key, collected)
		}
	}()
	return out, errs
}

func replay(ctx context.Context, chunks []SynthChunk) (<-chan SynthChunk, <-chan error) {
	out := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for _, chunk := range chunks {
			select {
			case out <- chunk:
			case <-ctx.Done():
				errs <- Classify(ctx.Err(), ReasonCanceled)
				return
			}
		}
	}()
	return out, errs
}

func cacheKey(req SynthRequest) string {
	h := sha256.New()
	h.Write([]byte(req.Voice))
	h.Write([]byte{0})
	h.Write([]byte(req.Markup))
	return hex.EncodeToString(h.Sum(nil))
}
