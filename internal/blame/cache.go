package blame

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"p4vault/internal/logging"
	"p4vault/internal/p4"
)

const (
	// ttl is how long a fetched annotation stays servable.
	ttl = 5 * time.Minute
	// evictAfter is when cleanup drops an entry entirely.
	evictAfter = 2 * ttl
	// describeBatch bounds concurrent description fetches.
	describeBatch   = 5
	cleanupInterval = time.Minute
)

// Source provides the two repository calls the cache depends on.
type Source interface {
	Annotate(ctx context.Context, vaultPath string) (string, error)
	Describe(ctx context.Context, id p4.ChangeID) (*p4.Changelist, error)
}

type entry struct {
	result    *Result
	fetchedAt time.Time
}

type fetchResult struct {
	res *Result
	err error
}

// Cache memoizes per-file annotations with a TTL and deduplicates
// concurrent fetches for the same path.
type Cache struct {
	source Source
	log    zerolog.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string][]chan fetchResult
	descs    map[p4.ChangeID]string

	stopOnce sync.Once
	stop     chan struct{}
}

// NewCache creates the cache and starts its periodic cleanup loop.
func NewCache(source Source) *Cache {
	c := &Cache{
		source:   source,
		log:      logging.GetLogger("blame"),
		entries:  make(map[string]*entry),
		inflight: make(map[string][]chan fetchResult),
		descs:    make(map[p4.ChangeID]string),
		stop:     make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Close stops the cleanup loop.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Blame returns the annotation for a file, serving a cached result
// younger than the TTL unless force is set. Concurrent callers for one
// path share a single in-flight fetch and receive the same result.
func (c *Cache) Blame(ctx context.Context, vaultPath string, force bool) (*Result, error) {
	c.mu.Lock()
	if !force {
		if e, ok := c.entries[vaultPath]; ok && time.Since(e.fetchedAt) < ttl {
			res := e.result
			c.mu.Unlock()
			return res, nil
		}
	}

	if waiters, inFlight := c.inflight[vaultPath]; inFlight {
		ch := make(chan fetchResult, 1)
		c.inflight[vaultPath] = append(waiters, ch)
		c.mu.Unlock()

		select {
		case fr := <-ch:
			return fr.res, fr.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.inflight[vaultPath] = []chan fetchResult{}
	c.mu.Unlock()

	res, err := c.fetch(ctx, vaultPath)

	c.mu.Lock()
	waiters := c.inflight[vaultPath]
	delete(c.inflight, vaultPath)
	if err == nil {
		c.entries[vaultPath] = &entry{result: res, fetchedAt: time.Now()}
	}
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- fetchResult{res: res, err: err}
	}
	return res, err
}

func (c *Cache) fetch(ctx context.Context, vaultPath string) (*Result, error) {
	out, err := c.source.Annotate(ctx, vaultPath)
	if err != nil {
		return nil, err
	}

	lines := ParseAnnotate(out)
	c.prefetchDescriptions(ctx, lines)

	c.mu.Lock()
	for i := range lines {
		if desc, ok := c.descs[lines[i].Changelist]; ok {
			lines[i].Description = desc
		}
	}
	c.mu.Unlock()

	c.log.Debug().Str("path", vaultPath).Int("lines", len(lines)).Msg("annotation fetched")
	return &Result{VaultPath: vaultPath, Lines: lines, FetchedAt: time.Now()}, nil
}

// prefetchDescriptions fills the description cache for changelists not
// seen before, describeBatch at a time. Individual failures leave the
// line without a description rather than failing the blame.
func (c *Cache) prefetchDescriptions(ctx context.Context, lines []Line) {
	c.mu.Lock()
	seen := make(map[p4.ChangeID]bool)
	var missing []p4.ChangeID
	for _, l := range lines {
		if l.Changelist.IsDefault() || seen[l.Changelist] {
			continue
		}
		seen[l.Changelist] = true
		if _, cached := c.descs[l.Changelist]; !cached {
			missing = append(missing, l.Changelist)
		}
	}
	c.mu.Unlock()

	for start := 0; start < len(missing); start += describeBatch {
		end := min(start+describeBatch, len(missing))

		var wg sync.WaitGroup
		for _, id := range missing[start:end] {
			wg.Add(1)
			go func(id p4.ChangeID) {
				defer wg.Done()
				cl, err := c.source.Describe(ctx, id)
				if err != nil {
					c.log.Debug().Err(err).Int("change", int(id)).Msg("description fetch failed")
					return
				}
				c.mu.Lock()
				c.descs[id] = cl.Description
				c.mu.Unlock()
			}(id)
		}
		wg.Wait()
	}
}

// Invalidate drops the cached annotation for one file.
func (c *Cache) Invalidate(vaultPath string) {
	c.mu.Lock()
	delete(c.entries, vaultPath)
	c.mu.Unlock()
}

// InvalidateAll drops every cached annotation and description.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.descs = make(map[p4.ChangeID]string)
	c.mu.Unlock()
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.cleanup(time.Now())
		}
	}
}

func (c *Cache) cleanup(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, e := range c.entries {
		if now.Sub(e.fetchedAt) > evictAfter {
			delete(c.entries, path)
		}
	}
}
