package transcribe

import (
	"container/list"
	"context"
	"errors"
	"io"
	"sync"

	apperrors "github.com/GriffinCanCode/voicelog/internal/errors"
	"github.com/GriffinCanCode/voicelog/internal/resilience"
	"github.com/GriffinCanCode/voicelog/internal/trace"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize retains only the most recently used model.
const DefaultCacheSize = 1

// ModelCache maps model tags to loaded models. Concurrent first loads of the
// same tag share one Engine.Load call; the least recently used model is
// evicted (and closed, if it is an io.Closer) once capacity is exceeded.
// Models pinned by Acquire are never evicted, so the cache may exceed its
// capacity until they are released.
type ModelCache struct {
	engine   Engine
	capacity int
	retry    resilience.RetryConfig

	mu    sync.Mutex
	order *list.List // front = most recently used
	items map[string]*list.Element
	group singleflight.Group
}

type cacheEntry struct {
	tag   string
	model Model
	pins  int
}

// NewModelCache creates an empty cache in front of engine.
func NewModelCache(engine Engine, capacity int) *ModelCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &ModelCache{
		engine:   engine,
		capacity: capacity,
		retry:    resilience.ModelLoadRetryConfig(),
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the model for tag, loading it on first use.
func (c *ModelCache) Get(ctx context.Context, tag string) (Model, error) {
	if tag == "" {
		return nil, apperrors.New(apperrors.InvalidArgument, "model tag is required")
	}
	if m, ok := c.lookup(tag); ok {
		return m, nil
	}

	v, err, shared := c.group.Do(tag, func() (any, error) {
		if m, ok := c.lookup(tag); ok {
			return m, nil
		}
		trace.Logger(ctx).Info("loading model", "model", tag)
		m, err := resilience.RetryValue(ctx, c.retry, func() (Model, error) {
			return c.engine.Load(ctx, tag)
		})
		if err != nil {
			return nil, err
		}
		c.insert(ctx, tag, m)
		return m, nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, apperrors.Wrapf(err, apperrors.Cancelled, "loading model %q", tag)
		}
		if apperrors.IsCode(err, apperrors.ModelLoadError) {
			return nil, err
		}
		return nil, apperrors.Wrapf(err, apperrors.ModelLoadError, "load model %q", tag).WithMetadata("model", tag)
	}
	if shared {
		trace.Logger(ctx).Debug("model load shared", "model", tag)
	}
	return v.(Model), nil
}

// Acquire returns the model for tag and pins it until release is called.
// release is safe to call more than once.
func (c *ModelCache) Acquire(ctx context.Context, tag string) (Model, func(), error) {
	for {
		if _, err := c.Get(ctx, tag); err != nil {
			return nil, nil, err
		}
		// The entry can be evicted between Get and pin; load it again.
		if m, ok := c.pin(tag); ok {
			return m, sync.OnceFunc(func() { c.unpin(ctx, tag) }), nil
		}
	}
}

// Tags lists loaded tags, most recently used first.
func (c *ModelCache) Tags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	tags := make([]string, 0, c.order.Len())
	for e := c.order.Front(); e != nil; e = e.Next() {
		tags = append(tags, e.Value.(*cacheEntry).tag)
	}
	return tags
}

// Close evicts everything.
func (c *ModelCache) Close() error {
	c.mu.Lock()
	var evicted []*cacheEntry
	for e := c.order.Front(); e != nil; e = e.Next() {
		evicted = append(evicted, e.Value.(*cacheEntry))
	}
	c.order.Init()
	clear(c.items)
	c.mu.Unlock()

	var errs []error
	for _, ent := range evicted {
		if closer, ok := ent.model.(io.Closer); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}

func (c *ModelCache) lookup(tag string) (Model, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[tag]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(e)
	return e.Value.(*cacheEntry).model, true
}

func (c *ModelCache) pin(tag string) (Model, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[tag]
	if !ok {
		return nil, false
	}
	ent := e.Value.(*cacheEntry)
	ent.pins++
	return ent.model, true
}

func (c *ModelCache) unpin(ctx context.Context, tag string) {
	c.mu.Lock()
	if e, ok := c.items[tag]; ok {
		e.Value.(*cacheEntry).pins--
	}
	evicted := c.evictLocked()
	c.mu.Unlock()
	c.closeEvicted(ctx, evicted)
}

func (c *ModelCache) insert(ctx context.Context, tag string, m Model) {
	c.mu.Lock()
	c.items[tag] = c.order.PushFront(&cacheEntry{tag: tag, model: m})
	evicted := c.evictLocked()
	c.mu.Unlock()
	c.closeEvicted(ctx, evicted)
}

// evictLocked removes unpinned entries, least recently used first, until the
// cache fits. The most recently used entry always stays.
func (c *ModelCache) evictLocked() []*cacheEntry {
	var evicted []*cacheEntry
	for e := c.order.Back(); e != nil && e != c.order.Front() && c.order.Len() > c.capacity; {
		prev := e.Prev()
		if ent := e.Value.(*cacheEntry); ent.pins == 0 {
			c.order.Remove(e)
			delete(c.items, ent.tag)
			evicted = append(evicted, ent)
		}
		e = prev
	}
	return evicted
}

func (c *ModelCache) closeEvicted(ctx context.Context, evicted []*cacheEntry) {
	for _, ent := range evicted {
		trace.Logger(ctx).Info("evicting model", "model", ent.tag)
		if closer, ok := ent.model.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				trace.Logger(ctx).Warn("model close failed", "model", ent.tag, "error", err)
			}
		}
	}
}
