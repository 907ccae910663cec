package capability

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/model"
)

// Detector queries the features of a switch.
type Detector interface {
	Detect(ctx context.Context, sw model.SwitchID) (model.Capabilities, error)
}

type DetectorFunc func(ctx context.Context, sw model.SwitchID) (model.Capabilities, error)

func (f DetectorFunc) Detect(ctx context.Context, sw model.SwitchID) (model.Capabilities, error) {
	return f(ctx, sw)
}

// Static answers from a fixed table; unknown switches have no features.
type Static model.SwitchCapabilities

func (s Static) Detect(_ context.Context, sw model.SwitchID) (model.Capabilities, error) {
	return model.SwitchCapabilities(s).Of(sw), nil
}

const DefaultTTL = 5 * time.Minute

// Cache memoizes a Detector per switch. Concurrent misses for the same
// switch share one detection.
type Cache struct {
	detector Detector
	entries  *gocache.Cache
	group    singleflight.Group
	logger   flowhs.Logger
}

type Option func(*Cache)

func WithLogger(l flowhs.Logger) Option {
	return func(c *Cache) {
		c.logger = flowhs.NormalizeLogger(l)
	}
}

func NewCache(detector Detector, ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		detector: detector,
		entries:  gocache.New(ttl, 2*ttl),
		logger:   flowhs.NopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Cache) Detect(ctx context.Context, sw model.SwitchID) (model.Capabilities, error) {
	key := string(sw)
	if v, ok := c.entries.Get(key); ok {
		return v.(model.Capabilities), nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		caps, err := c.detector.Detect(ctx, sw)
		if err != nil {
			return nil, err
		}
		c.entries.Set(key, caps, gocache.DefaultExpiration)
		c.logger.Debug("detected capabilities of %s: %v", sw, caps.Features())
		return caps, nil
	})
	if err != nil {
		return model.Capabilities{}, flowhs.WrapError(flowhs.ErrIllegalState,
			fmt.Sprintf("capability detection failed for %s", sw), err,
			map[string]any{"switch_id": string(sw)})
	}
	return v.(model.Capabilities), nil
}

// Lookup detects every listed switch.
func (c *Cache) Lookup(ctx context.Context, switches ...model.SwitchID) (model.SwitchCapabilities, error) {
	out := make(model.SwitchCapabilities, len(switches))
	for _, sw := range switches {
		if _, done := out[sw]; done {
			continue
		}
		caps, err := c.Detect(ctx, sw)
		if err != nil {
			return nil, err
		}
		out[sw] = caps
	}
	return out, nil
}

// Invalidate forgets sw, typically after a switch reconnects.
func (c *Cache) Invalidate(sw model.SwitchID) {
	c.entries.Delete(string(sw))
}
