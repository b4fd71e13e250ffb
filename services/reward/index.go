package reward

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var (
	indexHits = promauto.NewCounter(prometheus.CounterOpts{Name: "economy_reward_index_hits_total"})
	indexMiss = promauto.NewCounter(prometheus.CounterOpts{Name: "economy_reward_index_miss_total"})
)

type LoadFunc func(ctx context.Context) ([]*Definition, error)

// CatalogIndex keeps active rewards bucketed by the condition types that can
// change their eligibility, so an event only evaluates rewards it may affect.
// Rewards without any triggering condition are candidates for every event.
type CatalogIndex struct {
	mu       sync.RWMutex
	byType   map[ConditionType][]*Definition
	always   []*Definition
	loadedAt time.Time
	loaded   bool

	ttl   time.Duration
	load  LoadFunc
	now   func() time.Time
	group singleflight.Group
}

func NewCatalogIndex(ttl time.Duration, load LoadFunc) *CatalogIndex {
	return &CatalogIndex{
		byType: make(map[ConditionType][]*Definition),
		ttl:    ttl,
		load:   load,
		now:    time.Now,
	}
}

// Candidates returns the active rewards whose eligibility the event may flip.
func (c *CatalogIndex) Candidates(ctx context.Context, event EventType) ([]*Definition, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := map[string]bool{}
	var out []*Definition
	add := func(defs []*Definition) {
		for _, d := range defs {
			if seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			out = append(out, d)
		}
	}
	for _, ct := range eventConditions[event] {
		add(c.byType[ct])
	}
	add(c.always)
	return out, nil
}

// Invalidate forces the next lookup to reload the catalog.
func (c *CatalogIndex) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
}

func (c *CatalogIndex) fresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded {
		return false
	}
	return c.ttl <= 0 || c.now().Sub(c.loadedAt) <= c.ttl
}

func (c *CatalogIndex) ensure(ctx context.Context) error {
	if c.fresh() {
		indexHits.Inc()
		return nil
	}
	indexMiss.Inc()

	_, err, _ := c.group.Do("catalog", func() (interface{}, error) {
		defs, err := c.load(ctx)
		if err != nil {
			return nil, err
		}
		c.set(defs)
		return nil, nil
	})
	return err
}

func (c *CatalogIndex) set(defs []*Definition) {
	byType := make(map[ConditionType][]*Definition)
	var always []*Definition

	for _, d := range defs {
		triggered := false
		indexed := map[ConditionType]bool{}
		for _, cond := range d.Conditions {
			if !isTrigger(cond.Type) || indexed[cond.Type] {
				continue
			}
			indexed[cond.Type] = true
			byType[cond.Type] = append(byType[cond.Type], d)
			triggered = true
		}
		if !triggered {
			always = append(always, d)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byType = byType
	c.always = always
	c.loadedAt = c.now()
	c.loaded = true
}

func isTrigger(ct ConditionType) bool {
	return ct != CondNotPrivileged && ct != CondNotClaimed
}
