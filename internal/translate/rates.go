package translate

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/yuguogang/mock-exchange/internal/series"
)

// RateAt returns the latest rate at or before ts. Times before the first
// point use the first rate; an empty series yields 0.
func RateAt(points []series.FundingPoint, ts int64) float64 {
	if len(points) == 0 {
		return 0
	}
	if ts < points[0].TS {
		return points[0].Rate
	}
	idx := sort.Search(len(points), func(i int) bool { return points[i].TS > ts })
	return points[idx-1].Rate
}

// RateSource supplies funding series for settlement lookups.
type RateSource interface {
	FundingRates(exchange, symbol string) ([]series.FundingPoint, error)
}

// SeriesCache reads funding series from the first store that has them and
// keeps them for the lifetime of one run.
type SeriesCache struct {
	mu     sync.Mutex
	stores []*series.Store
	cache  map[string][]series.FundingPoint
}

func NewSeriesCache(stores ...*series.Store) *SeriesCache {
	return &SeriesCache{stores: stores, cache: make(map[string][]series.FundingPoint)}
}

func (c *SeriesCache) FundingRates(exchange, symbol string) ([]series.FundingPoint, error) {
	key := strings.ToLower(exchange) + "_" + symbol
	c.mu.Lock()
	defer c.mu.Unlock()
	if points, ok := c.cache[key]; ok {
		return points, nil
	}
	for _, store := range c.stores {
		points, err := store.LoadFunding(exchange, symbol)
		if errors.Is(err, series.ErrDataGap) {
			continue
		}
		if err != nil {
			return nil, err
		}
		c.cache[key] = points
		return points, nil
	}
	c.cache[key] = nil
	return nil, nil
}

// Put seeds the cache, mostly for callers that already hold the series.
func (c *SeriesCache) Put(exchange, symbol string, points []series.FundingPoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[strings.ToLower(exchange)+"_"+symbol] = points
}
