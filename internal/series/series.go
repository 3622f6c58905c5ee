package series

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/yuguogang/mock-exchange/internal/state"
)

// ErrDataGap reports a required series file that is missing or empty.
var ErrDataGap = errors.New("data gap")

// Point is a time-ordered record keyed by its millisecond timestamp.
type Point interface {
	Timestamp() int64
}

type PricePoint struct {
	TS            int64    `json:"ts"`
	Price         float64  `json:"price"`
	OriginalPrice *float64 `json:"_original_price,omitempty"`
	Segment       string   `json:"_segment,omitempty"`
	MixedAt       string   `json:"_mixed_at,omitempty"`
}

func (p PricePoint) Timestamp() int64 { return p.TS }

type FundingPoint struct {
	TS           int64    `json:"ts"`
	Rate         float64  `json:"rate"`
	OriginalRate *float64 `json:"_original_rate,omitempty"`
	Segment      string   `json:"_segment,omitempty"`
	MixedAt      string   `json:"_mixed_at,omitempty"`
}

func (p FundingPoint) Timestamp() int64 { return p.TS }

// Merge combines two series into one that is unique by timestamp and sorted
// ascending. On duplicate timestamps the earliest occurrence wins, so existing
// records are never rewritten by a re-download.
func Merge[T Point](existing, incoming []T) []T {
	seen := make(map[int64]struct{}, len(existing)+len(incoming))
	out := make([]T, 0, len(existing)+len(incoming))
	for _, batch := range [][]T{existing, incoming} {
		for _, p := range batch {
			ts := p.Timestamp()
			if _, ok := seen[ts]; ok {
				continue
			}
			seen[ts] = struct{}{}
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp() < out[j].Timestamp()
	})
	return out
}

// Latest returns the last timestamp of a sorted series, or 0 when empty.
func Latest[T Point](points []T) int64 {
	if len(points) == 0 {
		return 0
	}
	return points[len(points)-1].Timestamp()
}

// Since keeps the points with timestamp >= from.
func Since[T Point](points []T, from int64) []T {
	idx := sort.Search(len(points), func(i int) bool {
		return points[i].Timestamp() >= from
	})
	return points[idx:]
}

// After keeps the points with timestamp > ts.
func After[T Point](points []T, ts int64) []T {
	idx := sort.Search(len(points), func(i int) bool {
		return points[i].Timestamp() > ts
	})
	return points[idx:]
}

func PriceFile(exchange, symbol string) string {
	return fmt.Sprintf("%s_%s.json", exchange, symbol)
}

func FundingFile(exchange, symbol string) string {
	return fmt.Sprintf("%s_funding_%s.json", exchange, symbol)
}

// Store reads and writes per-(exchange, symbol) series under one directory.
type Store struct {
	Dir string
}

func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

func (s *Store) PricePath(exchange, symbol string) string {
	return filepath.Join(s.Dir, PriceFile(exchange, symbol))
}

func (s *Store) FundingPath(exchange, symbol string) string {
	return filepath.Join(s.Dir, FundingFile(exchange, symbol))
}

// LoadPrices returns the normalized price series. Missing or empty files
// yield ErrDataGap.
func (s *Store) LoadPrices(exchange, symbol string) ([]PricePoint, error) {
	return load[PricePoint](s.PricePath(exchange, symbol))
}

func (s *Store) LoadFunding(exchange, symbol string) ([]FundingPoint, error) {
	return load[FundingPoint](s.FundingPath(exchange, symbol))
}

func (s *Store) SavePrices(exchange, symbol string, points []PricePoint) error {
	return state.WriteJSONAtomic(s.PricePath(exchange, symbol), points)
}

func (s *Store) SaveFunding(exchange, symbol string, points []FundingPoint) error {
	return state.WriteJSONAtomic(s.FundingPath(exchange, symbol), points)
}

// AppendPrices merges incoming points into the stored series and returns the
// number of new timestamps written.
func (s *Store) AppendPrices(exchange, symbol string, incoming []PricePoint) (int, error) {
	return appendSeries(s.PricePath(exchange, symbol), incoming)
}

func (s *Store) AppendFunding(exchange, symbol string, incoming []FundingPoint) (int, error) {
	return appendSeries(s.FundingPath(exchange, symbol), incoming)
}

func load[T Point](path string) ([]T, error) {
	var points []T
	ok, err := state.ReadJSON(path, &points)
	if err != nil {
		return nil, err
	}
	if !ok || len(points) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDataGap, path)
	}
	return Merge[T](nil, points), nil
}

func appendSeries[T Point](path string, incoming []T) (int, error) {
	existing, err := load[T](path)
	if err != nil && !errors.Is(err, ErrDataGap) {
		return 0, err
	}
	if len(incoming) == 0 {
		return 0, nil
	}
	merged := Merge(existing, incoming)
	added := len(merged) - len(existing)
	if added == 0 {
		return 0, nil
	}
	if err := state.WriteJSONAtomic(path, merged); err != nil {
		return 0, err
	}
	return added, nil
}
