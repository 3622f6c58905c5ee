package strategy

import (
	"math"

	"github.com/yuguogang/mock-exchange/internal/series"
)

const (
	DefaultIntervalHours = 8
	intervalSampleSize   = 5
	hourMS               = 3600 * 1000
	daysPerYear          = 365
)

// DetectIntervalHours returns the modal spacing, in whole hours, of the first
// few points of a funding series. Ties resolve to the smaller spacing. Short
// or degenerate series fall back to DefaultIntervalHours.
func DetectIntervalHours(points []series.FundingPoint) float64 {
	if len(points) < 2 {
		return DefaultIntervalHours
	}
	n := len(points)
	if n > intervalSampleSize {
		n = intervalSampleSize
	}
	counts := make(map[int64]int)
	for i := 1; i < n; i++ {
		hours := int64(math.Round(float64(points[i].TS-points[i-1].TS) / hourMS))
		counts[hours]++
	}
	best, bestCount := int64(0), 0
	for hours, count := range counts {
		if count > bestCount || (count == bestCount && hours < best) {
			best, bestCount = hours, count
		}
	}
	if best <= 0 {
		return DefaultIntervalHours
	}
	return float64(best)
}

// Annualize converts a periodic funding rate into a yearly rate.
func Annualize(rate, intervalHours float64) float64 {
	if intervalHours <= 0 {
		intervalHours = DefaultIntervalHours
	}
	return rate * (24 / intervalHours) * daysPerYear
}
