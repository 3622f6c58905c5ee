package translate

import "github.com/yuguogang/mock-exchange/internal/signal"

// Timeline is a leg's settlement calendar: boundaries at StartMS + k*IntervalMS.
type Timeline struct {
	IntervalMS int64
	StartMS    int64
}

// Boundaries lists the settlement times b with openTS < b <= closeTS.
func (tl Timeline) Boundaries(openTS, closeTS int64) []int64 {
	if tl.IntervalMS <= 0 || closeTS <= openTS {
		return nil
	}
	next := tl.StartMS + ceilDiv(openTS-tl.StartMS, tl.IntervalMS)*tl.IntervalMS
	var out []int64
	for ; next <= closeTS; next += tl.IntervalMS {
		if next > openTS {
			out = append(out, next)
		}
	}
	return out
}

func ceilDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && a > 0 {
		q++
	}
	return q
}

// Fee is the funding income of one settlement: a long pays a positive rate,
// a short receives it.
func Fee(notional, rate float64, entrySide signal.Side) float64 {
	multiplier := -1.0
	if entrySide == signal.SideBuy {
		multiplier = 1
	}
	return -(notional * rate * multiplier)
}
