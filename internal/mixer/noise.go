package mixer

import "math"

// mulberry32 is a small 32-bit generator. Its output for a given seed is
// fixed, which keeps mixed series reproducible across runs and hosts.
type mulberry32 struct {
	state uint32
}

func newMulberry32(seed uint32) *mulberry32 {
	return &mulberry32{state: seed}
}

// next returns a value in [0, 1).
func (m *mulberry32) next() float64 {
	m.state += 0x6D2B79F5
	t := m.state
	t = (t ^ t>>15) * (t | 1)
	t ^= t + (t^t>>7)*(t|61)
	return float64(t^t>>14) / 4294967296.0
}

// gaussian draws one standard normal sample with the Box-Muller transform.
func (m *mulberry32) gaussian() float64 {
	u := 0.0
	for u == 0 {
		u = m.next()
	}
	v := 0.0
	for v == 0 {
		v = m.next()
	}
	return math.Sqrt(-2*math.Log(u)) * math.Cos(2*math.Pi*v)
}
