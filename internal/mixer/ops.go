package mixer

import (
	"fmt"
	"math"
)

const (
	OpScale           = "scale"
	OpOffset          = "offset"
	OpClamp           = "clamp"
	OpTargetSpreadPct = "target_spread_pct"
	OpNoise           = "noise"

	NoiseGaussian = "gaussian"
	NoiseUniform  = "uniform"

	defaultNoiseSeed = 42
)

// Op is one step of a funding or price op chain. Type selects which of the
// remaining fields are read.
type Op struct {
	Type      string  `json:"type" yaml:"type"`
	Value     float64 `json:"value,omitempty" yaml:"value"`
	Min       float64 `json:"min,omitempty" yaml:"min"`
	Max       float64 `json:"max,omitempty" yaml:"max"`
	Mode      string  `json:"mode,omitempty" yaml:"mode"`
	Amplitude float64 `json:"amplitude,omitempty" yaml:"amplitude"`
	Seed      int64   `json:"seed,omitempty" yaml:"seed"`
}

func Scale(v float64) Op { return Op{Type: OpScale, Value: v} }
func Offset(v float64) Op { return Op{Type: OpOffset, Value: v} }
func Clamp(lo, hi float64) Op { return Op{Type: OpClamp, Min: lo, Max: hi} }
func TargetSpreadPct(v float64) Op { return Op{Type: OpTargetSpreadPct, Value: v} }
func GaussianNoise(amp float64, seed int64) Op {
	return Op{Type: OpNoise, Mode: NoiseGaussian, Amplitude: amp, Seed: seed}
}

// ValidateOps checks every op against the set its metric accepts.
func ValidateOps(ops Ops) error {
	for i, op := range ops.Funding {
		switch op.Type {
		case OpScale, OpOffset:
		case OpClamp:
			if op.Min > op.Max {
				return fmt.Errorf("%w: funding[%d] clamp min %v > max %v", ErrInvalidOp, i, op.Min, op.Max)
			}
		default:
			return fmt.Errorf("%w: funding[%d] type %q", ErrInvalidOp, i, op.Type)
		}
	}
	for i, op := range ops.Price {
		switch op.Type {
		case OpScale, OpOffset, OpTargetSpreadPct:
		case OpNoise:
			if op.Mode != "" && op.Mode != NoiseGaussian && op.Mode != NoiseUniform {
				return fmt.Errorf("%w: price[%d] noise mode %q", ErrInvalidOp, i, op.Mode)
			}
			if op.Amplitude < 0 {
				return fmt.Errorf("%w: price[%d] noise amplitude must be >= 0", ErrInvalidOp, i)
			}
		default:
			return fmt.Errorf("%w: price[%d] type %q", ErrInvalidOp, i, op.Type)
		}
	}
	return nil
}

// ApplyFunding runs the funding op chain left to right.
func ApplyFunding(rate float64, ops []Op) float64 {
	out := rate
	for _, op := range ops {
		switch op.Type {
		case OpScale:
			out *= op.Value
		case OpOffset:
			out += op.Value
		case OpClamp:
			out = math.Max(op.Min, math.Min(op.Max, out))
		}
	}
	return out
}

// ApplyPrice runs the price op chain left to right. target_spread_pct needs a
// reference price and is a no-op when hasRef is false. Noise is seeded from
// the point timestamp so a re-run produces the same series.
func ApplyPrice(price, ref float64, hasRef bool, ops []Op, ts int64) float64 {
	out := price
	for _, op := range ops {
		switch op.Type {
		case OpScale:
			out *= op.Value
		case OpOffset:
			out += op.Value
		case OpTargetSpreadPct:
			if hasRef {
				out = ref * (1 + op.Value)
			}
		case OpNoise:
			rng := newMulberry32(noiseSeed(op.Seed, ts))
			if op.Mode == NoiseUniform {
				out *= 1 + (rng.next()-0.5)*op.Amplitude
			} else {
				out *= 1 + rng.gaussian()*op.Amplitude
			}
		}
	}
	return out
}

func noiseSeed(seed, ts int64) uint32 {
	if seed == 0 {
		seed = defaultNoiseSeed
	}
	return uint32(seed + ts)
}
