package rules

import (
	"fmt"
	"sort"

	"github.com/yuguogang/mock-exchange/internal/mixer"
)

// SwitchPriority dominates every template and hand-written segment so a
// switched rule takes effect on the next mix pass.
const SwitchPriority = 210

type Template struct {
	ID          string
	Description string
	Ops         mixer.Ops
}

var templates = map[string]Template{
	"seg_A": {
		ID:          "seg_A",
		Description: "raise funding and lift the relative spread slightly",
		Ops: mixer.Ops{
			Funding: []mixer.Op{mixer.Scale(1.3), mixer.Offset(0), mixer.Clamp(-0.005, 0.005)},
			Price:   []mixer.Op{mixer.TargetSpreadPct(0.0015), mixer.GaussianNoise(0.0005, 42)},
		},
	},
	"seg_B": {
		ID:          "seg_B",
		Description: "push the relative spread down",
		Ops: mixer.Ops{
			Funding: []mixer.Op{mixer.Scale(1.5), mixer.Clamp(-0.006, 0.006)},
			Price:   []mixer.Op{mixer.TargetSpreadPct(-0.001)},
		},
	},
	"seg_C": {
		ID:          "seg_C",
		Description: "extreme spread stress case",
		Ops: mixer.Ops{
			Funding: []mixer.Op{mixer.Scale(2.0), mixer.Clamp(-0.01, 0.01)},
			Price:   []mixer.Op{mixer.TargetSpreadPct(-0.020)},
		},
	},
	"seg_funding_only": {
		ID:          "seg_funding_only",
		Description: "boost funding hard, keep market spread",
		Ops: mixer.Ops{
			Funding: []mixer.Op{mixer.Scale(5.0), mixer.Offset(0.0005)},
			Price:   []mixer.Op{},
		},
	},
	"default": {
		ID:          "default",
		Description: "stop all intervention",
		Ops:         mixer.Ops{Funding: []mixer.Op{}, Price: []mixer.Op{}},
	},
}

func LookupTemplate(id string) (Template, bool) {
	tpl, ok := templates[id]
	if !ok {
		return Template{}, false
	}
	tpl.Ops = cloneOps(tpl.Ops)
	return tpl, true
}

// Templates lists the built-in templates ordered by id.
func Templates() []Template {
	out := make([]Template, 0, len(templates))
	for id := range templates {
		tpl, _ := LookupTemplate(id)
		out = append(out, tpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneOps(ops mixer.Ops) mixer.Ops {
	return mixer.Ops{
		Funding: append([]mixer.Op{}, ops.Funding...),
		Price:   append([]mixer.Op{}, ops.Price...),
	}
}

// Preview shows what a template does to a sample rate of 0.0001 and a price
// of 1.0 used as its own reference.
type Preview struct {
	RateBefore  float64
	RateAfter   float64
	PriceBefore float64
	PriceAfter  float64
}

func PreviewTemplate(id string) (Preview, error) {
	tpl, ok := LookupTemplate(id)
	if !ok {
		return Preview{}, fmt.Errorf("%w: %s", ErrUnknownRule, id)
	}
	p := Preview{RateBefore: 0.0001, PriceBefore: 1.0}
	p.RateAfter = mixer.ApplyFunding(p.RateBefore, tpl.Ops.Funding)
	p.PriceAfter = mixer.ApplyPrice(p.PriceBefore, p.PriceBefore, true, tpl.Ops.Price, 0)
	return p, nil
}
