package mixer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuguogang/mock-exchange/internal/series"

	"go.uber.org/zap"
)

const (
	AuditFile = "audit_report.md"
	isoLayout = "2006-01-02T15:04:05.000Z07:00"
)

type Leg struct {
	Exchange string
	Symbol   string
}

func (l Leg) String() string {
	return l.Exchange + "_" + l.Symbol
}

type LegReport struct {
	Leg            Leg
	Prices         int
	Funding        int
	PricesChanged  int
	FundingChanged int
	Skipped        []string
}

type Report struct {
	Name      string
	Legs      []LegReport
	AuditPath string
}

// Mixer applies a resolved rule set to raw series.
type Mixer struct {
	set *RuleSet
	log *zap.Logger
	now func() time.Time
}

func New(set *RuleSet, log *zap.Logger) *Mixer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mixer{set: set, log: log, now: time.Now}
}

func (m *Mixer) RuleSet() *RuleSet {
	return m.set
}

// MixFunding returns a copy of points with the op chain of the winning rule
// applied per point, and the number of points whose rate changed.
func (m *Mixer) MixFunding(points []series.FundingPoint, leg Leg) ([]series.FundingPoint, int) {
	out := make([]series.FundingPoint, len(points))
	changed := 0
	for i, p := range points {
		orig := p.Rate
		mixed := p
		mixed.OriginalRate = &orig
		if seg := m.set.Find(p.TS, leg.Exchange, leg.Symbol, MetricFunding); seg != nil {
			mixed.Rate = ApplyFunding(p.Rate, seg.Ops.Funding)
			mixed.Segment = seg.ID
			mixed.MixedAt = isoTime(p.TS)
		} else {
			mixed.Segment = m.set.segmentTag(p.TS)
		}
		if mixed.Rate != orig {
			changed++
		}
		out[i] = mixed
	}
	return out, changed
}

// MixPrices is MixFunding for prices. ref holds the reference leg's raw
// prices by exact timestamp; a point with no entry uses its own price.
func (m *Mixer) MixPrices(points []series.PricePoint, leg Leg, ref map[int64]float64) ([]series.PricePoint, int) {
	out := make([]series.PricePoint, len(points))
	changed := 0
	for i, p := range points {
		orig := p.Price
		mixed := p
		mixed.OriginalPrice = &orig
		if seg := m.set.Find(p.TS, leg.Exchange, leg.Symbol, MetricPrice); seg != nil {
			base, ok := ref[p.TS]
			if !ok {
				base = orig
			}
			mixed.Price = ApplyPrice(orig, base, true, seg.Ops.Price, p.TS)
			mixed.Segment = seg.ID
			mixed.MixedAt = isoTime(p.TS)
		} else {
			mixed.Segment = m.set.segmentTag(p.TS)
		}
		if mixed.Price != orig {
			changed++
		}
		out[i] = mixed
	}
	return out, changed
}

// Run mixes every leg from raw into out and writes the audit report. A leg
// file that is missing or empty is skipped with a warning.
func (m *Mixer) Run(raw, out *series.Store, legs []Leg, reference Leg) (Report, error) {
	report := Report{Name: m.set.Name}
	ref := make(map[int64]float64)
	if prices, err := raw.LoadPrices(reference.Exchange, reference.Symbol); err == nil {
		for _, p := range prices {
			ref[p.TS] = p.Price
		}
	} else if errors.Is(err, series.ErrDataGap) {
		m.log.Warn("reference series unavailable, mixing against own prices", zap.String("leg", reference.String()), zap.Error(err))
	} else {
		return report, err
	}

	for _, leg := range legs {
		lr := LegReport{Leg: leg}
		funding, err := raw.LoadFunding(leg.Exchange, leg.Symbol)
		switch {
		case err == nil:
			mixed, changed := m.MixFunding(funding, leg)
			if err := out.SaveFunding(leg.Exchange, leg.Symbol, mixed); err != nil {
				return report, fmt.Errorf("save mixed funding %s: %w", leg, err)
			}
			lr.Funding, lr.FundingChanged = len(mixed), changed
		case errors.Is(err, series.ErrDataGap):
			m.log.Warn("skipping funding series", zap.String("path", raw.FundingPath(leg.Exchange, leg.Symbol)), zap.Error(err))
			lr.Skipped = append(lr.Skipped, series.FundingFile(leg.Exchange, leg.Symbol))
		default:
			return report, err
		}

		prices, err := raw.LoadPrices(leg.Exchange, leg.Symbol)
		switch {
		case err == nil:
			mixed, changed := m.MixPrices(prices, leg, ref)
			if err := out.SavePrices(leg.Exchange, leg.Symbol, mixed); err != nil {
				return report, fmt.Errorf("save mixed prices %s: %w", leg, err)
			}
			lr.Prices, lr.PricesChanged = len(mixed), changed
		case errors.Is(err, series.ErrDataGap):
			m.log.Warn("skipping price series", zap.String("path", raw.PricePath(leg.Exchange, leg.Symbol)), zap.Error(err))
			lr.Skipped = append(lr.Skipped, series.PriceFile(leg.Exchange, leg.Symbol))
		default:
			return report, err
		}

		m.log.Debug("mixed leg",
			zap.String("leg", leg.String()),
			zap.Int("prices", lr.Prices),
			zap.Int("prices_changed", lr.PricesChanged),
			zap.Int("funding", lr.Funding),
			zap.Int("funding_changed", lr.FundingChanged),
		)
		report.Legs = append(report.Legs, lr)
	}

	report.AuditPath = filepath.Join(out.Dir, AuditFile)
	if err := os.MkdirAll(out.Dir, 0o755); err != nil {
		return report, err
	}
	if err := os.WriteFile(report.AuditPath, []byte(m.audit()), 0o644); err != nil {
		return report, fmt.Errorf("write audit report: %w", err)
	}
	return report, nil
}

func (m *Mixer) audit() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Audit Report: %s\n\nGenerated at: %s\n\n## Segments\n", m.set.Name, m.now().UTC().Format(isoLayout))
	for _, seg := range m.set.Segments {
		start, end := seg.StartLocal, seg.EndLocal
		if start == "" {
			start = m.set.FormatLocal(time.UnixMilli(seg.StartTS))
		}
		if end == "" {
			end = m.set.FormatLocal(time.UnixMilli(seg.EndTS))
		}
		ops, _ := json.Marshal(seg.Ops)
		fmt.Fprintf(&b, "- **%s**: %s to %s (Priority: %d)\n", seg.ID, start, end, seg.Priority)
		fmt.Fprintf(&b, "  - Target: %s %s\n", seg.Target.Exchange, seg.Target.Symbol)
		fmt.Fprintf(&b, "  - Ops: %s\n", ops)
	}
	return b.String()
}

func isoTime(ts int64) string {
	return time.UnixMilli(ts).UTC().Format(isoLayout)
}
