package mixer

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/yuguogang/mock-exchange/internal/config"
	"github.com/yuguogang/mock-exchange/internal/state"

	"gopkg.in/yaml.v3"
)

const (
	MetricFunding = "funding"
	MetricPrice   = "price"

	DefaultTimezone = "Asia/Shanghai"
	LocalLayout     = "2006-01-02 15:04"

	SegmentDefault = "default"
	passivePrefix  = "passive_"
)

// ErrInvalidOp reports an op whose type is unknown for its metric or whose
// parameters are inconsistent.
var ErrInvalidOp = errors.New("invalid mixer op")

// RuleSet is the on-disk scenario file. It is JSON in practice; yaml.v3 reads
// it unchanged and Save writes JSON back.
type RuleSet struct {
	Name      string         `json:"mix_name" yaml:"mix_name"`
	Timezone  string         `json:"timezone,omitempty" yaml:"timezone"`
	Alignment RuleAlignment  `json:"alignment" yaml:"alignment"`
	Legs      []RuleSetLeg   `json:"legs,omitempty" yaml:"legs"`
	Outputs   RuleSetOutputs `json:"outputs" yaml:"outputs"`
	Segments  []Rule         `json:"segments" yaml:"segments"`

	loc *time.Location
}

type RuleAlignment struct {
	TimeSource string `json:"time_source,omitempty" yaml:"time_source"`
}

type RuleSetLeg struct {
	Exchange string `json:"exchange" yaml:"exchange"`
	Symbol   string `json:"symbol" yaml:"symbol"`
}

type RuleSetOutputs struct {
	Dir string `json:"dir,omitempty" yaml:"dir"`
}

// Rule is one time-windowed scenario segment. The window is [StartTS, EndTS)
// in epoch milliseconds, resolved from the local strings when they are set.
type Rule struct {
	ID         string `json:"id" yaml:"id"`
	StartLocal string `json:"start_local,omitempty" yaml:"start_local"`
	EndLocal   string `json:"end_local,omitempty" yaml:"end_local"`
	StartTS    int64  `json:"start_ts,omitempty" yaml:"start_ts"`
	EndTS      int64  `json:"end_ts,omitempty" yaml:"end_ts"`
	Priority   int    `json:"priority" yaml:"priority"`
	Target     Target `json:"target" yaml:"target"`
	Ops        Ops    `json:"ops" yaml:"ops"`
	Notes      string `json:"notes,omitempty" yaml:"notes"`
}

type Target struct {
	Exchange string   `json:"exchange" yaml:"exchange"`
	Symbol   string   `json:"symbol" yaml:"symbol"`
	Metrics  []string `json:"metrics" yaml:"metrics"`
}

func (t Target) Matches(exchange, symbol, metric string) bool {
	if !strings.EqualFold(t.Exchange, exchange) || t.Symbol != symbol {
		return false
	}
	for _, m := range t.Metrics {
		if m == metric {
			return true
		}
	}
	return false
}

type Ops struct {
	Funding []Op `json:"funding" yaml:"funding"`
	Price   []Op `json:"price" yaml:"price"`
}

// Contains reports whether ts falls inside the rule window.
func (r Rule) Contains(ts int64) bool {
	return ts >= r.StartTS && ts < r.EndTS
}

func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read rule set %s: %v", config.ErrConfig, path, err)
	}
	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("%w: parse rule set %s: %v", config.ErrConfig, path, err)
	}
	if err := set.Resolve(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &set, nil
}

// Save writes the rule set as indented JSON, replacing path atomically.
func (s *RuleSet) Save(path string) error {
	return state.WriteJSONAtomic(path, s)
}

// Resolve validates the set, converts local window strings into epoch
// milliseconds and orders segments by priority, highest first. Equal
// priorities keep their file order.
func (s *RuleSet) Resolve() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: rule set mix_name is required", config.ErrConfig)
	}
	if s.Segments == nil {
		return fmt.Errorf("%w: rule set segments is required", config.ErrConfig)
	}
	if s.Timezone == "" {
		s.Timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return fmt.Errorf("%w: rule set timezone %q: %v", config.ErrConfig, s.Timezone, err)
	}
	s.loc = loc
	for i := range s.Segments {
		seg := &s.Segments[i]
		if seg.ID == "" {
			return fmt.Errorf("%w: segments[%d].id is required", config.ErrConfig, i)
		}
		if seg.StartLocal != "" {
			if seg.StartTS, err = s.ParseLocal(seg.StartLocal); err != nil {
				return fmt.Errorf("%w: segment %s start_local: %v", config.ErrConfig, seg.ID, err)
			}
		}
		if seg.EndLocal != "" {
			if seg.EndTS, err = s.ParseLocal(seg.EndLocal); err != nil {
				return fmt.Errorf("%w: segment %s end_local: %v", config.ErrConfig, seg.ID, err)
			}
		}
		if seg.EndTS < seg.StartTS {
			return fmt.Errorf("%w: segment %s ends before it starts", config.ErrConfig, seg.ID)
		}
		if err := ValidateOps(seg.Ops); err != nil {
			return fmt.Errorf("segment %s: %w", seg.ID, err)
		}
	}
	s.Sort()
	return nil
}

func (s *RuleSet) Sort() {
	sort.SliceStable(s.Segments, func(i, j int) bool {
		return s.Segments[i].Priority > s.Segments[j].Priority
	})
}

func (s *RuleSet) Location() *time.Location {
	if s.loc == nil {
		if loc, err := time.LoadLocation(s.Timezone); err == nil {
			s.loc = loc
		} else {
			s.loc = time.UTC
		}
	}
	return s.loc
}

// ParseLocal reads a "YYYY-MM-DD HH:mm" wall-clock string in the set's zone.
func (s *RuleSet) ParseLocal(v string) (int64, error) {
	t, err := time.ParseInLocation(LocalLayout, strings.TrimSpace(v), s.Location())
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

func (s *RuleSet) FormatLocal(t time.Time) string {
	return t.In(s.Location()).Format(LocalLayout)
}

// Find returns the highest-priority rule whose window contains ts and whose
// target names (exchange, symbol, metric). Segments must be sorted.
func (s *RuleSet) Find(ts int64, exchange, symbol, metric string) *Rule {
	for i := range s.Segments {
		seg := &s.Segments[i]
		if seg.Contains(ts) && seg.Target.Matches(exchange, symbol, metric) {
			return seg
		}
	}
	return nil
}

// ActiveAt returns the highest-priority rule whose window contains ts,
// regardless of target.
func (s *RuleSet) ActiveAt(ts int64) *Rule {
	for i := range s.Segments {
		if s.Segments[i].Contains(ts) {
			return &s.Segments[i]
		}
	}
	return nil
}

func (s *RuleSet) Segment(id string) (*Rule, bool) {
	for i := range s.Segments {
		if s.Segments[i].ID == id {
			return &s.Segments[i], true
		}
	}
	return nil, false
}

// Upsert replaces the segment with the same id or appends it, then re-sorts.
func (s *RuleSet) Upsert(rule Rule) {
	if seg, ok := s.Segment(rule.ID); ok {
		*seg = rule
	} else {
		s.Segments = append(s.Segments, rule)
	}
	s.Sort()
}

// Clone returns a deep copy that can be mixed against while the original is
// being edited.
func (s *RuleSet) Clone() *RuleSet {
	out := *s
	out.Legs = append([]RuleSetLeg(nil), s.Legs...)
	out.Segments = make([]Rule, len(s.Segments))
	for i, seg := range s.Segments {
		seg.Target.Metrics = append([]string(nil), seg.Target.Metrics...)
		seg.Ops = Ops{
			Funding: append([]Op(nil), seg.Ops.Funding...),
			Price:   append([]Op(nil), seg.Ops.Price...),
		}
		out.Segments[i] = seg
	}
	return &out
}

// segmentTag is the _segment value for a point no rule targeted.
func (s *RuleSet) segmentTag(ts int64) string {
	if active := s.ActiveAt(ts); active != nil {
		return passivePrefix + active.ID
	}
	return SegmentDefault
}
