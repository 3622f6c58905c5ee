package rules

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/yuguogang/mock-exchange/internal/mixer"
	"github.com/yuguogang/mock-exchange/internal/state"

	"go.uber.org/zap"
)

// ErrUnknownRule is returned by Switch for an id with no template. The rule
// set is left untouched.
var ErrUnknownRule = errors.New("unknown rule")

// HistoryEntry records one change of the current rule.
type HistoryEntry struct {
	Timestamp string    `json:"timestamp"`
	SegmentID string    `json:"segmentId"`
	Rules     mixer.Ops `json:"rules"`
}

// Controller owns a rule-set file: it answers which rule is active at a
// given time and rewrites the file when rules are created or switched.
type Controller struct {
	mu      sync.Mutex
	path    string
	set     *mixer.RuleSet
	target  mixer.Target
	current *mixer.Rule
	history []HistoryEntry
	log     *zap.Logger
	now     func() time.Time
}

// DefaultTarget is the leg switched rules perturb when no hedge leg is given.
func DefaultTarget() mixer.Target {
	return mixer.Target{
		Exchange: "okx",
		Symbol:   "TRX-USDT-SWAP",
		Metrics:  []string{mixer.MetricFunding, mixer.MetricPrice},
	}
}

func NewController(path string, log *zap.Logger) (*Controller, error) {
	if log == nil {
		log = zap.NewNop()
	}
	set, err := mixer.LoadRuleSet(path)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		path:   path,
		set:    set,
		target: DefaultTarget(),
		log:    log,
		now:    time.Now,
	}
	var history []HistoryEntry
	if _, err := state.ReadJSON(c.HistoryPath(), &history); err != nil {
		log.Warn("rule history unreadable, starting empty", zap.String("path", c.HistoryPath()), zap.Error(err))
	}
	c.history = history
	return c, nil
}

// SetTarget changes the leg that Switch and Create aim new rules at.
func (c *Controller) SetTarget(target mixer.Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = target
}

func (c *Controller) Path() string {
	return c.path
}

// HistoryPath is the rule-set path with _history appended to its stem.
func (c *Controller) HistoryPath() string {
	ext := filepath.Ext(c.path)
	return strings.TrimSuffix(c.path, ext) + "_history.json"
}

// Reload re-reads the rule-set file, picking up edits made by other tools.
func (c *Controller) Reload() error {
	set, err := mixer.LoadRuleSet(c.path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.set = set
	c.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the rule set for one mix pass.
func (c *Controller) Snapshot() *mixer.RuleSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set.Clone()
}

// ActiveRuleAt returns the highest-priority rule whose closed window
// [start, end] contains ts, or nil.
func (c *Controller) ActiveRuleAt(ts int64) *mixer.Rule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeAt(ts)
}

func (c *Controller) activeAt(ts int64) *mixer.Rule {
	for i := range c.set.Segments {
		seg := c.set.Segments[i]
		if ts >= seg.StartTS && ts <= seg.EndTS {
			return &seg
		}
	}
	return nil
}

// Refresh resolves the rule active at wall-clock now. A change of rule id is
// appended to the history; changed reports whether that happened.
func (c *Controller) Refresh() (rule *mixer.Rule, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	active := c.activeAt(now.UnixMilli())
	if active == nil {
		return nil, false
	}
	if c.current == nil || c.current.ID != active.ID {
		c.current = active
		c.history = append(c.history, HistoryEntry{
			Timestamp: now.UTC().Format(time.RFC3339Nano),
			SegmentID: active.ID,
			Rules:     active.Ops,
		})
		c.log.Info("rule activated", zap.String("rule", active.ID), zap.String("notes", active.Notes))
		return active, true
	}
	return c.current, false
}

func (c *Controller) Current() *mixer.Rule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) History() []HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]HistoryEntry(nil), c.history...)
}

func (c *Controller) SaveHistory() error {
	c.mu.Lock()
	history := append([]HistoryEntry{}, c.history...)
	c.mu.Unlock()
	return state.WriteJSONAtomic(c.HistoryPath(), history)
}

// Switch re-creates rule id from its template with a window of
// [now-1m, now+duration] and SwitchPriority, then persists the rule set.
func (c *Controller) Switch(id string, duration time.Duration) (*mixer.Rule, error) {
	tpl, ok := LookupTemplate(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRule, id)
	}
	if duration <= 0 {
		duration = time.Hour
	}
	now := c.now()
	rule, err := c.Create(id, now.Add(-time.Minute), now.Add(duration), tpl.Ops, SwitchPriority, tpl.Description)
	if err != nil {
		return nil, err
	}
	c.Refresh()
	return rule, nil
}

// Create upserts a segment by id, aimed at the controller target, re-sorts
// the set by priority and writes it back.
func (c *Controller) Create(id string, start, end time.Time, ops mixer.Ops, priority int, notes string) (*mixer.Rule, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: empty id", ErrUnknownRule)
	}
	if err := ValidateOps(ops); err != nil {
		return nil, err
	}
	if !end.After(start) {
		return nil, fmt.Errorf("rule %s: end must be after start", id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.set.Clone()
	rule := mixer.Rule{
		ID:         id,
		StartLocal: next.FormatLocal(start),
		EndLocal:   next.FormatLocal(end),
		Priority:   priority,
		Target:     cloneTarget(c.target),
		Ops:        cloneOps(ops),
		Notes:      notes,
	}
	var err error
	if rule.StartTS, err = next.ParseLocal(rule.StartLocal); err != nil {
		return nil, err
	}
	if rule.EndTS, err = next.ParseLocal(rule.EndLocal); err != nil {
		return nil, err
	}
	next.Upsert(rule)
	if err := next.Save(c.path); err != nil {
		return nil, fmt.Errorf("save rule set %s: %w", c.path, err)
	}
	c.set = next
	c.log.Info("rule written",
		zap.String("rule", id),
		zap.String("start", rule.StartLocal),
		zap.String("end", rule.EndLocal),
		zap.Int("priority", priority),
	)
	return &rule, nil
}

// ValidateOps accepts only the ops the controller lets operators write:
// scale, offset and clamp on funding; target_spread_pct and noise on price.
func ValidateOps(ops mixer.Ops) error {
	for i, op := range ops.Funding {
		switch op.Type {
		case mixer.OpScale, mixer.OpOffset, mixer.OpClamp:
		default:
			return fmt.Errorf("%w: funding[%d] type %q", mixer.ErrInvalidOp, i, op.Type)
		}
	}
	for i, op := range ops.Price {
		switch op.Type {
		case mixer.OpTargetSpreadPct, mixer.OpNoise:
		default:
			return fmt.Errorf("%w: price[%d] type %q", mixer.ErrInvalidOp, i, op.Type)
		}
	}
	return mixer.ValidateOps(ops)
}

func cloneTarget(t mixer.Target) mixer.Target {
	t.Metrics = append([]string(nil), t.Metrics...)
	return t
}
