package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	RoleLegA = "legA"
	RoleLegB = "legB"

	defaultOpenThresholdPct  = 0.005
	defaultCloseThresholdPct = 0.001
	defaultFundingInterval   = 8.0
	defaultCooldownMS        = 60_000
)

// HedgeConfig describes the two legs of a hedge and how their series are
// aligned. Files written for the original tooling are JSON, which yaml.v3
// reads unchanged.
type HedgeConfig struct {
	Name      string          `yaml:"hedge_name"`
	Legs      []LegConfig     `yaml:"legs"`
	Alignment AlignmentConfig `yaml:"alignment"`
	Signal    SignalConfig    `yaml:"signal"`
	Outputs   OutputsConfig   `yaml:"outputs"`
}

type LegConfig struct {
	Role            string          `yaml:"role"`
	Exchange        string          `yaml:"exchange"`
	Symbol          string          `yaml:"symbol"`
	ContractProfile ContractProfile `yaml:"contract_profile"`
	Funding         FundingTimeline `yaml:"funding_timeline"`
}

type ContractProfile struct {
	ContractSize float64 `yaml:"contract_size"`
}

// FundingTimeline is the settlement calendar of a leg: boundaries fall on
// StartTime + k*IntervalHours.
type FundingTimeline struct {
	IntervalHours float64 `yaml:"interval_hours"`
	StartTime     int64   `yaml:"start_time"`
}

func (f FundingTimeline) IntervalMS() int64 {
	hours := f.IntervalHours
	if hours <= 0 {
		hours = defaultFundingInterval
	}
	return int64(hours * 3600 * 1000)
}

type AlignmentConfig struct {
	TimeSource  string `yaml:"time_source"`
	ToleranceMS int64  `yaml:"tolerance_ms"`
}

type SignalConfig struct {
	Thresholds SpreadThresholds `yaml:"spread_pct_thresholds"`
	CooldownMS int64            `yaml:"cooldown_ms"`
}

type SpreadThresholds struct {
	Open  float64 `yaml:"open"`
	Close float64 `yaml:"close"`
}

type OutputsConfig struct {
	History string `yaml:"history"`
	Signals string `yaml:"signals"`
}

type StrategyConfig struct {
	Spread  SpreadParams  `yaml:"spread"`
	Funding FundingParams `yaml:"funding"`
}

type SpreadParams struct {
	OpenThresholdPct  float64 `yaml:"open_threshold_pct"`
	CloseThresholdPct float64 `yaml:"close_threshold_pct"`
	CooldownMS        int64   `yaml:"cooldown_ms"`
}

type FundingParams struct {
	OpenThresholdAnnualizedPct  float64            `yaml:"open_threshold_annualized_pct"`
	CloseThresholdAnnualizedPct float64            `yaml:"close_threshold_annualized_pct"`
	PositionSizeUSDT            float64            `yaml:"position_size_usdt"`
	ApproxPrice                 float64            `yaml:"approx_price"`
	ContractSizeOverride        map[string]float64 `yaml:"contract_size_override"`
}

func (h *HedgeConfig) Leg(role string) (LegConfig, bool) {
	for _, leg := range h.Legs {
		if leg.Role == role {
			return leg, true
		}
	}
	return LegConfig{}, false
}

func (h *HedgeConfig) LegA() LegConfig {
	leg, _ := h.Leg(RoleLegA)
	return leg
}

func (h *HedgeConfig) LegB() LegConfig {
	leg, _ := h.Leg(RoleLegB)
	return leg
}

// BaseAsset is the asset shared by both legs, used to name the signal files
// (TRXUSDT and TRX-USDT-SWAP both yield TRX).
func (h *HedgeConfig) BaseAsset() string {
	if len(h.Legs) == 0 {
		return "PAIR"
	}
	return BaseAsset(h.Legs[0].Symbol)
}

func BaseAsset(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if head, _, ok := strings.Cut(s, "-"); ok {
		return head
	}
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return strings.TrimSuffix(s, quote)
		}
	}
	return s
}

// SpreadThresholds resolves the scheduler thresholds: strategy overrides win
// over the hedge's own signal block.
func (c *Config) SpreadThresholds() SpreadThresholds {
	out := c.Hedge.Signal.Thresholds
	if c.Strategy.Spread.OpenThresholdPct > 0 {
		out.Open = c.Strategy.Spread.OpenThresholdPct
	}
	if c.Strategy.Spread.CloseThresholdPct > 0 {
		out.Close = c.Strategy.Spread.CloseThresholdPct
	}
	return out
}

// SpreadCooldownMS is the minimum gap between a CLOSE and the next OPEN.
func (c *Config) SpreadCooldownMS() int64 {
	if c.Strategy.Spread.CooldownMS > 0 {
		return c.Strategy.Spread.CooldownMS
	}
	return c.Hedge.Signal.CooldownMS
}

// ContractSize returns the contract size of a leg, honoring the strategy
// override keyed by role.
func (c *Config) ContractSize(leg LegConfig) float64 {
	if v, ok := c.Strategy.Funding.ContractSizeOverride[leg.Role]; ok && v > 0 {
		return v
	}
	if leg.ContractProfile.ContractSize > 0 {
		return leg.ContractProfile.ContractSize
	}
	return 1
}

func LoadHedge(path string) (*HedgeConfig, error) {
	var hedge HedgeConfig
	if err := readYAML(path, &hedge); err != nil {
		return nil, err
	}
	if hedge.Outputs == (OutputsConfig{}) {
		return nil, configErr("outputs", fmt.Sprintf("is required in %s", path))
	}
	applyHedgeDefaults(&hedge)
	if err := validateHedge(&hedge); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &hedge, nil
}

func LoadStrategy(path string) (*StrategyConfig, error) {
	var strategy StrategyConfig
	if err := readYAML(path, &strategy); err != nil {
		return nil, err
	}
	applyStrategyDefaults(&strategy)
	if err := validateStrategy(&strategy); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &strategy, nil
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}
	return nil
}

func applyHedgeDefaults(h *HedgeConfig) {
	if h.Alignment.TimeSource == "" {
		h.Alignment.TimeSource = RoleLegA
	}
	if h.Alignment.ToleranceMS == 0 {
		h.Alignment.ToleranceMS = 30_000
	}
	if h.Signal.Thresholds.Open == 0 {
		h.Signal.Thresholds.Open = defaultOpenThresholdPct
	}
	if h.Signal.Thresholds.Close == 0 {
		h.Signal.Thresholds.Close = defaultCloseThresholdPct
	}
	if h.Signal.CooldownMS == 0 {
		h.Signal.CooldownMS = defaultCooldownMS
	}
	for i := range h.Legs {
		h.Legs[i].Exchange = strings.ToLower(strings.TrimSpace(h.Legs[i].Exchange))
		if h.Legs[i].Funding.IntervalHours == 0 {
			h.Legs[i].Funding.IntervalHours = defaultFundingInterval
		}
	}
}

func applyStrategyDefaults(s *StrategyConfig) {
	if s.Funding.PositionSizeUSDT == 0 {
		s.Funding.PositionSizeUSDT = 10000
	}
	if s.Funding.ApproxPrice == 0 {
		s.Funding.ApproxPrice = 0.3
	}
}

func validateHedge(h *HedgeConfig) error {
	if strings.TrimSpace(h.Name) == "" {
		return configErr("hedge.hedge_name", "is required")
	}
	if len(h.Legs) == 0 {
		return configErr("hedge.legs", "must be a non-empty list")
	}
	for i, leg := range h.Legs {
		if leg.Exchange == "" {
			return configErr(fmt.Sprintf("hedge.legs[%d].exchange", i), "is required")
		}
		if leg.Symbol == "" {
			return configErr(fmt.Sprintf("hedge.legs[%d].symbol", i), "is required")
		}
		if leg.Role == "" {
			return configErr(fmt.Sprintf("hedge.legs[%d].role", i), "is required")
		}
		if leg.ContractProfile.ContractSize < 0 {
			return configErr(fmt.Sprintf("hedge.legs[%d].contract_profile.contract_size", i), "must be >= 0")
		}
	}
	if _, ok := h.Leg(RoleLegA); !ok {
		return configErr("hedge.legs", "missing role legA")
	}
	if _, ok := h.Leg(RoleLegB); !ok {
		return configErr("hedge.legs", "missing role legB")
	}
	if h.Alignment.TimeSource != RoleLegA && h.Alignment.TimeSource != RoleLegB {
		return configErr("hedge.alignment.time_source", "must be legA or legB")
	}
	if h.Signal.CooldownMS < 0 {
		return configErr("hedge.signal.cooldown_ms", "must be >= 0")
	}
	if h.Alignment.ToleranceMS < 0 {
		return configErr("hedge.alignment.tolerance_ms", "must be >= 0")
	}
	if h.Signal.Thresholds.Close >= h.Signal.Thresholds.Open {
		return configErr("hedge.signal.spread_pct_thresholds", "close must be below open")
	}
	return nil
}

func validateStrategy(s *StrategyConfig) error {
	if s.Spread.OpenThresholdPct < 0 || s.Spread.CloseThresholdPct < 0 {
		return configErr("strategy.spread", "thresholds must be >= 0")
	}
	if s.Spread.OpenThresholdPct > 0 && s.Spread.CloseThresholdPct >= s.Spread.OpenThresholdPct {
		return configErr("strategy.spread.close_threshold_pct", "must be below open_threshold_pct")
	}
	f := s.Funding
	if f.OpenThresholdAnnualizedPct <= 0 {
		return configErr("strategy.funding.open_threshold_annualized_pct", "must be > 0")
	}
	if f.CloseThresholdAnnualizedPct < 0 || f.CloseThresholdAnnualizedPct >= f.OpenThresholdAnnualizedPct {
		return configErr("strategy.funding.close_threshold_annualized_pct", "must be in [0, open)")
	}
	if f.PositionSizeUSDT <= 0 {
		return configErr("strategy.funding.position_size_usdt", "must be > 0")
	}
	if f.ApproxPrice <= 0 {
		return configErr("strategy.funding.approx_price", "must be > 0")
	}
	for role, v := range f.ContractSizeOverride {
		if role != RoleLegA && role != RoleLegB {
			return configErr("strategy.funding.contract_size_override", "keys must be legA or legB")
		}
		if v <= 0 {
			return configErr("strategy.funding.contract_size_override."+role, "must be > 0")
		}
	}
	return nil
}
