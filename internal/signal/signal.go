package signal

import (
	"encoding/json"
	"fmt"
	"time"
)

type Strategy string

const (
	StrategyHedge   Strategy = "HEDGE"
	StrategyFunding Strategy = "FUNDING"
)

type Type string

const (
	TypeOpen   Type = "OPEN"
	TypeClose  Type = "CLOSE"
	TypeSettle Type = "SETTLE"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Reverse() Side {
	if s == SideSell {
		return SideBuy
	}
	return SideSell
}

const (
	VeracityReal = "REAL"
	VeracityFake = "FAKE"

	StatusPaper = "paper"
)

type Leg struct {
	Exchange string  `json:"exchange"`
	Price    float64 `json:"price"`
}

type Metrics struct {
	SpreadPct float64 `json:"spreadPct"`
}

// Signal is one immutable history record. LegASide and LegBSide always hold
// the entry sides of the session, on CLOSE too.
type Signal struct {
	Strategy            Strategy `json:"strategy"`
	ID                  string   `json:"id,omitempty"`
	TS                  int64    `json:"ts"`
	TimeStr             string   `json:"timeStr,omitempty"`
	Type                Type     `json:"type"`
	SessionID           string   `json:"sessionId"`
	Action              string   `json:"action,omitempty"`
	LegASide            Side     `json:"legASide,omitempty"`
	LegBSide            Side     `json:"legBSide,omitempty"`
	Legs                []Leg    `json:"legs,omitempty"`
	Metrics             *Metrics `json:"metrics,omitempty"`
	SpreadAnnualizedPct *float64 `json:"spreadAnnualizedPct,omitempty"`
	PnL                 *float64 `json:"pnl,omitempty"`
	Income              *float64 `json:"income,omitempty"`
	Status              string   `json:"status,omitempty"`
	Veracity            string   `json:"veracity,omitempty"`
}

// UnmarshalJSON also accepts the "timestamp" key used by older funding
// history files.
func (s *Signal) UnmarshalJSON(data []byte) error {
	type alias Signal
	aux := struct {
		*alias
		Timestamp int64 `json:"timestamp"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if s.TS == 0 {
		s.TS = aux.Timestamp
	}
	return nil
}

// Key identifies a record for dedupe: the id when present, otherwise
// ts_type_sessionId.
func (s Signal) Key() string {
	if s.ID != "" {
		return s.ID
	}
	return fmt.Sprintf("%d_%s_%s", s.TS, s.Type, s.SessionID)
}

func (s Signal) Time() time.Time {
	return time.UnixMilli(s.TS).UTC()
}

func Float(v float64) *float64 {
	return &v
}

// ISOTime formats ts the way history files carry timeStr.
func ISOTime(ts int64) string {
	return time.UnixMilli(ts).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// MinuteTime is the shorter "YYYY-MM-DD HH:mm" UTC form.
func MinuteTime(ts int64) string {
	return time.UnixMilli(ts).UTC().Format("2006-01-02 15:04")
}
