package metrics

type Counter interface {
	Inc()
	Add(float64)
}

type Metrics struct {
	Cycles          Counter
	CycleFailures   Counter
	SignalsOpened   Counter
	SignalsClosed   Counter
	OrdersInjected  Counter
	IncomeInjected  Counter
	SinkFailures    Counter
	AlignmentMisses Counter
	RuleSwitches    Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func (noopCounter) Add(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		Cycles:          n,
		CycleFailures:   n,
		SignalsOpened:   n,
		SignalsClosed:   n,
		OrdersInjected:  n,
		IncomeInjected:  n,
		SinkFailures:    n,
		AlignmentMisses: n,
		RuleSwitches:    n,
	}
}
