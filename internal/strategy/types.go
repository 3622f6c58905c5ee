package strategy

type State string

type Event string

const (
	StateIdle    State = "IDLE"
	StateHolding State = "HOLDING"
)

const (
	EventOpen  Event = "OPEN"
	EventClose Event = "CLOSE"
)

// Leg names one side of the pair as the engines see it.
type Leg struct {
	Exchange     string
	Symbol       string
	ContractSize float64
}
