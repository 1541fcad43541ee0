package domain

// SignalSource identifies which path delivered a status observation.
type SignalSource string

const (
	SourceConfirm  SignalSource = "confirm"
	SourceCallback SignalSource = "callback"
	SourcePoll     SignalSource = "poll"
	SourceManual   SignalSource = "manual"
	SourceAdmin    SignalSource = "admin"
	SourceExpiry   SignalSource = "expiry"
)

// IsTerminal reports whether the status can never go back to pending.
func (s DonationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRefunded
}

func (s DonationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// transitions lists every edge of the donation lifecycle. Anything not listed
// is a no-op for provider signals and an error for administrative actions.
var transitions = map[DonationStatus]map[DonationStatus]bool{
	StatusPending: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusCompleted: {
		StatusRefunded: true,
	},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to DonationStatus) bool {
	return transitions[from][to]
}

// TerminalSignal is one observation asserting a final outcome for a
// provider reference, from whichever source.
type TerminalSignal struct {
	Reference  string
	Status     DonationStatus
	Metadata   map[string]interface{}
	DonorEmail string
	Source     SignalSource
}

// Observation is what a provider adapter learned about a payment. Status is
// StatusPending when the provider has not reached a final answer yet.
type Observation struct {
	Reference  string
	Status     DonationStatus
	Metadata   map[string]interface{}
	DonorEmail string
	ResultCode string
	ResultDesc string
}

// Terminal reports whether the observation carries a final outcome.
func (o *Observation) Terminal() bool {
	return o != nil && (o.Status == StatusCompleted || o.Status == StatusFailed)
}

// Signal converts a terminal observation into a signal for the engine.
func (o *Observation) Signal(source SignalSource) TerminalSignal {
	return TerminalSignal{
		Reference:  o.Reference,
		Status:     o.Status,
		Metadata:   o.Metadata,
		DonorEmail: o.DonorEmail,
		Source:     source,
	}
}
