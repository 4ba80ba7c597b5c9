package capture

import (
	"github.com/cochaviz/manualcapture/internal/manualmode"
	"github.com/cochaviz/manualcapture/internal/phase"
)

// Action is what the session does with one poll response.
type Action int

const (
	ActionPassThrough Action = iota
	ActionConnect
	ActionAwaitUser
	ActionFinish
	ActionCancelled
)

func (a Action) String() string {
	switch a {
	case ActionConnect:
		return "connect"
	case ActionAwaitUser:
		return "await_user"
	case ActionFinish:
		return "finish"
	case ActionCancelled:
		return "cancelled"
	default:
		return "pass_through"
	}
}

// Rules carries the per-backend differences in how a response is read.
type Rules struct {
	// CompletionPhases end the session once any of them shows up in the
	// phase history, even if the current phase is not finished.
	CompletionPhases []phase.Phase
}

// RulesFor returns the rules matching an API flavor.
func RulesFor(flavor manualmode.Flavor) Rules {
	if flavor == manualmode.FlavorAppFactory {
		return Rules{CompletionPhases: []phase.Phase{phase.InstallationDone, phase.RefreshingProjectDone}}
	}
	return Rules{}
}

// Decision is the outcome of evaluating one response.
type Decision struct {
	Action Action
	// Phase is the current phase of the response.
	Phase phase.Phase
	// Lease is set for ActionConnect.
	Lease *manualmode.Lease
	// Stop means polling ends after this response.
	Stop bool
}

// Evaluate applies the transition rules to a poll response. It never
// computes a next phase; it only reacts to what the server reported.
func Evaluate(status manualmode.RedeemStatus, leaseHeld bool, rules Rules) Decision {
	current := status.CurrentState()

	if !leaseHeld && status.Lease != nil && status.Has(phase.VMAcquired) {
		lease := *status.Lease
		return Decision{Action: ActionConnect, Phase: current, Lease: &lease}
	}
	if current.UserGated() {
		return Decision{Action: ActionAwaitUser, Phase: current}
	}

	switch current.Kind() {
	case phase.KindFinished:
		return Decision{Action: ActionFinish, Phase: current, Stop: true}
	case phase.KindCancelled:
		return Decision{Action: ActionCancelled, Phase: current, Stop: true}
	}

	for _, done := range rules.CompletionPhases {
		if status.Has(done) {
			return Decision{Action: ActionFinish, Phase: current, Stop: true}
		}
	}
	return Decision{Action: ActionPassThrough, Phase: current}
}
