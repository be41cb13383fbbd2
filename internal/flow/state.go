// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

// State is a flow's detection lifecycle stage.
type State uint8

const (
	StateNew State = iota
	StateMonitoring
	StateSuspect
	StateConfirmedAttack
	StateMitigated
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateMonitoring:
		return "monitoring"
	case StateSuspect:
		return "suspect"
	case StateConfirmedAttack:
		return "confirmed_attack"
	case StateMitigated:
		return "mitigated"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Event drives state transitions. Classification events come from the
// scorer; mitigation from an operator; expiry from removal.
type Event uint8

const (
	EventBenign Event = iota
	EventSuspect
	EventAttack
	EventMitigated
	EventExpired
)

func (e Event) String() string {
	switch e {
	case EventBenign:
		return "benign"
	case EventSuspect:
		return "suspect"
	case EventAttack:
		return "attack"
	case EventMitigated:
		return "mitigated"
	case EventExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Next returns the state after ev. Confirmed attacks stay confirmed until
// mitigated or expired; expired is terminal.
func (s State) Next(ev Event) State {
	if s == StateExpired {
		return s
	}
	if ev == EventExpired {
		return StateExpired
	}

	switch s {
	case StateConfirmedAttack:
		if ev == EventMitigated {
			return StateMitigated
		}
		return s
	case StateMitigated:
		return s
	}

	switch ev {
	case EventBenign:
		return StateMonitoring
	case EventSuspect:
		return StateSuspect
	case EventAttack:
		return StateConfirmedAttack
	}
	return s
}
