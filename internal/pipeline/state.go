package pipeline

// State is a step of a pipeline run. Runs only move forward through
// Idle, Validating, Generating, Publishing, Minting and end in Confirmed or
// Failed.
type State string

const (
	Idle       State = "Idle"
	Validating State = "Validating"
	Generating State = "Generating"
	Publishing State = "Publishing"
	Minting    State = "Minting"
	Confirmed  State = "Confirmed"
	Failed     State = "Failed"
)

func (s State) Terminal() bool {
	return s == Confirmed || s == Failed
}

var order = map[State]int{
	Idle:       0,
	Validating: 1,
	Generating: 2,
	Publishing: 3,
	Minting:    4,
	Confirmed:  5,
	Failed:     5,
}

// canAdvance reports whether a run in from may move to to.
func canAdvance(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed {
		return from != Idle
	}
	return order[to] == order[from]+1
}
