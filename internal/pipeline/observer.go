package pipeline

import (
	"time"

	"aimint/internal/inference"
)

// Observer receives progress of a run as it happens. Calls are made
// synchronously from the goroutine executing the run.
type Observer interface {
	// OnState is called on every transition, including the terminal one.
	OnState(runID string, state State)
	// OnImage is called as soon as generation succeeds, before publishing.
	OnImage(runID string, image inference.Image)
	// OnStage is called when a stage finishes; err is nil on success.
	OnStage(runID string, stage State, elapsed time.Duration, err error)
}

// NopObserver ignores everything. Embed it to implement part of Observer.
type NopObserver struct{}

func (NopObserver) OnState(string, State)                       {}
func (NopObserver) OnImage(string, inference.Image)             {}
func (NopObserver) OnStage(string, State, time.Duration, error) {}

type multiObserver []Observer

func (m multiObserver) OnState(runID string, state State) {
	for _, o := range m {
		o.OnState(runID, state)
	}
}

func (m multiObserver) OnImage(runID string, image inference.Image) {
	for _, o := range m {
		o.OnImage(runID, image)
	}
}

func (m multiObserver) OnStage(runID string, stage State, elapsed time.Duration, err error) {
	for _, o := range m {
		o.OnStage(runID, stage, elapsed, err)
	}
}
