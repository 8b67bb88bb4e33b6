// Package orchestrator provides the two building blocks every feature slice
// shares: the approve-then-act step pipeline and the keyed fetch runner.
package orchestrator

import (
	"errors"

	"github.com/lending-experiment/lendstate/internal/protocol"
	"github.com/lending-experiment/lendstate/internal/store"
)

var (
	// ErrMissingProvider is returned when a mutating step is invoked without
	// a connected wallet. The step performs no side effects in that case.
	ErrMissingProvider = errors.New("wallet provider not connected")

	// ErrNotApproved is returned when the action step is invoked before the
	// approval step has succeeded
	ErrNotApproved = errors.New("spending approval required before this step")

	// ErrStepInProgress is returned when a step is invoked while another is
	// still in flight
	ErrStepInProgress = errors.New("a step is already in progress")
)

// Pipeline drives the transaction step machine for one feature slice:
// Idle -> Approving -> Approved -> Acting -> Complete, with Error reachable
// from either active step and returning control for a scoped retry.
type Pipeline struct {
	slice  *store.Slice
	status *store.Field[protocol.FormStatus]
	action protocol.StepID
}

// NewPipeline binds a pipeline to a slice's status field. action names the
// feature's primary step (STAKE, CREATE, ...).
func NewPipeline(slice *store.Slice, status *store.Field[protocol.FormStatus], action protocol.StepID) *Pipeline {
	return &Pipeline{slice: slice, status: status, action: action}
}

// Status returns the current step state
func (p *Pipeline) Status() protocol.FormStatus {
	return p.status.Get()
}

// BeginApproval enters the Approving state. Guards: provider present, no
// step in flight.
func (p *Pipeline) BeginApproval(provider *protocol.Provider) error {
	return p.begin(protocol.StepApproval, provider, false)
}

// BeginAction enters the Acting state. Guards: provider present, approval
// granted, no step in flight. The pipeline can never reach Complete without
// having observed IsApproved.
func (p *Pipeline) BeginAction(provider *protocol.Provider) error {
	return p.begin(p.action, provider, true)
}

// begin performs the guarded transition atomically with the status read
func (p *Pipeline) begin(step protocol.StepID, provider *protocol.Provider, needApproved bool) error {
	if provider == nil {
		return ErrMissingProvider
	}

	var rejected error
	p.status.Update(func(cur protocol.FormStatus) protocol.FormStatus {
		if cur.IsInProgress {
			rejected = ErrStepInProgress
			return cur
		}
		if needApproved && !cur.IsApproved {
			rejected = ErrNotApproved
			return cur
		}
		next := cur.ResetTransient()
		next.Step = step
		next.IsInProgress = true
		return next
	})
	return rejected
}

// FinishApproval records the approval step's outcome, but only while key is
// still the slice's current activeKey; a stale confirmation is dropped.
// On failure Step is preserved so the UI can offer a scoped retry.
func (p *Pipeline) FinishApproval(key, stepErr string) bool {
	return p.status.UpdateIfActive(key, func(cur protocol.FormStatus) protocol.FormStatus {
		if stepErr != "" {
			return protocol.FormStatus{Step: protocol.StepApproval, Error: stepErr}
		}
		return protocol.FormStatus{IsApproved: true}
	})
}

// FinishAction records the action step's outcome under the same key check.
// Returns true only when the result was committed (key still current).
func (p *Pipeline) FinishAction(key, stepErr string) bool {
	return p.status.UpdateIfActive(key, func(cur protocol.FormStatus) protocol.FormStatus {
		if stepErr != "" {
			return protocol.FormStatus{Step: p.action, IsApproved: true, Error: stepErr}
		}
		return protocol.FormStatus{IsApproved: true, IsComplete: true}
	})
}

// FetchFailed records a fetch error on the status without touching other
// committed fields, gated on key so a stale failure cannot blank a newer form.
func (p *Pipeline) FetchFailed(key string, err error) bool {
	return p.status.UpdateIfActive(key, func(cur protocol.FormStatus) protocol.FormStatus {
		cur.Error = err.Error()
		return cur
	})
}
