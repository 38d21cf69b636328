// Package saga runs a sequence of (action, compensation) steps and records
// progress after every step, so a failed or interrupted execution can be
// unwound later from its record alone.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"log"
	"time"
)

type Status string

const (
	StatusRunning            Status = "running"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusCompensating       Status = "compensating"
	StatusCompensated        Status = "compensated"
	StatusCompensationFailed Status = "compensation_failed"
)

var (
	ErrSagaNotFound    = errors.New("saga not found")
	ErrSagaCompleted   = errors.New("saga completed; nothing to compensate")
	ErrSagaCompensated = errors.New("saga already compensated")
	ErrSagaInFlight    = errors.New("saga is still being worked on")
	ErrSagaClaimed     = errors.New("saga was claimed by another runner")
	ErrUnknownStep     = errors.New("saga step has no compensation registered")
)

// DefaultLease is how long a saga may go without a save before recovery may
// take it over.
const DefaultLease = 2 * time.Minute

type Step struct {
	Name       string
	Action     func(ctx context.Context) error
	Compensate func(ctx context.Context) error // nil for steps with nothing to undo
}

// Execution is the durable record of one saga run. Owner fences writers: only
// the runner holding the current owner token may save the record.
type Execution struct {
	ID             string
	Kind           string
	Status         Status
	Owner          string
	StepsCompleted []string
	Context        json.RawMessage
	ErrorDetails   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Recorder interface {
	Create(ctx context.Context, exec Execution) error
	// Save overwrites the record while exec.Owner still owns it and returns
	// ErrSagaClaimed once someone else does.
	Save(ctx context.Context, exec Execution) error
	Load(ctx context.Context, sagaID string) (Execution, error)
	// Claim hands the saga to owner in status compensating when Claimable
	// allows it, judged against the recorder's own clock.
	Claim(ctx context.Context, sagaID, owner string, lease time.Duration) (Execution, error)
}

// Claimable decides whether recovery may take e over at now. A running,
// failed or compensating saga belongs to its runner until it has gone a full
// lease without saving.
func Claimable(e Execution, now time.Time, lease time.Duration) error {
	switch e.Status {
	case StatusCompleted:
		return ErrSagaCompleted
	case StatusCompensated:
		return ErrSagaCompensated
	case StatusCompensationFailed:
		return nil
	}
	if idle := now.Sub(e.UpdatedAt); idle < lease {
		return fmt.Errorf("%w: saga %s is %s, last saved %s ago", ErrSagaInFlight, e.ID, e.Status, idle.Round(time.Second))
	}
	return nil
}

// StepError reports which step failed. Compensation already ran when it is returned.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("saga step %s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

type Runner struct {
	Recorder Recorder
	// Lease defaults to DefaultLease. Every action and compensation gets half
	// of it, so a live runner saves again well before recovery may claim.
	Lease time.Duration
}

func (r *Runner) lease() time.Duration {
	if r.Lease > 0 {
		return r.Lease
	}
	return DefaultLease
}

// Saga is one execution to run. State is re-marshalled into the record after
// every completed step; it should hold whatever a later Compensate needs.
type Saga struct {
	ID    string
	Kind  string
	Steps []Step
	State any
}

// Run executes the steps in order. On the first failure it compensates the
// completed steps in reverse and returns *StepError. A step that cannot be
// recorded counts as failed, so the record never trails the side effects.
func (r *Runner) Run(ctx context.Context, s *Saga) (Execution, error) {
	exec := Execution{ID: s.ID, Kind: s.Kind, Status: StatusRunning, Owner: uuid.NewString(), Context: snapshot(s.State)}
	if err := r.Recorder.Create(ctx, exec); err != nil {
		return exec, fmt.Errorf("record saga %s: %w", s.ID, err)
	}

	for _, st := range s.Steps {
		if err := r.act(ctx, st); err != nil {
			return r.fail(ctx, &exec, s, st.Name, err)
		}
		exec.StepsCompleted = append(exec.StepsCompleted, st.Name)
		exec.Context = snapshot(s.State)
		err := r.Recorder.Save(ctx, exec)
		if errors.Is(err, ErrSagaClaimed) {
			// The claimant unwinds what the record shows; this step never got there.
			exec.StepsCompleted = exec.StepsCompleted[:len(exec.StepsCompleted)-1]
			r.undoUnrecorded(ctx, &exec, st)
			return exec, &StepError{Step: st.Name, Err: err}
		}
		if err != nil {
			return r.fail(ctx, &exec, s, st.Name, fmt.Errorf("record progress: %w", err))
		}
	}

	exec.Status = StatusCompleted
	err := r.Recorder.Save(ctx, exec)
	if errors.Is(err, ErrSagaClaimed) {
		return exec, fmt.Errorf("complete saga %s: %w", exec.ID, err)
	}
	if err != nil {
		exec.Status = StatusRunning
		return r.fail(ctx, &exec, s, "complete", fmt.Errorf("record completion: %w", err))
	}
	return exec, nil
}

// Compensate claims a recorded execution and unwinds it. steps rebuilds the
// compensations from the record. Compensating an already compensated saga is
// a no-op; a saga still being worked on is refused with ErrSagaInFlight.
func (r *Runner) Compensate(ctx context.Context, sagaID string, steps func(Execution) ([]Step, error)) (Execution, error) {
	exec, err := r.Recorder.Claim(ctx, sagaID, uuid.NewString(), r.lease())
	if errors.Is(err, ErrSagaCompensated) {
		return exec, nil
	}
	if err != nil {
		return exec, err
	}
	list, err := steps(exec)
	if err != nil {
		exec.Status = StatusCompensationFailed
		exec.ErrorDetails = err.Error()
		_ = r.save(context.WithoutCancel(ctx), &exec)
		return exec, err
	}
	if err := r.unwind(ctx, &exec, list); err != nil {
		return exec, err
	}
	return exec, nil
}

func (r *Runner) act(ctx context.Context, st Step) error {
	ctx, cancel := context.WithTimeout(ctx, r.lease()/2)
	defer cancel()
	return st.Action(ctx)
}

// fail records the failed step and unwinds. Losing the record to a claimant
// stops here: the claimant owns the unwind.
func (r *Runner) fail(ctx context.Context, exec *Execution, s *Saga, step string, err error) (Execution, error) {
	ctx = context.WithoutCancel(ctx)
	stepErr := &StepError{Step: step, Err: err}
	exec.Status = StatusFailed
	exec.ErrorDetails = fmt.Sprintf("%s: %v", step, err)
	exec.Context = snapshot(s.State)
	if serr := r.save(ctx, exec); serr != nil {
		return *exec, errors.Join(stepErr, serr)
	}
	if cerr := r.unwind(ctx, exec, s.Steps); cerr != nil {
		return *exec, errors.Join(stepErr, cerr)
	}
	return *exec, stepErr
}

// unwind runs compensations for exec.StepsCompleted in reverse, dropping each
// step from the record once undone. Cancellation of the caller does not stop it.
func (r *Runner) unwind(ctx context.Context, exec *Execution, steps []Step) error {
	ctx = context.WithoutCancel(ctx)
	byName := make(map[string]Step, len(steps))
	for _, st := range steps {
		byName[st.Name] = st
	}

	exec.Status = StatusCompensating
	if err := r.save(ctx, exec); err != nil {
		return err
	}

	for i := len(exec.StepsCompleted) - 1; i >= 0; i-- {
		name := exec.StepsCompleted[i]
		st, ok := byName[name]
		if !ok {
			return r.compensationFailed(ctx, exec, name, ErrUnknownStep)
		}
		if st.Compensate != nil {
			if err := r.compensate(ctx, st); err != nil {
				return r.compensationFailed(ctx, exec, name, err)
			}
		}
		exec.StepsCompleted = exec.StepsCompleted[:i]
		if err := r.save(ctx, exec); err != nil {
			return err
		}
	}

	exec.Status = StatusCompensated
	return r.save(ctx, exec)
}

func (r *Runner) compensate(ctx context.Context, st Step) error {
	ctx, cancel := context.WithTimeout(ctx, r.lease()/2)
	defer cancel()
	return st.Compensate(ctx)
}

func (r *Runner) undoUnrecorded(ctx context.Context, exec *Execution, st Step) {
	log.Printf("saga: claimed mid-run saga=%s step=%s, undoing the unrecorded step", exec.ID, st.Name)
	if st.Compensate == nil {
		return
	}
	if err := r.compensate(context.WithoutCancel(ctx), st); err != nil {
		log.Printf("saga: undo unrecorded step saga=%s step=%s: %v", exec.ID, st.Name, err)
	}
}

func (r *Runner) compensationFailed(ctx context.Context, exec *Execution, step string, err error) error {
	log.Printf("saga: compensation failed saga=%s kind=%s step=%s: %v", exec.ID, exec.Kind, step, err)
	exec.Status = StatusCompensationFailed
	exec.ErrorDetails = fmt.Sprintf("compensate %s: %v", step, err)
	_ = r.save(ctx, exec)
	return fmt.Errorf("compensate %s: %w", step, err)
}

// save returns ErrSagaClaimed; any other failure is logged so an unwind keeps
// going with the record behind.
func (r *Runner) save(ctx context.Context, exec *Execution) error {
	err := r.Recorder.Save(ctx, *exec)
	if errors.Is(err, ErrSagaClaimed) {
		log.Printf("saga: lost ownership saga=%s status=%s", exec.ID, exec.Status)
		return err
	}
	if err != nil {
		log.Printf("saga: save saga=%s status=%s: %v", exec.ID, exec.Status, err)
	}
	return nil
}

func snapshot(state any) json.RawMessage {
	if state == nil {
		return json.RawMessage(`{}`)
	}
	b, err := json.Marshal(state)
	if err != nil {
		log.Printf("saga: marshal state: %v", err)
		return json.RawMessage(`{}`)
	}
	return b
}
