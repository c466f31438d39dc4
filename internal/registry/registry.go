// Package registry tracks the single active approval workflow. It enforces
// exclusivity by terminating stragglers before every start and routes
// externally raised outcomes to the live instance.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"buzzline/internal/domain"
	"buzzline/internal/events"
	"buzzline/internal/repo"
	"buzzline/internal/workflow"
)

var (
	// ErrRegistryBusy means a prior workflow could not be confirmed
	// terminated. Retryable by the caller.
	ErrRegistryBusy = errors.New("registry busy: running workflow not confirmed terminated")
	// ErrAmbiguousActive means the exclusivity invariant was violated
	// upstream; the registry refuses to guess a delivery target.
	ErrAmbiguousActive = errors.New("ambiguous active: more than one workflow running")
)

const terminateWait = 5 * time.Second

type Registry struct {
	Repo   repo.Repo
	Events events.Writer

	// Collaborators handed to every spawned workflow.
	Gate     workflow.Gate
	Prompter workflow.Prompter
	Applier  workflow.Applier
	Timeout  time.Duration
	Now      func() time.Time

	mu     sync.Mutex
	active *workflow.Workflow
	cancel context.CancelFunc
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// StartExclusive terminates every running instance, then starts a new one
// bound to callSID and returns its instance id. Termination is synchronous:
// the old goroutine must exit before the new row is written, so stale
// instances never receive fresh deliveries.
func (r *Registry) StartExclusive(ctx context.Context, callSID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil && !r.active.Resolved() {
		r.cancel()
		select {
		case <-r.active.Done():
		case <-time.After(terminateWait):
			return "", fmt.Errorf("%w: instance %s still running", ErrRegistryBusy, r.active.ID())
		}
	}
	r.active = nil
	r.cancel = nil

	now := r.now().UTC().Format(time.RFC3339)
	tx, err := r.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	terminated, err := r.Repo.TerminateRunning(ctx, tx, now)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRegistryBusy, err)
	}
	gen, err := r.Repo.NextGeneration(ctx, tx)
	if err != nil {
		return "", err
	}
	in := domain.WorkflowInstance{
		ID:         uuid.New().String(),
		CallSID:    callSID,
		Generation: gen,
		Status:     domain.InstanceRunning,
		State:      domain.StateRequesting,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.Repo.InsertInstance(ctx, tx, in); err != nil {
		return "", err
	}
	if err := r.Events.Append(ctx, tx, "workflow.started", callSID, "workflow", in.ID, "system", events.EventPayload{
		"generation": gen,
		"superseded": terminated,
	}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	r.spawn(in)
	return in.ID, nil
}

// DeliverToActive routes (outcome, payload) to the unique running instance.
// Zero running instances is a benign race: logged, dropped, never an error.
func (r *Registry) DeliverToActive(ctx context.Context, outcome domain.Outcome, payload domain.OutcomePayload) (bool, error) {
	running, err := r.Repo.ListRunning(ctx)
	if err != nil {
		return false, err
	}
	if len(running) == 0 {
		log.Printf("registry: no running workflow; dropping %s", outcome)
		return false, nil
	}
	if len(running) > 1 {
		return false, ErrAmbiguousActive
	}

	r.mu.Lock()
	active := r.active
	r.mu.Unlock()

	// The generation stamp guards against a decision meant for a superseded
	// call landing on a freshly started instance.
	if active == nil || active.ID() != running[0].ID || active.Generation() != running[0].Generation {
		log.Printf("registry: running instance %s has no live handle; dropping %s", running[0].ID, outcome)
		return false, nil
	}
	if !active.Deliver(workflow.Decision{Outcome: outcome, Payload: payload}) {
		// Already resolved; late deliveries are no-ops by contract.
		log.Printf("registry: instance %s already resolved; dropping %s", active.ID(), outcome)
	}
	return true, nil
}

// Recover re-adopts instances persisted as running by a previous process:
// the newest generation resumes with its stored deadline; any stragglers
// are marked terminated.
func (r *Registry) Recover(ctx context.Context) error {
	running, err := r.Repo.ListRunning(ctx)
	if err != nil {
		return err
	}
	if len(running) == 0 {
		return nil
	}
	now := r.now().UTC().Format(time.RFC3339)
	latest := running[len(running)-1]
	for _, in := range running[:len(running)-1] {
		if err := r.Repo.TerminateInstance(ctx, in.ID, now); err != nil {
			return err
		}
		log.Printf("registry: terminated stale instance %s on recovery", in.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawn(latest)
	log.Printf("registry: resumed instance %s (call %s, state %s)", latest.ID, latest.CallSID, latest.State)
	return nil
}

// ActiveInstance returns the running instance row, if any.
func (r *Registry) ActiveInstance(ctx context.Context) (*domain.WorkflowInstance, error) {
	running, err := r.Repo.ListRunning(ctx)
	if err != nil {
		return nil, err
	}
	if len(running) == 0 {
		return nil, nil
	}
	if len(running) > 1 {
		return nil, ErrAmbiguousActive
	}
	return &running[0], nil
}

// Shutdown cancels the active workflow and waits for it to exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || r.cancel == nil {
		return
	}
	r.cancel()
	select {
	case <-r.active.Done():
	case <-time.After(terminateWait):
		log.Printf("registry: instance %s did not exit on shutdown", r.active.ID())
	}
	r.active = nil
	r.cancel = nil
}

// spawn must run with r.mu held.
func (r *Registry) spawn(in domain.WorkflowInstance) {
	w := workflow.New(workflow.Options{
		Instance: in,
		Gate:     r.Gate,
		Prompter: r.Prompter,
		Applier:  r.Applier,
		Store:    r.Repo,
		Events:   r.Events,
		Timeout:  r.Timeout,
		Now:      r.Now,
	})
	ctx, cancel := context.WithCancel(context.Background())
	r.active = w
	r.cancel = cancel
	go w.Run(ctx)
}
