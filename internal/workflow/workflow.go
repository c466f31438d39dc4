// Package workflow implements the approval state machine for a single call:
// requesting -> awaiting_decision -> resolved(outcome). One instance runs as
// one goroutine; its only suspension points are collaborator calls, the
// decision timer and the external decision mailbox.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"buzzline/internal/domain"
	"buzzline/internal/events"
)

// DefaultDecisionTimeout bounds the wait for a human decision.
const DefaultDecisionTimeout = 30 * time.Second

const dispatchTimeout = 15 * time.Second

// Gate is the admission gate consulted during the requesting phase.
type Gate interface {
	TryConsumeSlot(ctx context.Context) (bool, error)
}

// Prompter sends the approval prompt and returns its message handle.
type Prompter interface {
	SendPrompt(ctx context.Context) (int64, error)
}

// Applier fans a terminal outcome out to the voice and chat channels.
type Applier interface {
	Apply(ctx context.Context, outcome domain.Outcome, payload domain.OutcomePayload, callSID string) error
}

// Store persists workflow state transitions. Satisfied by repo.Repo.
type Store interface {
	UpdateInstanceState(ctx context.Context, id, state, payloadJSON string, deadline *string, now string) error
	ResolveInstance(ctx context.Context, id string, outcome domain.Outcome, payloadJSON, now string) error
}

// Decision is an externally delivered event.
type Decision struct {
	Outcome domain.Outcome
	Payload domain.OutcomePayload
}

// Options configures one workflow instance. Instance may carry a previously
// persisted state, payload and deadline, in which case the workflow resumes
// without re-executing completed side effects.
type Options struct {
	Instance domain.WorkflowInstance
	Gate     Gate
	Prompter Prompter
	Applier  Applier
	Store    Store
	Events   events.Writer
	Timeout  time.Duration
	Now      func() time.Time
}

type Workflow struct {
	id         string
	callSID    string
	generation int64

	gate     Gate
	prompter Prompter
	applier  Applier
	store    Store
	events   events.Writer
	timeout  time.Duration
	now      func() time.Time

	payload        domain.OutcomePayload
	resumeDeadline *time.Time

	mu       sync.Mutex
	resolved bool

	decisions chan Decision
	done      chan struct{}
}

var errTerminated = errors.New("workflow terminated")

func New(opts Options) *Workflow {
	w := &Workflow{
		id:         opts.Instance.ID,
		callSID:    opts.Instance.CallSID,
		generation: opts.Instance.Generation,
		gate:       opts.Gate,
		prompter:   opts.Prompter,
		applier:    opts.Applier,
		store:      opts.Store,
		events:     opts.Events,
		timeout:    opts.Timeout,
		now:        opts.Now,
		decisions:  make(chan Decision, 4),
		done:       make(chan struct{}),
	}
	if w.timeout <= 0 {
		w.timeout = DefaultDecisionTimeout
	}
	if w.now == nil {
		w.now = time.Now
	}
	if opts.Instance.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(opts.Instance.PayloadJSON), &w.payload); err != nil {
			log.Printf("workflow %s: unreadable stored payload: %v", w.id, err)
		}
	}
	if opts.Instance.Deadline != nil {
		if t, err := time.Parse(time.RFC3339, *opts.Instance.Deadline); err == nil {
			w.resumeDeadline = &t
		}
	}
	return w
}

func (w *Workflow) ID() string            { return w.id }
func (w *Workflow) CallSID() string       { return w.callSID }
func (w *Workflow) Generation() int64     { return w.generation }
func (w *Workflow) Done() <-chan struct{} { return w.done }

// Resolved reports whether the instance reached its terminal state.
func (w *Workflow) Resolved() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resolved
}

// Deliver injects a decision event. Returns false when the instance has
// already resolved; such late deliveries are no-ops by contract.
func (w *Workflow) Deliver(d Decision) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resolved {
		return false
	}
	select {
	case w.decisions <- d:
		return true
	default:
		// Mailbox full: the instance is resolving right now.
		return false
	}
}

func (w *Workflow) markResolved() {
	w.mu.Lock()
	w.resolved = true
	w.mu.Unlock()
}

// Run executes the state machine to resolution. Cancelling ctx terminates
// the instance without dispatching; that path is reserved for the registry
// superseding this instance with a new call.
func (w *Workflow) Run(ctx context.Context) {
	defer close(w.done)
	outcome, payload, err := w.advance(ctx)
	if err != nil {
		if errors.Is(err, errTerminated) {
			w.markResolved()
			log.Printf("workflow %s: terminated before resolution", w.id)
			return
		}
		// Fatal to the call, never to the process: resolve error and still
		// dispatch so the caller is not left silent.
		log.Printf("workflow %s: %v", w.id, err)
		outcome, payload = domain.OutcomeError, domain.OutcomePayload{}
	}
	w.finish(outcome, payload)
}

func (w *Workflow) advance(ctx context.Context) (domain.Outcome, domain.OutcomePayload, error) {
	payload := w.payload
	if payload.PromptMessageID == nil {
		consumed, err := w.gate.TryConsumeSlot(ctx)
		if err != nil {
			return "", domain.OutcomePayload{}, fmt.Errorf("consume admission slot: %w", err)
		}
		if consumed {
			// Pre-authorized: no prompt, empty payload.
			return domain.OutcomeApproved, domain.OutcomePayload{}, nil
		}
		msgID, err := w.prompter.SendPrompt(ctx)
		if err != nil {
			return "", domain.OutcomePayload{}, fmt.Errorf("send approval prompt: %w", err)
		}
		payload.PromptMessageID = &msgID
	}

	deadline := w.now().Add(w.timeout)
	if w.resumeDeadline != nil {
		deadline = *w.resumeDeadline
	}
	if err := w.persistAwaiting(ctx, payload, deadline); err != nil {
		return "", domain.OutcomePayload{}, fmt.Errorf("persist awaiting_decision: %w", err)
	}

	timer := time.NewTimer(deadline.Sub(w.now()))
	defer timer.Stop()
	for {
		select {
		case d := <-w.decisions:
			switch d.Outcome {
			case domain.OutcomeApproved, domain.OutcomeRejected, domain.OutcomeCompleted:
				merged := d.Payload
				merged.PromptMessageID = payload.PromptMessageID
				return d.Outcome, merged, nil
			default:
				// Not meaningful in this phase; keep waiting.
				log.Printf("workflow %s: dropping %s while awaiting decision", w.id, d.Outcome)
			}
		case <-timer.C:
			return domain.OutcomeTimeout, domain.OutcomePayload{PromptMessageID: payload.PromptMessageID}, nil
		case <-ctx.Done():
			return "", domain.OutcomePayload{}, errTerminated
		}
	}
}

func (w *Workflow) persistAwaiting(ctx context.Context, payload domain.OutcomePayload, deadline time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	d := deadline.UTC().Format(time.RFC3339)
	return w.store.UpdateInstanceState(ctx, w.id, domain.StateAwaitingDecision, string(data), &d, w.now().UTC().Format(time.RFC3339))
}

// finish resolves the instance and applies side effects exactly once. It
// runs on a detached context: a resolution in flight completes even while
// the host is shutting down its listeners.
func (w *Workflow) finish(outcome domain.Outcome, payload domain.OutcomePayload) {
	w.markResolved()
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	w.persistResolved(ctx, outcome, payload)
	if err := w.applier.Apply(ctx, outcome, payload, w.callSID); err != nil {
		log.Printf("workflow %s: dispatch %s failed: %v", w.id, outcome, err)
		if outcome != domain.OutcomeError {
			outcome = domain.OutcomeError
			payload = domain.OutcomePayload{}
			w.persistResolved(ctx, outcome, payload)
			if err := w.applier.Apply(ctx, outcome, payload, w.callSID); err != nil {
				log.Printf("workflow %s: error dispatch failed: %v", w.id, err)
			}
		}
	}
}

func (w *Workflow) persistResolved(ctx context.Context, outcome domain.Outcome, payload domain.OutcomePayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	if err := w.store.ResolveInstance(ctx, w.id, outcome, string(data), w.now().UTC().Format(time.RFC3339)); err != nil {
		log.Printf("workflow %s: persist resolution: %v", w.id, err)
	}
	if w.events.DB != nil {
		if err := w.events.Record(ctx, "workflow.resolved", w.callSID, "workflow", w.id, "system", events.EventPayload{
			"outcome": string(outcome),
		}); err != nil {
			log.Printf("workflow %s: record resolution event: %v", w.id, err)
		}
	}
}
