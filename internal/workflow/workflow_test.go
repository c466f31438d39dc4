package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"buzzline/internal/domain"
	"buzzline/internal/workflow"
)

type fakeGate struct {
	slot bool
	err  error
}

func (g *fakeGate) TryConsumeSlot(ctx context.Context) (bool, error) {
	return g.slot, g.err
}

type fakePrompter struct {
	mu    sync.Mutex
	calls int
	msgID int64
	err   error
}

func (p *fakePrompter) SendPrompt(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.msgID, p.err
}

func (p *fakePrompter) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type applied struct {
	Outcome domain.Outcome
	Payload domain.OutcomePayload
	CallSID string
}

type fakeApplier struct {
	mu   sync.Mutex
	got  []applied
	fail bool
}

func (a *fakeApplier) Apply(ctx context.Context, outcome domain.Outcome, payload domain.OutcomePayload, callSID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, applied{outcome, payload, callSID})
	if a.fail && outcome != domain.OutcomeError {
		return errors.New("channel down")
	}
	return nil
}

func (a *fakeApplier) Applied() []applied {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]applied, len(a.got))
	copy(out, a.got)
	return out
}

type memStore struct {
	mu       sync.Mutex
	states   []string
	outcome  *domain.Outcome
	deadline *string
}

func (s *memStore) UpdateInstanceState(ctx context.Context, id, state, payloadJSON string, deadline *string, now string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	s.deadline = deadline
	return nil
}

func (s *memStore) ResolveInstance(ctx context.Context, id string, outcome domain.Outcome, payloadJSON, now string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, domain.StateResolved)
	s.outcome = &outcome
	return nil
}

func (s *memStore) Outcome() *domain.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

type env struct {
	gate     *fakeGate
	prompter *fakePrompter
	applier  *fakeApplier
	store    *memStore
}

func newEnv() *env {
	return &env{
		gate:     &fakeGate{},
		prompter: &fakePrompter{msgID: 99},
		applier:  &fakeApplier{},
		store:    &memStore{},
	}
}

func (e *env) start(t *testing.T, timeout time.Duration) *workflow.Workflow {
	t.Helper()
	w := workflow.New(workflow.Options{
		Instance: domain.WorkflowInstance{ID: "in-1", CallSID: "CA123", Generation: 1},
		Gate:     e.gate,
		Prompter: e.prompter,
		Applier:  e.applier,
		Store:    e.store,
		Timeout:  timeout,
	})
	go w.Run(context.Background())
	return w
}

func waitDone(t *testing.T, w *workflow.Workflow) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not resolve")
	}
}

func deliverSoon(t *testing.T, w *workflow.Workflow, d workflow.Decision) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Deliver(d) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("decision never accepted")
}

func TestDecisionBeatsTimer(t *testing.T) {
	e := newEnv()
	w := e.start(t, 10*time.Second)

	approver := int64(7)
	deliverSoon(t, w, workflow.Decision{
		Outcome: domain.OutcomeApproved,
		Payload: domain.OutcomePayload{ApproverID: &approver, ApproverName: "@ann"},
	})
	waitDone(t, w)

	got := e.applier.Applied()
	if len(got) != 1 {
		t.Fatalf("applied %d times, want 1", len(got))
	}
	if got[0].Outcome != domain.OutcomeApproved {
		t.Fatalf("outcome = %s, want approved", got[0].Outcome)
	}
	if got[0].CallSID != "CA123" {
		t.Fatalf("call sid = %s", got[0].CallSID)
	}
	if got[0].Payload.PromptMessageID == nil || *got[0].Payload.PromptMessageID != 99 {
		t.Fatal("decision payload lost the prompt handle")
	}
	if got[0].Payload.ApproverID == nil || *got[0].Payload.ApproverID != 7 {
		t.Fatal("approver identity not carried through")
	}
}

func TestTimeoutWhenNobodyAnswers(t *testing.T) {
	e := newEnv()
	w := e.start(t, 30*time.Millisecond)
	waitDone(t, w)

	got := e.applier.Applied()
	if len(got) != 1 || got[0].Outcome != domain.OutcomeTimeout {
		t.Fatalf("applied = %+v, want one timeout", got)
	}
	if got[0].Payload.PromptMessageID == nil {
		t.Fatal("timeout should still update the prompt in place")
	}
	if o := e.store.Outcome(); o == nil || *o != domain.OutcomeTimeout {
		t.Fatalf("persisted outcome = %v", o)
	}
}

func TestLateDeliveryIsNoop(t *testing.T) {
	e := newEnv()
	w := e.start(t, 20*time.Millisecond)
	waitDone(t, w)

	if w.Deliver(workflow.Decision{Outcome: domain.OutcomeApproved}) {
		t.Fatal("delivery after resolution must be rejected")
	}
	if got := e.applier.Applied(); len(got) != 1 {
		t.Fatalf("late delivery caused extra dispatch: %+v", got)
	}
}

func TestAdmissionSlotSkipsPrompt(t *testing.T) {
	e := newEnv()
	e.gate.slot = true
	w := e.start(t, 10*time.Second)
	waitDone(t, w)

	if e.prompter.Calls() != 0 {
		t.Fatal("pre-approved call must not prompt the chat")
	}
	got := e.applier.Applied()
	if len(got) != 1 || got[0].Outcome != domain.OutcomeApproved {
		t.Fatalf("applied = %+v, want approved", got)
	}
	if got[0].Payload.PromptMessageID != nil || got[0].Payload.ApproverID != nil {
		t.Fatal("pre-approval must carry an empty payload")
	}
}

func TestPromptFailureResolvesError(t *testing.T) {
	e := newEnv()
	e.prompter.err = errors.New("chat unreachable")
	w := e.start(t, 10*time.Second)
	waitDone(t, w)

	got := e.applier.Applied()
	if len(got) != 1 || got[0].Outcome != domain.OutcomeError {
		t.Fatalf("applied = %+v, want error outcome", got)
	}
}

func TestCallerHangupPreemptsDecision(t *testing.T) {
	e := newEnv()
	w := e.start(t, 10*time.Second)
	deliverSoon(t, w, workflow.Decision{Outcome: domain.OutcomeCompleted})
	waitDone(t, w)

	got := e.applier.Applied()
	if len(got) != 1 || got[0].Outcome != domain.OutcomeCompleted {
		t.Fatalf("applied = %+v, want completed", got)
	}
}

func TestNonDecisionEventsAreDropped(t *testing.T) {
	e := newEnv()
	w := e.start(t, 100*time.Millisecond)
	deliverSoon(t, w, workflow.Decision{Outcome: domain.OutcomeScheduleApproval})
	waitDone(t, w)

	// The schedule event must not resolve the workflow; the timer does.
	got := e.applier.Applied()
	if len(got) != 1 || got[0].Outcome != domain.OutcomeTimeout {
		t.Fatalf("applied = %+v, want timeout", got)
	}
}

func TestTerminationSkipsDispatch(t *testing.T) {
	e := newEnv()
	w := workflow.New(workflow.Options{
		Instance: domain.WorkflowInstance{ID: "in-2", CallSID: "CA124", Generation: 2},
		Gate:     e.gate,
		Prompter: e.prompter,
		Applier:  e.applier,
		Store:    e.store,
		Timeout:  10 * time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for e.prompter.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	waitDone(t, w)

	if got := e.applier.Applied(); len(got) != 0 {
		t.Fatalf("terminated workflow dispatched: %+v", got)
	}
	if !w.Resolved() {
		t.Fatal("terminated workflow must read as resolved")
	}
}

func TestDispatchFailureFallsBackToError(t *testing.T) {
	e := newEnv()
	e.applier.fail = true
	w := e.start(t, 10*time.Second)
	deliverSoon(t, w, workflow.Decision{Outcome: domain.OutcomeApproved})
	waitDone(t, w)

	got := e.applier.Applied()
	if len(got) != 2 {
		t.Fatalf("applied %d times, want approved then error", len(got))
	}
	if got[0].Outcome != domain.OutcomeApproved || got[1].Outcome != domain.OutcomeError {
		t.Fatalf("applied = %+v", got)
	}
	if o := e.store.Outcome(); o == nil || *o != domain.OutcomeError {
		t.Fatalf("persisted outcome = %v, want error", o)
	}
}

func TestResumeUsesStoredDeadlineAndPrompt(t *testing.T) {
	e := newEnv()
	msgID := int64(42)
	deadline := time.Now().Add(40 * time.Millisecond).UTC().Format(time.RFC3339Nano)
	w := workflow.New(workflow.Options{
		Instance: domain.WorkflowInstance{
			ID:          "in-3",
			CallSID:     "CA125",
			Generation:  3,
			State:       domain.StateAwaitingDecision,
			PayloadJSON: `{"prompt_message_id":42}`,
			Deadline:    &deadline,
		},
		Gate:     e.gate,
		Prompter: e.prompter,
		Applier:  e.applier,
		Store:    e.store,
		Timeout:  10 * time.Second,
	})
	go w.Run(context.Background())
	waitDone(t, w)

	if e.prompter.Calls() != 0 {
		t.Fatal("resume must not re-send the prompt")
	}
	got := e.applier.Applied()
	if len(got) != 1 || got[0].Outcome != domain.OutcomeTimeout {
		t.Fatalf("applied = %+v, want timeout from stored deadline", got)
	}
	if got[0].Payload.PromptMessageID == nil || *got[0].Payload.PromptMessageID != msgID {
		t.Fatal("resume lost the stored prompt handle")
	}
}
