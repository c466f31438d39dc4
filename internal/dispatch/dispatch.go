// Package dispatch maps a resolved workflow outcome to its side effects on
// the voice and chat channels. It is a pure mapping over the closed outcome
// set; the workflow guarantees it runs at most once per instance.
package dispatch

import (
	"context"
	"fmt"

	"buzzline/internal/domain"
)

// VoiceChannel is the voice-call capability the dispatcher acts through.
type VoiceChannel interface {
	SignalUnlock(ctx context.Context, callSID string) error
	SignalReject(ctx context.Context, callSID string) error
	SignalFallback(ctx context.Context, callSID string) error
}

// ChatChannel posts the final status back to the approver chat, editing the
// original prompt in place when the payload carries its handle.
type ChatChannel interface {
	PostAccepted(ctx context.Context, payload domain.OutcomePayload) error
	PostRejected(ctx context.Context, payload domain.OutcomePayload) error
	PostTimeout(ctx context.Context, payload domain.OutcomePayload) error
	PostHangup(ctx context.Context, payload domain.OutcomePayload) error
	PostFailure(ctx context.Context, payload domain.OutcomePayload) error
}

type Dispatcher struct {
	Voice VoiceChannel
	Chat  ChatChannel
}

// Apply performs the voice and chat effects for a terminal outcome. Both
// channels are attempted; the first error is returned after the chat update
// so a partial voice failure still updates the prompt.
func (d Dispatcher) Apply(ctx context.Context, outcome domain.Outcome, payload domain.OutcomePayload, callSID string) error {
	switch outcome {
	case domain.OutcomeApproved:
		verr := d.Voice.SignalUnlock(ctx, callSID)
		cerr := d.Chat.PostAccepted(ctx, payload)
		return firstErr(verr, cerr)
	case domain.OutcomeRejected:
		verr := d.Voice.SignalReject(ctx, callSID)
		cerr := d.Chat.PostRejected(ctx, payload)
		return firstErr(verr, cerr)
	case domain.OutcomeTimeout:
		verr := d.Voice.SignalFallback(ctx, callSID)
		cerr := d.Chat.PostTimeout(ctx, payload)
		return firstErr(verr, cerr)
	case domain.OutcomeCompleted:
		// Call already ended; nothing to signal on the voice leg.
		return d.Chat.PostHangup(ctx, payload)
	case domain.OutcomeError:
		verr := d.Voice.SignalFallback(ctx, callSID)
		cerr := d.Chat.PostFailure(ctx, payload)
		return firstErr(verr, cerr)
	case domain.OutcomeScheduleApproval, domain.OutcomeGenerateAccessLink, domain.OutcomeNoop:
		return fmt.Errorf("outcome %s is not dispatchable", outcome)
	default:
		return fmt.Errorf("unknown outcome %s", outcome)
	}
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
