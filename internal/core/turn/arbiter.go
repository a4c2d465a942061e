package turn

import (
	"sync"
	"time"

	"github.com/relaymesh/relay-voice-engine/pkg/logger"
	"go.uber.org/zap"
)

// State is the arbiter's view of who holds the floor.
type State int

const (
	StateIdle State = iota
	StateAIResponding
	StateUserSpeaking
	StateCancelling
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAIResponding:
		return "ai_responding"
	case StateUserSpeaking:
		return "user_speaking"
	case StateCancelling:
		return "cancelling"
	default:
		return "unknown"
	}
}

// Actions are the side effects the arbiter triggers on a barge-in. The
// orchestrator implements them; the arbiter only decides.
type Actions interface {
	// FlushPlayback drops all buffered outbound audio and clears the wire.
	FlushPlayback()
	// CancelResponse asks the model to cancel the in-flight response.
	CancelResponse(responseID string)
}

// Arbiter tracks whose turn it is and decides when the caller interrupts the
// assistant. Interruption has exactly one condition: a response is in flight.
// Whether playback or capture flags happen to be set is irrelevant; two-flag
// gating is what used to let barge-ins fall through.
type Arbiter struct {
	mu            sync.Mutex
	state         State
	responseID    string
	actions       Actions
	cancelTimeout time.Duration
	cancelTimer   *time.Timer
	callSID       string
}

// NewArbiter creates an arbiter for one call.
func NewArbiter(callSID string, actions Actions, cancelTimeout time.Duration) *Arbiter {
	return &Arbiter{
		state:         StateIdle,
		actions:       actions,
		cancelTimeout: cancelTimeout,
		callSID:       callSID,
	}
}

// State returns the current state (thread-safe).
func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ActiveResponseID returns the response currently holding the floor, if any.
func (a *Arbiter) ActiveResponseID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateAIResponding || a.state == StateCancelling {
		return a.responseID
	}
	return ""
}

// OnResponseStarted records that the model began speaking.
func (a *Arbiter) OnResponseStarted(responseID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case StateCancelling:
		// The old response's cancel resolved implicitly: a new response
		// cannot start while another is in flight.
		a.stopCancelTimerLocked()
	case StateAIResponding:
		logger.Base().Warn("Response started while another in flight",
			zap.String("call_sid", a.callSID),
			zap.String("previous_response_id", a.responseID),
			zap.String("response_id", responseID))
	}

	a.transitionLocked(StateAIResponding)
	a.responseID = responseID
}

// OnResponseDone records that a response completed or was cancelled. Done
// for a stale response id is ignored.
func (a *Arbiter) OnResponseDone(responseID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.responseID != responseID {
		return
	}

	switch a.state {
	case StateAIResponding:
		a.transitionLocked(StateIdle)
	case StateCancelling:
		a.stopCancelTimerLocked()
		a.transitionLocked(StateIdle)
	}
	a.responseID = ""
}

// OnUserSpeechStarted handles the caller starting to speak. If a response is
// in flight this is a barge-in: flush playback, clear the wire, cancel the
// response. Otherwise the caller simply takes the floor.
func (a *Arbiter) OnUserSpeechStarted() {
	a.mu.Lock()

	switch a.state {
	case StateAIResponding:
		responseID := a.responseID
		a.transitionLocked(StateCancelling)
		a.startCancelTimerLocked()
		a.mu.Unlock()

		logger.Base().Info("Barge-in detected",
			zap.String("call_sid", a.callSID),
			zap.String("response_id", responseID))

		a.actions.FlushPlayback()
		a.actions.CancelResponse(responseID)
		return

	case StateIdle:
		a.transitionLocked(StateUserSpeaking)

	case StateCancelling, StateUserSpeaking:
		// Already yielding the floor or already theirs.
	}

	a.mu.Unlock()
}

// OnUserTurnEnded records that the caller's utterance finished.
func (a *Arbiter) OnUserTurnEnded() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateUserSpeaking {
		a.transitionLocked(StateIdle)
	}
}

// Close releases the cancel timer.
func (a *Arbiter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopCancelTimerLocked()
}

// startCancelTimerLocked bounds how long the arbiter waits for the model to
// confirm a cancellation. On expiry it proceeds as though the cancel
// completed so the caller is never stuck unable to take the floor.
func (a *Arbiter) startCancelTimerLocked() {
	a.stopCancelTimerLocked()

	responseID := a.responseID
	a.cancelTimer = time.AfterFunc(a.cancelTimeout, func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		if a.state != StateCancelling || a.responseID != responseID {
			return
		}

		logger.Base().Warn("Cancel confirmation timed out, forcing idle",
			zap.String("call_sid", a.callSID),
			zap.String("response_id", responseID),
			zap.Duration("timeout", a.cancelTimeout))

		a.transitionLocked(StateIdle)
		a.responseID = ""
	})
}

func (a *Arbiter) stopCancelTimerLocked() {
	if a.cancelTimer != nil {
		a.cancelTimer.Stop()
		a.cancelTimer = nil
	}
}

func (a *Arbiter) transitionLocked(next State) {
	if a.state == next {
		return
	}
	logger.Base().Debug("Turn state changed",
		zap.String("call_sid", a.callSID),
		zap.String("from", a.state.String()),
		zap.String("to", next.String()))
	a.state = next
}
