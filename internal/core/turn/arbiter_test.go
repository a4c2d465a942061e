package turn

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedActions struct {
	mu      sync.Mutex
	flushes int
	cancels []string
}

func (a *recordedActions) FlushPlayback() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushes++
}

func (a *recordedActions) CancelResponse(responseID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels = append(a.cancels, responseID)
}

func (a *recordedActions) snapshot() (int, []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushes, append([]string(nil), a.cancels...)
}

func newTestArbiter(t *testing.T) (*Arbiter, *recordedActions) {
	t.Helper()
	actions := &recordedActions{}
	a := NewArbiter("CA_test", actions, 50*time.Millisecond)
	t.Cleanup(a.Close)
	return a, actions
}

func TestArbiterResponseLifecycle(t *testing.T) {
	a, actions := newTestArbiter(t)

	assert.Equal(t, StateIdle, a.State())
	assert.Empty(t, a.ActiveResponseID())

	a.OnResponseStarted("resp_1")
	assert.Equal(t, StateAIResponding, a.State())
	assert.Equal(t, "resp_1", a.ActiveResponseID())

	a.OnResponseDone("resp_1")
	assert.Equal(t, StateIdle, a.State())
	assert.Empty(t, a.ActiveResponseID())

	flushes, cancels := actions.snapshot()
	assert.Zero(t, flushes)
	assert.Empty(t, cancels)
}

func TestArbiterBargeIn(t *testing.T) {
	a, actions := newTestArbiter(t)

	a.OnResponseStarted("resp_1")
	a.OnUserSpeechStarted()

	assert.Equal(t, StateCancelling, a.State())
	flushes, cancels := actions.snapshot()
	assert.Equal(t, 1, flushes)
	require.Equal(t, []string{"resp_1"}, cancels)

	// A second speech-started while already cancelling does nothing extra.
	a.OnUserSpeechStarted()
	flushes, cancels = actions.snapshot()
	assert.Equal(t, 1, flushes)
	assert.Len(t, cancels, 1)

	// The model confirms the cancel.
	a.OnResponseDone("resp_1")
	assert.Equal(t, StateIdle, a.State())
}

func TestArbiterUserSpeaksWhileIdle(t *testing.T) {
	a, actions := newTestArbiter(t)

	a.OnUserSpeechStarted()
	assert.Equal(t, StateUserSpeaking, a.State())

	a.OnUserTurnEnded()
	assert.Equal(t, StateIdle, a.State())

	flushes, cancels := actions.snapshot()
	assert.Zero(t, flushes)
	assert.Empty(t, cancels)
}

func TestArbiterStaleDoneIgnored(t *testing.T) {
	a, _ := newTestArbiter(t)

	a.OnResponseStarted("resp_2")
	a.OnResponseDone("resp_1")

	assert.Equal(t, StateAIResponding, a.State())
	assert.Equal(t, "resp_2", a.ActiveResponseID())
}

func TestArbiterCancelTimeoutForcesIdle(t *testing.T) {
	a, _ := newTestArbiter(t)

	a.OnResponseStarted("resp_1")
	a.OnUserSpeechStarted()
	assert.Equal(t, StateCancelling, a.State())

	// No confirmation ever arrives; the arbiter must not leave the caller
	// locked out of the floor.
	assert.Eventually(t, func() bool {
		return a.State() == StateIdle
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, a.ActiveResponseID())
}

func TestArbiterNewResponseResolvesCancel(t *testing.T) {
	a, actions := newTestArbiter(t)

	a.OnResponseStarted("resp_1")
	a.OnUserSpeechStarted()
	a.OnResponseStarted("resp_2")

	assert.Equal(t, StateAIResponding, a.State())
	assert.Equal(t, "resp_2", a.ActiveResponseID())

	// The timer for resp_1 was stopped; waiting past the timeout must not
	// knock resp_2 off the floor.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateAIResponding, a.State())

	_, cancels := actions.snapshot()
	assert.Equal(t, []string{"resp_1"}, cancels)
}
