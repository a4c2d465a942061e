package provider

import (
	"context"

	"github.com/relaymesh/relay-voice-engine/internal/config"
)

// ProviderType identifies a realtime model provider
type ProviderType string

const (
	ProviderTypeOpenAI ProviderType = "openai"
)

func (p ProviderType) String() string {
	return string(p)
}

// SessionParams carries everything a provider needs to open one realtime
// session for one call.
type SessionParams struct {
	CallSID       string
	TenantID      string
	Instructions  string
	Voice         string
	Speed         float64
	Language      string
	TurnDetection config.TurnDetectionConfig
}

// SessionAdapter is one realtime model session bound to one call. All audio
// crossing this interface is model-rate PCM16 bytes; the wire codec lives
// with the caller.
type SessionAdapter interface {
	// Connect dials the provider and configures the session.
	Connect(ctx context.Context, params *SessionParams) error
	// AppendAudio streams caller audio into the model's input buffer.
	AppendAudio(pcm []byte) error
	// CreateResponse asks the model to speak. instructions may carry a
	// one-off override (greeting, closing remark); empty means none.
	CreateResponse(instructions string) error
	// CancelResponse cancels an in-flight response by id.
	CancelResponse(responseID string) error
	// Close tears the session down. Safe to call more than once.
	Close() error
}

// SessionObserver receives the session's server events. Callbacks run on the
// adapter's read loop; implementations hand off anything slow.
type SessionObserver interface {
	// OnSessionReady fires once the provider acknowledged the session config.
	OnSessionReady()
	// OnResponseStarted fires when the model begins a response.
	OnResponseStarted(responseID string)
	// OnResponseAudio delivers a chunk of model-rate PCM16 response audio.
	OnResponseAudio(responseID string, pcm []byte)
	// OnResponseDone fires when a response completes or is cancelled.
	// transcript is what the model said (possibly partial when cancelled).
	OnResponseDone(responseID string, transcript string, cancelled bool)
	// OnUserSpeechStarted fires when the provider's VAD hears the caller.
	OnUserSpeechStarted()
	// OnUserTranscript delivers the caller's completed utterance text.
	OnUserTranscript(transcript string)
	// OnSessionError reports a session-scoped provider error.
	OnSessionError(err error)
	// OnDisconnected fires when the provider connection drops uninvited.
	OnDisconnected(err error)
}
