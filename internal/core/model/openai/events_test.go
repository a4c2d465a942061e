package openai

import (
	"encoding/base64"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay-voice-engine/internal/config"
	"github.com/relaymesh/relay-voice-engine/internal/core/model/provider"
)

type observedDone struct {
	responseID string
	transcript string
	cancelled  bool
}

type fakeObserver struct {
	mu              sync.Mutex
	ready           int
	started         []string
	audio           map[string][]byte
	done            []observedDone
	speechStarts    int
	userTranscripts []string
	sessionErrs     []error
	disconnects     []error
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{audio: make(map[string][]byte)}
}

func (o *fakeObserver) OnSessionReady() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ready++
}

func (o *fakeObserver) OnResponseStarted(responseID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, responseID)
}

func (o *fakeObserver) OnResponseAudio(responseID string, pcm []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.audio[responseID] = append(o.audio[responseID], pcm...)
}

func (o *fakeObserver) OnResponseDone(responseID, transcript string, cancelled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done = append(o.done, observedDone{responseID, transcript, cancelled})
}

func (o *fakeObserver) OnUserSpeechStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.speechStarts++
}

func (o *fakeObserver) OnUserTranscript(transcript string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.userTranscripts = append(o.userTranscripts, transcript)
}

func (o *fakeObserver) OnSessionError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessionErrs = append(o.sessionErrs, err)
}

func (o *fakeObserver) OnDisconnected(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disconnects = append(o.disconnects, err)
}

func newTestAdapter() (*Adapter, *fakeObserver) {
	obs := newFakeObserver()
	cfg := &config.EngineConfig{OpenAIModel: "gpt-realtime"}
	return NewAdapter(cfg, obs), obs
}

func TestDispatchSessionReadyFiresOnce(t *testing.T) {
	a, obs := newTestAdapter()

	a.dispatchEvent([]byte(`{"type":"session.created"}`))
	a.dispatchEvent([]byte(`{"type":"session.updated"}`))

	assert.Equal(t, 1, obs.ready)
}

func TestDispatchResponseStarted(t *testing.T) {
	a, obs := newTestAdapter()

	a.dispatchEvent([]byte(`{"type":"response.created","response":{"id":"resp_1"}}`))
	a.dispatchEvent([]byte(`{"type":"response.created","response":{}}`))

	assert.Equal(t, []string{"resp_1"}, obs.started)
}

func TestDispatchAudioDelta(t *testing.T) {
	a, obs := newTestAdapter()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	payload := fmt.Sprintf(`{"type":"response.output_audio.delta","response_id":"resp_1","delta":%q}`,
		base64.StdEncoding.EncodeToString(pcm))
	a.dispatchEvent([]byte(payload))

	assert.Equal(t, pcm, obs.audio["resp_1"])

	// Garbage base64 is dropped, not delivered.
	a.dispatchEvent([]byte(`{"type":"response.output_audio.delta","response_id":"resp_1","delta":"!!!"}`))
	assert.Equal(t, pcm, obs.audio["resp_1"])
}

func TestDispatchResponseDone(t *testing.T) {
	a, obs := newTestAdapter()

	a.dispatchEvent([]byte(`{
		"type": "response.done",
		"response": {
			"id": "resp_1",
			"status": "completed",
			"output": [
				{"type": "message", "content": [{"type": "output_audio", "transcript": "Hello there."}]}
			]
		}
	}`))

	require.Len(t, obs.done, 1)
	assert.Equal(t, "resp_1", obs.done[0].responseID)
	assert.Equal(t, "Hello there.", obs.done[0].transcript)
	assert.False(t, obs.done[0].cancelled)
}

func TestDispatchResponseDoneCancelled(t *testing.T) {
	a, obs := newTestAdapter()

	a.dispatchEvent([]byte(`{
		"type": "response.done",
		"response": {"id": "resp_1", "status": "cancelled", "output": []}
	}`))

	require.Len(t, obs.done, 1)
	assert.True(t, obs.done[0].cancelled)
	assert.Empty(t, obs.done[0].transcript)
}

func TestDispatchSpeechStarted(t *testing.T) {
	a, obs := newTestAdapter()

	a.dispatchEvent([]byte(`{"type":"input_audio_buffer.speech_started"}`))
	assert.Equal(t, 1, obs.speechStarts)
}

func TestDispatchUserTranscript(t *testing.T) {
	a, obs := newTestAdapter()

	a.dispatchEvent([]byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"no"}`))
	// Short utterances still matter; "no" must reach the orchestrator.
	assert.Equal(t, []string{"no"}, obs.userTranscripts)

	// Whitespace-only transcripts are noise.
	a.dispatchEvent([]byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"  "}`))
	assert.Len(t, obs.userTranscripts, 1)
}

func TestDispatchCancelRaceIsBenign(t *testing.T) {
	a, obs := newTestAdapter()

	a.dispatchEvent([]byte(`{"type":"error","error":{"code":"response_cancel_not_active","message":"no active response"}}`))
	assert.Empty(t, obs.sessionErrs)

	a.dispatchEvent([]byte(`{"type":"error","error":{"code":"server_error","message":"boom"}}`))
	require.Len(t, obs.sessionErrs, 1)
	assert.Contains(t, obs.sessionErrs[0].Error(), "boom")
}

func TestDispatchIgnoresGarbage(t *testing.T) {
	a, obs := newTestAdapter()

	a.dispatchEvent([]byte(`not json`))
	a.dispatchEvent([]byte(`{"no_type_field":true}`))
	a.dispatchEvent([]byte(`{"type":"some.future.event"}`))

	assert.Zero(t, obs.ready)
	assert.Empty(t, obs.started)
	assert.Empty(t, obs.sessionErrs)
}

func TestExtractOutputTranscriptJoinsParts(t *testing.T) {
	response := map[string]interface{}{
		"output": []interface{}{
			map[string]interface{}{
				"type": "message",
				"content": []interface{}{
					map[string]interface{}{"type": "audio", "transcript": "First part."},
				},
			},
			map[string]interface{}{"type": "function_call"},
			map[string]interface{}{
				"type": "message",
				"content": []interface{}{
					map[string]interface{}{"type": "output_audio", "transcript": "Second part."},
				},
			},
		},
	}

	assert.Equal(t, "First part. Second part.", extractOutputTranscript(response))
}

func sessionAudioOutput(t *testing.T, update map[string]interface{}) map[string]interface{} {
	t.Helper()
	session, ok := update["session"].(map[string]interface{})
	require.True(t, ok)
	audio, ok := session["audio"].(map[string]interface{})
	require.True(t, ok)
	output, ok := audio["output"].(map[string]interface{})
	require.True(t, ok)
	return output
}

func TestBuildSessionUpdateClampsSpeed(t *testing.T) {
	a, _ := newTestAdapter()

	update := a.buildSessionUpdate(&provider.SessionParams{CallSID: "CA_1", Speed: 3.0})
	output := sessionAudioOutput(t, update)
	assert.Equal(t, 1.5, output["speed"])

	update = a.buildSessionUpdate(&provider.SessionParams{CallSID: "CA_1", Speed: 0.1})
	output = sessionAudioOutput(t, update)
	assert.Equal(t, 0.25, output["speed"])

	update = a.buildSessionUpdate(&provider.SessionParams{CallSID: "CA_1"})
	output = sessionAudioOutput(t, update)
	_, hasSpeed := output["speed"]
	assert.False(t, hasSpeed)
	assert.Equal(t, config.DefaultVoice, output["voice"])
}
