package openai

import (
	"github.com/relaymesh/relay-voice-engine/internal/config"
	"github.com/relaymesh/relay-voice-engine/internal/core/model/provider"
)

const transcriptionModel = "gpt-4o-transcribe"

// buildSessionUpdate builds the session.update event for a call. Audio is
// PCM16 at the model rate on both legs; the caller's turn detection comes in
// already resolved for the session's voice.
func (a *Adapter) buildSessionUpdate(params *provider.SessionParams) map[string]interface{} {
	voice := params.Voice
	if voice == "" {
		voice = config.DefaultVoice
	}

	output := map[string]interface{}{
		"voice": voice,
		"format": map[string]interface{}{
			"type": "audio/pcm",
			"rate": config.ModelSampleRate,
		},
	}
	// OpenAI accepts speed between 0.25 and 1.5
	if params.Speed > 0 {
		speed := params.Speed
		if speed < 0.25 {
			speed = 0.25
		}
		if speed > 1.5 {
			speed = 1.5
		}
		output["speed"] = speed
	}

	transcription := map[string]interface{}{
		"model": transcriptionModel,
	}
	if params.Language != "" {
		transcription["language"] = params.Language
	}

	session := map[string]interface{}{
		"type":  "realtime",
		"model": a.cfg.OpenAIModel,
		"audio": map[string]interface{}{
			"output": output,
			"input": map[string]interface{}{
				"format": map[string]interface{}{
					"type": "audio/pcm",
					"rate": config.ModelSampleRate,
				},
				"noise_reduction": map[string]interface{}{
					"type": "far_field",
				},
				"transcription": transcription,
				"turn_detection": map[string]interface{}{
					"type":                "server_vad",
					"threshold":           params.TurnDetection.Threshold,
					"prefix_padding_ms":   params.TurnDetection.PrefixPaddingMs,
					"silence_duration_ms": params.TurnDetection.SilenceDurationMs,
				},
			},
		},
		"include": []string{
			"item.input_audio_transcription.logprobs",
		},
	}

	if params.Instructions != "" {
		session["instructions"] = params.Instructions
	}

	return map[string]interface{}{
		"type":    "session.update",
		"session": session,
	}
}
