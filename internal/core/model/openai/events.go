package openai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaymesh/relay-voice-engine/pkg/logger"
	"go.uber.org/zap"
)

const (
	errCodeSessionExpired  = "session_expired"
	errCodeCancelNotActive = "response_cancel_not_active"
)

// dispatchEvent routes one server event to the observer. Runs on the read
// loop; the observer must not block.
func (a *Adapter) dispatchEvent(data []byte) {
	var event map[string]interface{}
	if err := json.Unmarshal(data, &event); err != nil {
		logger.Base().Debug("Discarding unparseable realtime event", zap.Error(err))
		return
	}

	eventType, ok := event["type"].(string)
	if !ok {
		return
	}

	// Delta events are far too chatty to log
	if !strings.Contains(eventType, "delta") &&
		!strings.Contains(eventType, "output_audio") &&
		!strings.Contains(eventType, "audio_buffer") {
		logger.Base().Debug("Realtime event",
			zap.String("event_type", eventType),
			zap.String("call_sid", a.callSID()))
	}

	switch eventType {
	case "error":
		a.handleErrorEvent(event)

	case "session.created", "session.updated":
		a.readyOnce.Do(a.observer.OnSessionReady)

	case "response.created":
		if response, ok := event["response"].(map[string]interface{}); ok {
			if id, ok := response["id"].(string); ok && id != "" {
				a.observer.OnResponseStarted(id)
			}
		}

	case "response.output_audio.delta", "response.audio.delta":
		a.handleAudioDelta(event)

	case "response.done":
		a.handleResponseDone(event)

	case "input_audio_buffer.speech_started":
		a.observer.OnUserSpeechStarted()

	case "input_audio_buffer.speech_stopped":
		// Caller stopped; the commit and transcription follow on their own

	case "conversation.item.input_audio_transcription.completed":
		a.handleTranscriptionCompleted(event)

	case "rate_limits.updated":
		a.handleRateLimitsUpdated(event)
	}
}

func (a *Adapter) handleErrorEvent(event map[string]interface{}) {
	var code, message string
	if errorData, ok := event["error"].(map[string]interface{}); ok {
		code, _ = errorData["code"].(string)
		message, _ = errorData["message"].(string)
	}

	// Cancelling a response that already finished is an expected race, the
	// turn simply resolved on its own first.
	if code == errCodeCancelNotActive {
		logger.Base().Debug("Cancel raced with completed response",
			zap.String("call_sid", a.callSID()))
		return
	}

	logger.Base().Error("Realtime error event",
		zap.String("call_sid", a.callSID()),
		zap.String("code", code),
		zap.String("message", message))

	if code == errCodeSessionExpired {
		a.observer.OnSessionError(fmt.Errorf("realtime session expired"))
		return
	}
	a.observer.OnSessionError(fmt.Errorf("realtime error: %s (%s)", message, code))
}

func (a *Adapter) handleAudioDelta(event map[string]interface{}) {
	delta, ok := event["delta"].(string)
	if !ok || delta == "" {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(delta)
	if err != nil {
		logger.Base().Warn("Discarding undecodable audio delta",
			zap.String("call_sid", a.callSID()),
			zap.Error(err))
		return
	}
	responseID, _ := event["response_id"].(string)
	a.observer.OnResponseAudio(responseID, pcm)
}

func (a *Adapter) handleResponseDone(event map[string]interface{}) {
	response, ok := event["response"].(map[string]interface{})
	if !ok {
		return
	}
	responseID, _ := response["id"].(string)
	status, _ := response["status"].(string)
	transcript := extractOutputTranscript(response)

	if usage, ok := response["usage"].(map[string]interface{}); ok {
		totalTokens, _ := usage["total_tokens"].(float64)
		inputTokens, _ := usage["input_tokens"].(float64)
		outputTokens, _ := usage["output_tokens"].(float64)
		logger.Base().Info("Response usage",
			zap.String("call_sid", a.callSID()),
			zap.String("response_id", responseID),
			zap.Float64("total_tokens", totalTokens),
			zap.Float64("input_tokens", inputTokens),
			zap.Float64("output_tokens", outputTokens))
	}

	a.observer.OnResponseDone(responseID, transcript, status == "cancelled")
}

// extractOutputTranscript pulls the spoken text out of a completed
// response's output items.
func extractOutputTranscript(response map[string]interface{}) string {
	output, ok := response["output"].([]interface{})
	if !ok {
		return ""
	}
	var parts []string
	for _, item := range output {
		itemMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if itemType, _ := itemMap["type"].(string); itemType != "message" {
			continue
		}
		content, ok := itemMap["content"].([]interface{})
		if !ok {
			continue
		}
		for _, contentItem := range content {
			contentMap, ok := contentItem.(map[string]interface{})
			if !ok {
				continue
			}
			contentType, _ := contentMap["type"].(string)
			if contentType != "audio" && contentType != "output_audio" {
				continue
			}
			if transcript, ok := contentMap["transcript"].(string); ok && transcript != "" {
				parts = append(parts, transcript)
			}
		}
	}
	return strings.Join(parts, " ")
}

func (a *Adapter) handleTranscriptionCompleted(event map[string]interface{}) {
	transcript, ok := event["transcript"].(string)
	if !ok || strings.TrimSpace(transcript) == "" {
		logger.Base().Debug("Transcription event without transcript",
			zap.String("call_sid", a.callSID()))
		return
	}

	logFields := []zap.Field{
		zap.String("call_sid", a.callSID()),
		zap.String("transcript", transcript),
	}
	if logprobs, ok := event["logprobs"]; ok {
		logFields = append(logFields, zap.Any("logprobs", logprobs))
	}
	logger.Base().Info("User transcript completed", logFields...)

	a.observer.OnUserTranscript(transcript)
}

func (a *Adapter) handleRateLimitsUpdated(event map[string]interface{}) {
	rateLimits, ok := event["rate_limits"].([]interface{})
	if !ok {
		return
	}
	for _, limit := range rateLimits {
		limitMap, ok := limit.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := limitMap["name"].(string)
		remaining, _ := limitMap["remaining"].(float64)
		limitVal, _ := limitMap["limit"].(float64)
		if limitVal > 0 && (remaining/limitVal)*100 < 10 {
			logger.Base().Warn("Rate limit approaching capacity",
				zap.String("name", name),
				zap.Float64("remaining", remaining),
				zap.Float64("limit", limitVal))
		}
	}
}
