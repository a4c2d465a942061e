package config

// TurnDetectionConfig holds server-side voice activity detection parameters.
// Field deployments tune these per account: thresholds between 0.5 and 0.91
// and trailing silence between 450ms and 650ms have all shipped, so nothing
// here is hardcoded in the session path. A zero value means "not pinned by
// the operator" and falls back to the per-voice calibration at session setup.
type TurnDetectionConfig struct {
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// LoadTurnDetectionConfig reads operator-pinned turn detection parameters
// from the environment.
func LoadTurnDetectionConfig() TurnDetectionConfig {
	return TurnDetectionConfig{
		Threshold:         getEnvAsFloat("TURN_DETECT_THRESHOLD", 0),
		PrefixPaddingMs:   getEnvAsInt("TURN_DETECT_PREFIX_PADDING_MS", 0),
		SilenceDurationMs: getEnvAsInt("TURN_DETECT_SILENCE_DURATION_MS", 0),
	}
}

// Resolve fills any unpinned parameter from the per-voice calibration table.
// Pinned values always win so an operator can override per-voice tuning.
func (t TurnDetectionConfig) Resolve(voice string) TurnDetectionConfig {
	resolved := calibrationForVoice(voice)
	if t.Threshold > 0 {
		resolved.Threshold = t.Threshold
	}
	if t.PrefixPaddingMs > 0 {
		resolved.PrefixPaddingMs = t.PrefixPaddingMs
	}
	if t.SilenceDurationMs > 0 {
		resolved.SilenceDurationMs = t.SilenceDurationMs
	}
	return resolved
}

// calibrationForVoice returns tuned VAD parameters per voice. Telephony audio
// is narrowband and carrier DTX produces intermittent silence frames, so the
// trailing silence window stays short across the board.
func calibrationForVoice(voice string) TurnDetectionConfig {
	switch voice {
	case "marin": // English - conversational
		return TurnDetectionConfig{
			Threshold:         0.55,
			PrefixPaddingMs:   200,
			SilenceDurationMs: 500,
		}
	case "alloy": // Neutral voice - conservative settings
		return TurnDetectionConfig{
			Threshold:         0.6,
			PrefixPaddingMs:   250,
			SilenceDurationMs: 550,
		}
	case "verse": // Fast responder, tolerates a lower threshold
		return TurnDetectionConfig{
			Threshold:         0.5,
			PrefixPaddingMs:   200,
			SilenceDurationMs: 450,
		}
	case "nova": // Tonal languages - more sensitivity, more padding
		return TurnDetectionConfig{
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		}
	case "amber": // Fast-paced speech - less padding
		return TurnDetectionConfig{
			Threshold:         0.52,
			PrefixPaddingMs:   150,
			SilenceDurationMs: 450,
		}
	default:
		return TurnDetectionConfig{
			Threshold:         0.6,
			PrefixPaddingMs:   250,
			SilenceDurationMs: 550,
		}
	}
}
