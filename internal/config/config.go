package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// Wire audio: G.711 mu-law, narrowband mono, 20ms frames.
	WireSampleRate    = 8000
	WireFrameDuration = 20 * time.Millisecond
	WireFrameBytes    = 160

	// Model audio: PCM16 little-endian mono.
	ModelSampleRate = 24000

	DefaultLanguage = "en"
	DefaultVoice    = "marin"

	// Admission defaults. The ceiling is configuration, never a constant in
	// call paths; tenants may carry their own ceiling in their profile.
	DefaultMaxConcurrentCalls = 50
)

// EngineConfig is the process-wide configuration, loaded once at startup.
// Per-call settings are resolved from it (plus the tenant profile) into a
// SessionSettings snapshot when a session starts.
type EngineConfig struct {
	// Server
	Port       string
	Env        string
	InstanceID string
	// PublicHost is the externally reachable https host; the media stream
	// URL and status callback URL are derived from it.
	PublicHost string

	// Admission
	MaxConcurrentCalls int
	SlotTTL            time.Duration
	SlotRefreshEvery   time.Duration
	ReconcileEvery     time.Duration

	// Conversation behavior
	TurnDetection   TurnDetectionConfig
	DefaultLanguage string
	Voice           string
	GoodbyePhrases  []string
	BusyMessage     string
	CancelTimeout   time.Duration
	SilenceTimeout  time.Duration
	SilenceRetries  int
	MaxCallDuration time.Duration
	InactivityCheck time.Duration
	InactivityLimit time.Duration

	// OpenAI realtime
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	// Twilio
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioCallerID   string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Pub/Sub usage + metrics events
	PubSubProjectID string
	PubSubTopic     string
	PubSubPubID     string

	// Call recordings
	RecordingEnabled bool
	RecordingBucket  string

	// Operator API
	SecretKey string
}

// Load reads the engine configuration from the environment. The .env file is
// loaded by main before this runs.
func Load() *EngineConfig {
	return &EngineConfig{
		Port:       getEnv("PORT", "8080"),
		Env:        getEnv("LOG_ENV", "development"),
		InstanceID: getEnv("INSTANCE_ID", ""),
		PublicHost: getEnv("PUBLIC_HOST", ""),

		MaxConcurrentCalls: getEnvAsInt("MAX_CONCURRENT_CALLS", DefaultMaxConcurrentCalls),
		SlotTTL:            getEnvAsDuration("ADMISSION_SLOT_TTL", 2*time.Minute),
		SlotRefreshEvery:   getEnvAsDuration("ADMISSION_SLOT_REFRESH", 45*time.Second),
		ReconcileEvery:     getEnvAsDuration("ADMISSION_RECONCILE_INTERVAL", time.Minute),

		TurnDetection:   LoadTurnDetectionConfig(),
		DefaultLanguage: getEnv("DEFAULT_LANGUAGE", DefaultLanguage),
		Voice:           getEnv("VOICE", DefaultVoice),
		GoodbyePhrases:  splitString(getEnv("GOODBYE_PHRASES", ""), ","),
		BusyMessage:     getEnv("BUSY_MESSAGE", "All of our agents are busy right now. Please call back in a few minutes."),
		CancelTimeout:   getEnvAsDuration("CANCEL_TIMEOUT", 500*time.Millisecond),
		SilenceTimeout:  getEnvAsDuration("SILENCE_TIMEOUT", 15*time.Second),
		SilenceRetries:  getEnvAsInt("SILENCE_MAX_RETRIES", 2),
		MaxCallDuration: getEnvAsDuration("MAX_CALL_DURATION", 5*time.Minute),
		InactivityCheck: getEnvAsDuration("INACTIVITY_CHECK_INTERVAL", 2*time.Minute),
		InactivityLimit: getEnvAsDuration("INACTIVITY_TIMEOUT", 5*time.Minute),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIModel:   getEnv("OPENAI_REALTIME_MODEL", "gpt-realtime"),

		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioCallerID:   getEnv("TWILIO_CALLER_ID", ""),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		PubSubProjectID: getEnv("PUBSUB_PROJECT_ID", ""),
		PubSubTopic:     getEnv("PUBSUB_TOPIC", "voice-engine-events"),
		PubSubPubID:     getEnv("PUBSUB_PUB_ID", "voice-engine"),

		RecordingEnabled: getEnvAsBool("RECORDING_ENABLED", false),
		RecordingBucket:  getEnv("RECORDING_BUCKET", ""),

		SecretKey: getEnv("SECRET_KEY", ""),
	}
}

// StreamURL returns the wss endpoint Twilio connects its media stream to.
func (c *EngineConfig) StreamURL() string {
	host := strings.TrimSuffix(c.PublicHost, "/")
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	return "wss://" + host + "/voice/stream"
}

// StatusCallbackURL returns the public URL Twilio posts call status changes to.
func (c *EngineConfig) StatusCallbackURL() string {
	host := strings.TrimSuffix(c.PublicHost, "/")
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	return "https://" + host + "/voice/status"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvAsDuration gets an environment variable as a duration ("45s", "2m")
// with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// splitString splits a string by delimiter and trims whitespace
func splitString(s, delimiter string) []string {
	parts := strings.Split(s, delimiter)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
