// Package config loads the voice bridge's configuration from environment
// variables with explicit defaults and no framework: a flat struct plus
// a block of named constants for the defaults each field falls back to.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults for keys a caller doesn't set. Connection timeouts mirror §5 of
// the specification this config loader fulfils.
const (
	DefaultModelID             = "gpt-4o-realtime-preview"
	DefaultVoice               = "alloy"
	DefaultInputRate           = 16000
	DefaultOutputRate          = 24000
	DefaultEncoding            = "pcm16"
	DefaultTurnDetectionType   = "server_vad"
	DefaultFunctionTimeout     = 30 * time.Second
	DefaultHangupDelay         = 8 * time.Second
	DefaultIngressInactivityMs = 2000
	DefaultConnectTimeout      = 10 * time.Second
	DefaultHandshakeTimeout    = 15 * time.Second
	DefaultListenAddr          = ":8080"
	DefaultRecordingDir        = "./recordings"
)

// Config holds every recognized key from §6 of the specification.
type Config struct {
	// Connection
	OpenAIAPIKey            string
	ModelID                 string
	Voice                   string
	Temperature             float64
	MaxResponseOutputTokens int
	Instructions            string
	RealtimeURL             string

	// Audio
	InputRate  int
	OutputRate int
	Encoding   string

	// VAD
	SpeechThreshold     float64
	SilenceThreshold    float64
	MinSpeechDurationMs int
	ForceStopTimeoutMs  int

	// Turn detection
	TurnDetectionType       string
	TurnDetectionThreshold  float64
	TurnDetectionPrefixMs   int
	TurnDetectionSilenceMs  int
	TurnDetectionAutoCreate bool

	// Recording
	RecordingEnabled bool
	RecordingDir     string

	// Timeouts
	FunctionTimeout     time.Duration
	HangupDelay         time.Duration
	IngressInactivityMs int
	ConnectTimeout      time.Duration
	HandshakeTimeout    time.Duration

	// Local model substitute
	UseLocalModel bool
	LocalModelURL string

	// Process composition
	ListenAddr  string
	DatabaseURL string
}

// Load reads Config from the process environment, applying defaults for
// every key except OPENAI_API_KEY, which is required: a missing key fails
// fast before any peer contact is attempted, per the Configuration error
// policy. The one exception is the local-model substitute, which needs no
// upstream credentials.
func Load() (*Config, error) {
	useLocalModel := getBool("VOICEBRIDGE_USE_LOCAL_MODEL", false)
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" && !useLocalModel {
		return nil, fmt.Errorf("config: OPENAI_API_KEY is required")
	}

	cfg := &Config{
		OpenAIAPIKey:            apiKey,
		ModelID:                 getString("VOICEBRIDGE_MODEL_ID", DefaultModelID),
		Voice:                   getString("VOICEBRIDGE_VOICE", DefaultVoice),
		Temperature:             getFloat("VOICEBRIDGE_TEMPERATURE", 0),
		MaxResponseOutputTokens: getInt("VOICEBRIDGE_MAX_OUTPUT_TOKENS", 0),
		Instructions:            getString("VOICEBRIDGE_INSTRUCTIONS", ""),
		RealtimeURL:             getString("VOICEBRIDGE_REALTIME_URL", ""),

		InputRate:  getInt("VOICEBRIDGE_INPUT_RATE", DefaultInputRate),
		OutputRate: getInt("VOICEBRIDGE_OUTPUT_RATE", DefaultOutputRate),
		Encoding:   getString("VOICEBRIDGE_ENCODING", DefaultEncoding),

		SpeechThreshold:     getFloat("VOICEBRIDGE_VAD_SPEECH_THRESHOLD", 0.5),
		SilenceThreshold:    getFloat("VOICEBRIDGE_VAD_SILENCE_THRESHOLD", 0.6),
		MinSpeechDurationMs: getInt("VOICEBRIDGE_VAD_MIN_SPEECH_MS", 500),
		ForceStopTimeoutMs:  getInt("VOICEBRIDGE_VAD_FORCE_STOP_MS", 2000),

		TurnDetectionType:      getString("VOICEBRIDGE_TURN_DETECTION_TYPE", DefaultTurnDetectionType),
		TurnDetectionThreshold: getFloat("VOICEBRIDGE_TURN_DETECTION_THRESHOLD", 0.5),
		TurnDetectionPrefixMs:  getInt("VOICEBRIDGE_TURN_DETECTION_PREFIX_MS", 300),
		TurnDetectionSilenceMs: getInt("VOICEBRIDGE_TURN_DETECTION_SILENCE_MS", 500),
		// Always false: the bridge is explicit-only about response.create
		// (DESIGN.md decision) and never asks the model peer to
		// auto-create responses, regardless of what's configured here.
		TurnDetectionAutoCreate: false,

		RecordingEnabled: getBool("VOICEBRIDGE_RECORDING_ENABLED", true),
		RecordingDir:     getString("VOICEBRIDGE_RECORDING_DIR", DefaultRecordingDir),

		FunctionTimeout:     getDuration("VOICEBRIDGE_FUNCTION_TIMEOUT", DefaultFunctionTimeout),
		HangupDelay:         getDuration("VOICEBRIDGE_HANGUP_DELAY", DefaultHangupDelay),
		IngressInactivityMs: getInt("VOICEBRIDGE_INGRESS_INACTIVITY_MS", DefaultIngressInactivityMs),
		ConnectTimeout:      getDuration("VOICEBRIDGE_CONNECT_TIMEOUT", DefaultConnectTimeout),
		HandshakeTimeout:    getDuration("VOICEBRIDGE_HANDSHAKE_TIMEOUT", DefaultHandshakeTimeout),

		UseLocalModel: useLocalModel,
		LocalModelURL: getString("VOICEBRIDGE_LOCAL_MODEL_URL", ""),

		ListenAddr:  getString("VOICEBRIDGE_LISTEN_ADDR", DefaultListenAddr),
		DatabaseURL: getString("DATABASE_URL", ""),
	}

	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return nil, fmt.Errorf("config: VOICEBRIDGE_TEMPERATURE must be in [0,2], got %v", cfg.Temperature)
	}
	if cfg.Encoding != "pcm16" && cfg.Encoding != "mulaw" {
		return nil, fmt.Errorf("config: VOICEBRIDGE_ENCODING must be pcm16 or mulaw, got %q", cfg.Encoding)
	}

	return cfg, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
