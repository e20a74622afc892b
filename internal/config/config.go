package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAgentPrompt  = "You are a friendly phone assistant. Keep answers short and conversational."
	defaultFirstMessage = "Hi, how can I help you today?"
)

// Config contains all runtime settings for the call agent service.
type Config struct {
	BindAddr         string
	PublicURL        string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	AllowAnyOrigin bool

	ElevenLabsAPIKey     string
	ElevenLabsAgentID    string
	ElevenLabsAPIBaseURL string
	AIConnectTimeout     time.Duration
	AISetupDelay         time.Duration

	TwilioAccountSID        string
	TwilioAuthToken         string
	TwilioPhoneNumber       string
	TwilioAPIBaseURL        string
	TwilioValidateSignature bool

	PollInterval                  time.Duration
	ConversationInactivityTimeout time.Duration
	ConversationGracePeriod       time.Duration
	ConversationMaxTracked        int
	JanitorInterval               time.Duration

	DatabaseURL         string
	DefaultAgentPrompt  string
	DefaultFirstMessage string
}

// ConfigurationError reports missing credentials. It is fatal at startup.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return "missing required configuration: " + strings.Join(e.Missing, ", ")
}

// IsConfigurationError reports whether err carries a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		PublicURL:            stringsTrimSpace("APP_PUBLIC_URL"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "callagent"),
		LogLevel:             strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(envOrDefault("APP_LOG_FORMAT", "json")),
		AllowAnyOrigin:       false,
		ElevenLabsAPIKey:     stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsAgentID:    stringsTrimSpace("ELEVENLABS_AGENT_ID"),
		ElevenLabsAPIBaseURL: envOrDefault("ELEVENLABS_API_BASE_URL", "https://api.elevenlabs.io"),
		TwilioAccountSID:     stringsTrimSpace("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      stringsTrimSpace("TWILIO_AUTH_TOKEN"),
		TwilioPhoneNumber:    stringsTrimSpace("TWILIO_PHONE_NUMBER"),
		TwilioAPIBaseURL:     envOrDefault("TWILIO_API_BASE_URL", "https://api.twilio.com/2010-04-01"),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		DefaultAgentPrompt:   envOrDefault("DEFAULT_AGENT_PROMPT", defaultAgentPrompt),
		DefaultFirstMessage:  envOrDefault("DEFAULT_FIRST_MESSAGE", defaultFirstMessage),

		ShutdownTimeout:  15 * time.Second,
		AIConnectTimeout: 10 * time.Second,

		// Short enough that defaults still apply before the callee hears silence.
		AISetupDelay: 100 * time.Millisecond,

		PollInterval:                  3 * time.Second,
		ConversationInactivityTimeout: 5 * time.Minute,
		ConversationGracePeriod:       30 * time.Second,
		ConversationMaxTracked:        1000,
		JanitorInterval:               5 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AIConnectTimeout, err = durationFromEnv("AI_CONNECT_TIMEOUT", cfg.AIConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AISetupDelay, err = durationFromEnv("AI_SETUP_DELAY", cfg.AISetupDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.PollInterval, err = durationFromEnv("POLL_INTERVAL", cfg.PollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ConversationInactivityTimeout, err = durationFromEnv("CONVERSATION_INACTIVITY_TIMEOUT", cfg.ConversationInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConversationGracePeriod, err = durationFromEnv("CONVERSATION_GRACE_PERIOD", cfg.ConversationGracePeriod)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ConversationMaxTracked, err = intFromEnv("CONVERSATION_MAX_TRACKED", cfg.ConversationMaxTracked)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.TwilioValidateSignature, err = boolFromEnv("TWILIO_VALIDATE_SIGNATURE", cfg.TwilioValidateSignature)
	if err != nil {
		return Config{}, err
	}

	var missing []string
	for key, v := range map[string]string{
		"ELEVENLABS_API_KEY":  cfg.ElevenLabsAPIKey,
		"ELEVENLABS_AGENT_ID": cfg.ElevenLabsAgentID,
		"TWILIO_ACCOUNT_SID":  cfg.TwilioAccountSID,
		"TWILIO_AUTH_TOKEN":   cfg.TwilioAuthToken,
	} {
		if v == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Config{}, &ConfigurationError{Missing: missing}
	}

	if cfg.AIConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("AI_CONNECT_TIMEOUT must be positive")
	}
	if cfg.AISetupDelay < 0 {
		return Config{}, fmt.Errorf("AI_SETUP_DELAY must be >= 0")
	}
	if cfg.PollInterval < 500*time.Millisecond {
		return Config{}, fmt.Errorf("POLL_INTERVAL must be at least 500ms")
	}
	if cfg.ConversationInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("CONVERSATION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.ConversationGracePeriod < 0 {
		return Config{}, fmt.Errorf("CONVERSATION_GRACE_PERIOD must be >= 0")
	}
	if cfg.ConversationMaxTracked <= 0 {
		return Config{}, fmt.Errorf("CONVERSATION_MAX_TRACKED must be positive")
	}
	if cfg.TwilioValidateSignature && cfg.PublicURL == "" {
		return Config{}, fmt.Errorf("TWILIO_VALIDATE_SIGNATURE requires APP_PUBLIC_URL")
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return Config{}, fmt.Errorf("APP_LOG_FORMAT must be json or text")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
