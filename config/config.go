package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultVoiceLiveAPIVersion = "2025-05-01-preview"
	DefaultVoiceLiveModel      = "gpt-4o"
	DefaultVoiceName           = "en-US-Ava:DragonHDLatestNeural"
)

// Config holds all server configuration
type Config struct {
	Port             int
	RedisURL         string
	RedisPassword    string
	MaxSessions      int
	SessionTimeout   time.Duration
	AllowedOrigins   []string
	KeepAlivePeriod  time.Duration
	MaxBufferSize    int  // Maximum early-audio buffer size in bytes per session
	BufferEarlyAudio bool // Hold client audio received before upstream is ready

	// Azure Voice Live upstream
	AzureSpeechEndpoint string
	AzureSpeechKey      string
	VoiceLiveAPIVersion string
	VoiceLiveModel      string
	VoiceName           string
	Instructions        string

	// Optional session lifecycle notifications
	MQTTBroker      string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string
}

// Endpoint returns the Azure Speech resource endpoint.
func (c *Config) Endpoint() string { return c.AzureSpeechEndpoint }

// APIKey returns the Azure Speech resource key.
func (c *Config) APIKey() string { return c.AzureSpeechKey }

// LoadConfig loads configuration from environment variables with defaults.
// Missing Azure credentials are not an error here; a relay session reports
// them when it tries to reach the upstream service.
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Port:                8080,
		RedisURL:            "localhost:6379",
		MaxSessions:         100,
		SessionTimeout:      30 * time.Minute,
		AllowedOrigins:      []string{"*"},
		KeepAlivePeriod:     30 * time.Second,
		MaxBufferSize:       512 * 1024,
		VoiceLiveAPIVersion: DefaultVoiceLiveAPIVersion,
		VoiceLiveModel:      DefaultVoiceLiveModel,
		VoiceName:           DefaultVoiceName,
		Instructions:        DefaultInstructions,
		MQTTClientID:        "voicelive-relay",
		MQTTTopicPrefix:     "voicelive",
	}

	config.AzureSpeechEndpoint = strings.TrimSpace(os.Getenv("AZURE_SPEECH_ENDPOINT"))
	config.AzureSpeechKey = strings.TrimSpace(os.Getenv("AZURE_SPEECH_KEY"))

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		config.Port = p
	}

	if v := os.Getenv("VOICELIVE_API_VERSION"); v != "" {
		config.VoiceLiveAPIVersion = v
	}
	if v := os.Getenv("VOICELIVE_MODEL"); v != "" {
		config.VoiceLiveModel = v
	}
	if v := os.Getenv("VOICELIVE_VOICE"); v != "" {
		config.VoiceName = v
	}
	if v := os.Getenv("VOICELIVE_INSTRUCTIONS"); v != "" {
		config.Instructions = v
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.RedisURL = redisURL
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		config.RedisPassword = redisPassword
	}

	if maxSessions := os.Getenv("MAX_SESSIONS"); maxSessions != "" {
		m, err := strconv.Atoi(maxSessions)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_SESSIONS: %w", err)
		}
		config.MaxSessions = m
	}

	// SESSION_TIMEOUT is in minutes
	if timeout := os.Getenv("SESSION_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SESSION_TIMEOUT: %w", err)
		}
		config.SessionTimeout = time.Duration(t) * time.Minute
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = splitList(origins)
	}

	// KEEPALIVE_PERIOD is in seconds, 0 disables pings
	if keepalive := os.Getenv("KEEPALIVE_PERIOD"); keepalive != "" {
		k, err := strconv.Atoi(keepalive)
		if err != nil {
			return nil, fmt.Errorf("invalid KEEPALIVE_PERIOD: %w", err)
		}
		config.KeepAlivePeriod = time.Duration(k) * time.Second
	}

	if bufferSize := os.Getenv("MAX_BUFFER_SIZE"); bufferSize != "" {
		b, err := strconv.Atoi(bufferSize)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_BUFFER_SIZE: %w", err)
		}
		config.MaxBufferSize = b
	}

	if early := os.Getenv("BUFFER_EARLY_AUDIO"); early != "" {
		b, err := strconv.ParseBool(early)
		if err != nil {
			return nil, fmt.Errorf("invalid BUFFER_EARLY_AUDIO: %w", err)
		}
		config.BufferEarlyAudio = b
	}

	config.MQTTBroker = os.Getenv("MQTT_BROKER")
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		config.MQTTClientID = v
	}
	config.MQTTUsername = os.Getenv("MQTT_USERNAME")
	config.MQTTPassword = os.Getenv("MQTT_PASSWORD")
	if v := os.Getenv("MQTT_TOPIC_PREFIX"); v != "" {
		config.MQTTTopicPrefix = strings.Trim(v, "/")
	}

	return config, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
