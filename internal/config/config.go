package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string
	PublicHost  string

	PhoneProvider string
	STTProvider   string
	TTSProvider   string
	LLMProvider   string
	Persistence   string

	MaxConsecutiveErrors int
	RemoveLogsOnStartup  bool
	AdminAPIKey          string

	TwilioAccountSID string
	TwilioAuthToken  string
	TelnyxAPIKey     string
	TelnyxPublicKey  string

	AssemblyAIKey      string
	DeepgramKey        string
	ElevenLabsKey      string
	ElevenLabsVoiceID  string
	LLMAPIKey          string
	LLMModel           string
	OutboundSTTEnabled bool

	RAGBaseURL        string
	RAGConnectTimeout time.Duration
	RAGReadTimeout    time.Duration
	RAGTestTimeout    time.Duration
	LLMReadTimeout    time.Duration

	CalendarBaseURL string
	LeadsBaseURL    string

	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	InboundHighWater    int
	OutboundFrameBuffer int

	SQLitePath string
	LogDir     string
	LogLevel   string
	LogFormat  string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file loaded")
	}

	cfg := Config{
		HTTPAddress:          getEnv("HTTP_ADDRESS", ":8080"),
		PublicHost:           os.Getenv("PUBLIC_HOST"),
		PhoneProvider:        getEnv("PHONE_PROVIDER", "twilio"),
		STTProvider:          getEnv("STT_PROVIDER", "assemblyai"),
		TTSProvider:          getEnv("TTS_PROVIDER", "deepgram"),
		LLMProvider:          getEnv("LLM_PROVIDER", "openai"),
		Persistence:          getEnv("CONVERSATION_PERSISTENCE", "local"),
		MaxConsecutiveErrors: getEnvInt("MAX_CONSECUTIVE_ERRORS", 3),
		RemoveLogsOnStartup:  getEnvBool("REMOVE_LOGS_UPON_STARTUP", false),
		AdminAPIKey:          os.Getenv("ADMIN_API_KEY"),
		TwilioAccountSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TelnyxAPIKey:         os.Getenv("TELNYX_API_KEY"),
		TelnyxPublicKey:      os.Getenv("TELNYX_PUBLIC_KEY"),
		AssemblyAIKey:        os.Getenv("ASSEMBLYAI_API_KEY"),
		DeepgramKey:          os.Getenv("DEEPGRAM_API_KEY"),
		ElevenLabsKey:        os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID:    os.Getenv("ELEVENLABS_VOICE_ID"),
		LLMAPIKey:            os.Getenv("LLM_API_KEY"),
		LLMModel:             getEnv("LLM_MODEL", "gpt-4o-mini"),
		OutboundSTTEnabled:   getEnvBool("OUTBOUND_STT_ENABLED", true),
		RAGBaseURL:           os.Getenv("RAG_BASE_URL"),
		RAGConnectTimeout:    getEnvDuration("RAG_CONNECT_TIMEOUT", 10*time.Second),
		RAGReadTimeout:       getEnvDuration("RAG_READ_TIMEOUT", 80*time.Second),
		RAGTestTimeout:       getEnvDuration("RAG_TEST_TIMEOUT", 5*time.Second),
		LLMReadTimeout:       getEnvDuration("LLM_READ_TIMEOUT", 30*time.Second),
		CalendarBaseURL:      os.Getenv("CALENDAR_BASE_URL"),
		LeadsBaseURL:         os.Getenv("LEADS_BASE_URL"),
		IdleTimeout:          getEnvDuration("IDLE_TIMEOUT", 15*time.Second),
		ShutdownTimeout:      getEnvDuration("SHUTDOWN_TIMEOUT", 5*time.Second),
		InboundHighWater:     getEnvInt("INBOUND_QUEUE_HIGH_WATER", 200),
		OutboundFrameBuffer:  getEnvInt("OUTBOUND_FRAME_BUFFER", 256),
		SQLitePath:           getEnv("SQLITE_PATH", "conversations.db"),
		LogDir:               getEnv("LOG_DIR", "logs"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
	}

	if cfg.AdminAPIKey == "" {
		log.Println("Warning: ADMIN_API_KEY not set - admin endpoints will reject all requests")
	}
	return cfg
}

// Validate rejects option combinations that cannot work together.
func (c Config) Validate() error {
	switch c.PhoneProvider {
	case "twilio", "telnyx":
	default:
		return fmt.Errorf("config: unknown PHONE_PROVIDER %q", c.PhoneProvider)
	}
	switch c.Persistence {
	case "local", "fake":
	case "remote":
		if c.RAGBaseURL == "" {
			return fmt.Errorf("config: CONVERSATION_PERSISTENCE=remote requires RAG_BASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown CONVERSATION_PERSISTENCE %q", c.Persistence)
	}
	if c.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("config: MAX_CONSECUTIVE_ERRORS must be >= 1, got %d", c.MaxConsecutiveErrors)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %d", key, v, defaultValue)
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %v", key, v, defaultValue)
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %s", key, v, defaultValue)
		return defaultValue
	}
	return d
}
