package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend selects the persistence engine.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
	BackendMemory   Backend = "memory"
)

// Config carries all environment-driven settings for the bot process.
type Config struct {
	ListenAddr   string
	WebhookToken string

	ChatAPIBaseURL string
	ChatToken      string

	Backend     Backend
	PostgresDSN string
	SQLitePath  string

	MediaDir string

	TranscribeAPIKey  string
	TranscribeBaseURL string
	SummarizeAPIKey   string
	SummarizeBaseURL  string

	AuthSecret string

	DevUserIDs []int64

	ReplyRatePerSecond int
	ReplyBurst         int

	ShutdownTimeout time.Duration
}

// Load reads .env (when present) and the process environment.
func Load() (Config, error) {
	// Missing .env is fine; variables may come from the real environment.
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:         getenv("EXECBRIEF_LISTEN_ADDR", ":8080"),
		WebhookToken:       os.Getenv("EXECBRIEF_WEBHOOK_TOKEN"),
		ChatAPIBaseURL:     getenv("EXECBRIEF_CHAT_API_URL", "https://api.telegram.org"),
		ChatToken:          os.Getenv("EXECBRIEF_CHAT_TOKEN"),
		Backend:            Backend(getenv("EXECBRIEF_BACKEND", string(BackendSQLite))),
		PostgresDSN:        os.Getenv("EXECBRIEF_PG_DSN"),
		SQLitePath:         getenv("EXECBRIEF_SQLITE_PATH", "./data/execbrief.db"),
		MediaDir:           getenv("EXECBRIEF_MEDIA_DIR", "./data/media"),
		TranscribeAPIKey:   os.Getenv("TRANSCRIBE_API_KEY"),
		TranscribeBaseURL:  getenv("TRANSCRIBE_BASE_URL", "https://api.assemblyai.com"),
		SummarizeAPIKey:    os.Getenv("SUMMARIZE_API_KEY"),
		SummarizeBaseURL:   getenv("SUMMARIZE_BASE_URL", "https://generativelanguage.googleapis.com"),
		AuthSecret:         os.Getenv("EXECBRIEF_AUTH_SECRET"),
		ReplyRatePerSecond: getenvInt("EXECBRIEF_REPLY_RATE", 25),
		ReplyBurst:         getenvInt("EXECBRIEF_REPLY_BURST", 5),
		ShutdownTimeout:    10 * time.Second,
	}

	ids, err := ParseIDList(os.Getenv("DEV_USER_IDS"))
	if err != nil {
		return Config{}, fmt.Errorf("parse DEV_USER_IDS: %w", err)
	}
	cfg.DevUserIDs = ids

	switch cfg.Backend {
	case BackendPostgres:
		if cfg.PostgresDSN == "" {
			return Config{}, fmt.Errorf("EXECBRIEF_PG_DSN is required for the postgres backend")
		}
	case BackendSQLite, BackendMemory:
	default:
		return Config{}, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return cfg, nil
}

// ParseIDList parses a comma-separated list of numeric user ids.
func ParseIDList(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", p)
		}
		out = append(out, id)
	}
	return out, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
