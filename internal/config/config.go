package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DBFile      string
	AdminAddr   string
	APIAddr     string
	BaseURL     string
	AuthSecret  string
	TokenExpiry time.Duration
	TokenIssuer string

	TypingTimeout    time.Duration
	AllowedOrigins   []string
	MaxMessageLength int
	SendBuffer       int

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
	PushWorkers     int
}

func Load(cliMode bool) (*Config, error) {
	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, fmt.Errorf("TOKEN_EXPIRY: %w", err)
	}
	typingTimeout, err := time.ParseDuration(getEnv("TYPING_TIMEOUT", "3s"))
	if err != nil {
		return nil, fmt.Errorf("TYPING_TIMEOUT: %w", err)
	}
	maxMessageLength, err := strconv.Atoi(getEnv("MAX_MESSAGE_LENGTH", "4000"))
	if err != nil {
		return nil, fmt.Errorf("MAX_MESSAGE_LENGTH: %w", err)
	}
	sendBuffer, err := strconv.Atoi(getEnv("SEND_BUFFER", "256"))
	if err != nil {
		return nil, fmt.Errorf("SEND_BUFFER: %w", err)
	}
	pushWorkers, err := strconv.Atoi(getEnv("PUSH_WORKERS", "4"))
	if err != nil {
		return nil, fmt.Errorf("PUSH_WORKERS: %w", err)
	}

	cfg := &Config{
		DBFile:      getEnv("HAVEN_DB", "haven.db"),
		AdminAddr:   getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:     getEnv("API_ADDR", ":8080"),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
		AuthSecret:  os.Getenv("AUTH_SECRET"),
		TokenExpiry: tokenExpiry,
		TokenIssuer: getEnv("TOKEN_ISSUER", "haven"),

		TypingTimeout:    typingTimeout,
		AllowedOrigins:   splitList(getEnv("ALLOWED_ORIGINS", "*")),
		MaxMessageLength: maxMessageLength,
		SendBuffer:       sendBuffer,

		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubject:    getEnv("VAPID_SUBJECT", "mailto:admin@localhost"),
		PushWorkers:     pushWorkers,
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}
	if c.AuthSecret != "" && len(c.AuthSecret) < 16 {
		return fmt.Errorf("AUTH_SECRET must be at least 16 characters")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}
	if c.TypingTimeout <= 0 {
		return fmt.Errorf("TYPING_TIMEOUT must be greater than 0")
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be greater than 0")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be greater than 0")
	}
	if c.PushWorkers <= 0 {
		return fmt.Errorf("PUSH_WORKERS must be greater than 0")
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
