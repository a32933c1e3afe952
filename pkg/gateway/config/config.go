package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// Postgres DSN for the session and transcript store. Empty disables
	// persistence (sessions stay in memory only).
	DatabaseURL string

	// Gemini backend.
	GeminiAPIKey  string
	LiteModel     string
	AdvancedModel string
	ScoringModel  string

	// Phase thresholds.
	Phase1Exchanges int
	Phase1Timeout   time.Duration
	Phase2MinSpeech time.Duration
	Phase2Timeout   time.Duration
	Phase3Exchanges int
	Phase3Timeout   time.Duration
	IdleTimeout     time.Duration

	// Session pipeline tuning.
	TickInterval   time.Duration
	RetryBackoff   time.Duration
	MaxUserTurnLen int

	// Per-principal session admission.
	MaxSessionsPerPrincipal int

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Live WebSocket mode (/v1/sessions).
	WSMaxSessionDuration time.Duration
	WSMaxMessageBytes    int64
	WSPingInterval       time.Duration
	WSWriteTimeout       time.Duration
	WSHandshakeTimeout   time.Duration

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                    envOr("VIVA_ADDR", ":8080"),
		AuthMode:                AuthMode(envOr("VIVA_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                 make(map[string]struct{}),
		DatabaseURL:             strings.TrimSpace(os.Getenv("VIVA_DATABASE_URL")),
		GeminiAPIKey:            strings.TrimSpace(os.Getenv("VIVA_GEMINI_API_KEY")),
		LiteModel:               envOr("VIVA_LITE_MODEL", "gemini-2.5-flash-lite"),
		AdvancedModel:           envOr("VIVA_ADVANCED_MODEL", "gemini-2.5-flash"),
		ScoringModel:            envOr("VIVA_SCORING_MODEL", "gemini-2.5-flash"),
		Phase1Exchanges:         envIntOr("VIVA_PHASE1_EXCHANGES", 5),
		Phase1Timeout:           envDurationOr("VIVA_PHASE1_TIMEOUT", 5*time.Minute),
		Phase2MinSpeech:         envDurationOr("VIVA_PHASE2_MIN_SPEECH", 90*time.Second),
		Phase2Timeout:           envDurationOr("VIVA_PHASE2_TIMEOUT", 4*time.Minute),
		Phase3Exchanges:         envIntOr("VIVA_PHASE3_EXCHANGES", 4),
		Phase3Timeout:           envDurationOr("VIVA_PHASE3_TIMEOUT", 5*time.Minute),
		IdleTimeout:             envDurationOr("VIVA_IDLE_TIMEOUT", 60*time.Second),
		TickInterval:            envDurationOr("VIVA_TICK_INTERVAL", 10*time.Second),
		RetryBackoff:            envDurationOr("VIVA_RETRY_BACKOFF", 500*time.Millisecond),
		MaxUserTurnLen:          envIntOr("VIVA_MAX_USER_TURN_LEN", 8192),
		MaxSessionsPerPrincipal: envIntOr("VIVA_MAX_SESSIONS_PER_PRINCIPAL", 2),
		CORSAllowedOrigins:      make(map[string]struct{}),
		WSMaxSessionDuration:    envDurationOr("VIVA_WS_MAX_DURATION", 30*time.Minute),
		WSMaxMessageBytes:       envInt64Or("VIVA_WS_MAX_MESSAGE_BYTES", 64*1024),
		WSPingInterval:          envDurationOr("VIVA_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:          envDurationOr("VIVA_WS_WRITE_TIMEOUT", 5*time.Second),
		WSHandshakeTimeout:      envDurationOr("VIVA_WS_HANDSHAKE_TIMEOUT", 5*time.Second),
		ReadHeaderTimeout:       envDurationOr("VIVA_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:             envDurationOr("VIVA_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:     envDurationOr("VIVA_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VIVA_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("VIVA_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	for _, origin := range splitCSV(os.Getenv("VIVA_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("VIVA_GEMINI_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.LiteModel) == "" {
		return Config{}, fmt.Errorf("VIVA_LITE_MODEL must not be empty")
	}
	if strings.TrimSpace(cfg.AdvancedModel) == "" {
		return Config{}, fmt.Errorf("VIVA_ADVANCED_MODEL must not be empty")
	}
	if strings.TrimSpace(cfg.ScoringModel) == "" {
		return Config{}, fmt.Errorf("VIVA_SCORING_MODEL must not be empty")
	}
	if cfg.Phase1Exchanges <= 0 {
		return Config{}, fmt.Errorf("VIVA_PHASE1_EXCHANGES must be > 0")
	}
	if cfg.Phase1Timeout <= 0 {
		return Config{}, fmt.Errorf("VIVA_PHASE1_TIMEOUT must be > 0")
	}
	if cfg.Phase2MinSpeech <= 0 {
		return Config{}, fmt.Errorf("VIVA_PHASE2_MIN_SPEECH must be > 0")
	}
	if cfg.Phase2Timeout <= 0 {
		return Config{}, fmt.Errorf("VIVA_PHASE2_TIMEOUT must be > 0")
	}
	if cfg.Phase3Exchanges <= 0 {
		return Config{}, fmt.Errorf("VIVA_PHASE3_EXCHANGES must be > 0")
	}
	if cfg.Phase3Timeout <= 0 {
		return Config{}, fmt.Errorf("VIVA_PHASE3_TIMEOUT must be > 0")
	}
	if cfg.IdleTimeout <= 0 {
		return Config{}, fmt.Errorf("VIVA_IDLE_TIMEOUT must be > 0")
	}
	if cfg.TickInterval <= 0 {
		return Config{}, fmt.Errorf("VIVA_TICK_INTERVAL must be > 0")
	}
	if cfg.RetryBackoff <= 0 {
		return Config{}, fmt.Errorf("VIVA_RETRY_BACKOFF must be > 0")
	}
	if cfg.MaxUserTurnLen <= 0 {
		return Config{}, fmt.Errorf("VIVA_MAX_USER_TURN_LEN must be > 0")
	}
	if cfg.MaxSessionsPerPrincipal <= 0 {
		return Config{}, fmt.Errorf("VIVA_MAX_SESSIONS_PER_PRINCIPAL must be > 0")
	}
	if cfg.WSMaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("VIVA_WS_MAX_DURATION must be > 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VIVA_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VIVA_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VIVA_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VIVA_WS_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VIVA_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VIVA_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VIVA_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VIVA_API_KEYS must be set when VIVA_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
