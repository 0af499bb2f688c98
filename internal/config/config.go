package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/orient-bot/policy-sidecar/internal/approval"
	"github.com/orient-bot/policy-sidecar/internal/auth"
	"github.com/orient-bot/policy-sidecar/internal/policy"
	"github.com/orient-bot/policy-sidecar/internal/server"
)

// Webhook routes approvals for one platform to an HTTP relay. Secret signs
// traffic in both directions.
type Webhook struct {
	Platform string
	URL      string
	Secret   string
}

type Config struct {
	LogLevel       string
	DBPath         string
	PolicyFile     string
	DefaultAction  policy.Action
	Webhooks       []Webhook
	WebhookTimeout time.Duration
	Server         server.Config
	Approval       approval.Config
	Auth           auth.Config
}

// Load reads the sidecar configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DBPath:         getEnv("DB_PATH", "./db/policy.db"),
		PolicyFile:     getEnv("POLICY_FILE", "./policies.yaml"),
		DefaultAction:  policy.Action(strings.ToLower(getEnv("DEFAULT_ACTION", string(policy.ActionAllow)))),
		WebhookTimeout: getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		Server: server.Config{
			Port:            getEnvInt("PORT", 8080),
			ReadTimeout:     getEnvDuration("READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("WRITE_TIMEOUT", 0),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Approval: approval.Config{
			Timeout:  getEnvDuration("APPROVAL_TIMEOUT", approval.DefaultTimeout),
			GrantTTL: getEnvDuration("GRANT_TTL", 0),
		},
		Auth: auth.Config{
			JWTSecret:       os.Getenv("JWT_SECRET"),
			TokenExpiration: getEnvDuration("TOKEN_EXPIRATION", 24*time.Hour),
			RequireAuth:     getEnvBool("REQUIRE_AUTH", false),
		},
	}

	if cfg.DefaultAction != policy.ActionAllow && cfg.DefaultAction != policy.ActionDeny {
		return Config{}, fmt.Errorf("DEFAULT_ACTION must be allow or deny, got %q", cfg.DefaultAction)
	}

	webhooks, err := ParseWebhooks(os.Getenv("WEBHOOK_ADAPTERS"))
	if err != nil {
		return Config{}, fmt.Errorf("WEBHOOK_ADAPTERS: %w", err)
	}
	if err := applySecrets(webhooks, os.Getenv("WEBHOOK_SECRETS")); err != nil {
		return Config{}, fmt.Errorf("WEBHOOK_SECRETS: %w", err)
	}
	cfg.Webhooks = webhooks

	accounts, err := auth.ParseAccounts(os.Getenv("AUTH_USERS"))
	if err != nil {
		return Config{}, fmt.Errorf("AUTH_USERS: %w", err)
	}
	if cfg.Auth.RequireAuth && len(accounts) == 0 {
		return Config{}, fmt.Errorf("AUTH_USERS must be set when REQUIRE_AUTH is enabled")
	}
	cfg.Auth.Accounts = accounts

	return cfg, nil
}

// ParseWebhooks reads comma separated platform=url pairs.
func ParseWebhooks(spec string) ([]Webhook, error) {
	pairs, err := parsePairs(spec, "url")
	if err != nil {
		return nil, err
	}

	webhooks := make([]Webhook, 0, len(pairs))
	for _, p := range pairs {
		if p.key == server.DashboardPlatform {
			return nil, fmt.Errorf("platform %q is reserved for the dashboard", p.key)
		}
		webhooks = append(webhooks, Webhook{Platform: p.key, URL: p.value})
	}
	return webhooks, nil
}

// applySecrets reads comma separated platform=secret pairs. Every webhook
// needs one, since unsigned callbacks are refused.
func applySecrets(webhooks []Webhook, spec string) error {
	pairs, err := parsePairs(spec, "secret")
	if err != nil {
		return err
	}

	index := make(map[string]int, len(webhooks))
	for i, wh := range webhooks {
		index[wh.Platform] = i
	}

	for _, p := range pairs {
		i, ok := index[p.key]
		if !ok {
			return fmt.Errorf("secret for unconfigured platform %q", p.key)
		}
		webhooks[i].Secret = p.value
	}

	for _, wh := range webhooks {
		if wh.Secret == "" {
			return fmt.Errorf("no secret for platform %q", wh.Platform)
		}
	}
	return nil
}

type pair struct {
	key   string
	value string
}

func parsePairs(spec, valueName string) ([]pair, error) {
	var pairs []pair
	seen := make(map[string]bool)

	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		key, value, ok := strings.Cut(entry, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("malformed entry %q, want platform=%s", entry, valueName)
		}
		if seen[key] {
			return nil, fmt.Errorf("duplicate platform %q", key)
		}
		seen[key] = true

		pairs = append(pairs, pair{key: key, value: value})
	}
	return pairs, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s", "5m") or plain seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
