package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/velasquezlegal/timeledger/internal/auth"
	"github.com/velasquezlegal/timeledger/internal/tenant"
)

// Config contains runtime configuration required by the service.
type Config struct {
	DBURL      string
	AMQPURL    string
	Exchange   string
	ListenAddr string

	RelayInterval  time.Duration
	RelayBatchSize int
	IdempotencyTTL time.Duration

	// APIKeys maps apiKey -> authenticated credential.
	APIKeys map[string]auth.Credential
}

// Load reads required values from environment variables.
//
// API_KEYS format: "key:firm:user:role,key:firm:user:role"
func Load() (Config, error) {
	dbURL := strings.TrimSpace(os.Getenv("DB_URL"))
	if dbURL == "" {
		return Config{}, errors.New("DB_URL required")
	}

	amqpURL := strings.TrimSpace(os.Getenv("AMQP_URL"))
	if amqpURL == "" {
		return Config{}, errors.New("AMQP_URL required")
	}

	cfg := Config{
		DBURL:          dbURL,
		AMQPURL:        amqpURL,
		Exchange:       envDefault("EVENT_EXCHANGE", "timeledger.events"),
		ListenAddr:     envDefault("LISTEN_ADDR", ":8080"),
		RelayInterval:  3 * time.Second,
		RelayBatchSize: 100,
		IdempotencyTTL: 24 * time.Hour,
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_INTERVAL")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("RELAY_INTERVAL must be a positive duration: %q", raw)
		}

		cfg.RelayInterval = d
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_BATCH_SIZE")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("RELAY_BATCH_SIZE must be a positive integer: %q", raw)
		}

		cfg.RelayBatchSize = n
	}

	if raw := strings.TrimSpace(os.Getenv("IDEMPOTENCY_TTL")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("IDEMPOTENCY_TTL must be a positive duration: %q", raw)
		}

		cfg.IdempotencyTTL = d
	}

	apiKeys, err := parseAPIKeys(os.Getenv("API_KEYS"))
	if err != nil {
		return Config{}, err
	}

	// Local dev fallback so the service runs out-of-the-box.
	if len(apiKeys) == 0 {
		apiKeys = map[string]auth.Credential{
			"attorney-key-123": {UserID: "user1", FirmID: "firm1", Role: tenant.RoleAttorney},
			"partner-key-123":  {UserID: "user2", FirmID: "firm1", Role: tenant.RolePartner},
		}
	}

	cfg.APIKeys = apiKeys

	return cfg, nil
}

func parseAPIKeys(raw string) (map[string]auth.Credential, error) {
	keys := map[string]auth.Credential{}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return keys, nil
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.Split(pair, ":")
		if len(parts) != 4 {
			return nil, errors.New(`API_KEYS must be "key:firm:user:role,key:firm:user:role"`)
		}

		key := strings.TrimSpace(parts[0])
		firm := strings.TrimSpace(parts[1])
		user := strings.TrimSpace(parts[2])
		role := tenant.Role(strings.TrimSpace(parts[3]))

		if key == "" || firm == "" || user == "" {
			return nil, errors.New(`API_KEYS must be "key:firm:user:role,key:firm:user:role"`)
		}

		if !role.IsValid() {
			return nil, fmt.Errorf("API_KEYS: unknown role %q", role)
		}

		keys[key] = auth.Credential{UserID: user, FirmID: firm, Role: role}
	}

	return keys, nil
}

func envDefault(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}

	return fallback
}
