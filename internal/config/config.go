package config

import (
	"fmt"
	"time"

	env "github.com/caarlos0/env/v11"
)

type Config struct {
	Port      string `env:"PORT" envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv    string `env:"APP_ENV" envDefault:"production"`
	JWTSecret string `env:"JWT_SECRET,required"`

	// DatabaseURL is optional; when set, terminal sessions are archived to
	// Postgres so outcomes survive process restarts and store eviction.
	DatabaseURL string `env:"DATABASE_URL"`

	ProviderBaseURL    string `env:"PROVIDER_BASE_URL" envDefault:"http://mock-terminal:8081"`
	ProviderAPIToken   string `env:"PROVIDER_API_TOKEN,required"`
	TerminalDeviceCode string `env:"TERMINAL_DEVICE_CODE,required"`
	Currency           string `env:"CURRENCY" envDefault:"USD"`
	WebhookCallbackURL string `env:"WEBHOOK_CALLBACK_URL" envDefault:"http://app:8080/api/v1/webhooks/terminal"`
	WebhookSecret      string `env:"WEBHOOK_SECRET,required"`

	// Reconciliation tuning. The poll deadline is deliberately longer than a
	// cashier would wait at the screen: the loop keeps running after the UI
	// detaches. The grace window is how long an apparent failure or
	// cancellation waits for a late success before being finalized.
	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	PollMaxAttempts  int           `env:"POLL_MAX_ATTEMPTS" envDefault:"90"`
	PollDeadline     time.Duration `env:"POLL_DEADLINE" envDefault:"3m"`
	GraceWindow      time.Duration `env:"GRACE_WINDOW" envDefault:"10s"`
	SessionRetention time.Duration `env:"SESSION_RETENTION" envDefault:"1h"`

	DBMaxOpenConns     int `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeS int `env:"DB_CONN_MAX_LIFETIME_S" envDefault:"300"`
	DBConnMaxIdleTimeS int `env:"DB_CONN_MAX_IDLE_TIME_S" envDefault:"60"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}
