// Package config loads typed configuration from the environment, with .env
// file support for local development. Each struct maps one concern: the
// broker endpoint, a retry policy, a circuit breaker.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/perimetre/corebus/resilience"
)

var dotenvOnce sync.Once

// Load parses environment variables into cfg, loading a .env file first if
// one exists. Missing optional variables fall back to struct defaults.
func Load(cfg any) error {
	dotenvOnce.Do(func() {
		// A missing .env file is the normal production case.
		_ = godotenv.Load()
	})
	return env.Parse(cfg)
}

// MustLoad is Load, panicking on failure. Intended for process startup.
func MustLoad(cfg any) {
	if err := Load(cfg); err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
}

// Broker describes the AMQP endpoint.
type Broker struct {
	Host     string `env:"BROKER_HOST" envDefault:"localhost"`
	Port     int    `env:"BROKER_PORT" envDefault:"5672"`
	Username string `env:"BROKER_USERNAME" envDefault:"guest"`
	Password string `env:"BROKER_PASSWORD" envDefault:"guest"`
	VHost    string `env:"BROKER_VHOST" envDefault:"/"`
}

// URL renders the amqp:// connection string.
func (b Broker) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(b.Username, b.Password),
		Host:   fmt.Sprintf("%s:%d", b.Host, b.Port),
		Path:   "/" + url.PathEscape(strings.TrimPrefix(b.VHost, "/")),
	}
	return u.String()
}

// Retry maps onto a resilience.Policy.
type Retry struct {
	MaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	Strategy    string        `env:"RETRY_STRATEGY" envDefault:"exponential"`
	BaseDelay   time.Duration `env:"RETRY_BASE_DELAY" envDefault:"100ms"`
	MaxDelay    time.Duration `env:"RETRY_MAX_DELAY" envDefault:"10s"`
	Jitter      bool          `env:"RETRY_JITTER" envDefault:"true"`
}

// Policy converts the configuration into a retry policy. Unknown strategy
// names fall back to exponential.
func (r Retry) Policy() resilience.Policy {
	strategy := resilience.Strategy(r.Strategy)
	switch strategy {
	case resilience.StrategyExponential, resilience.StrategyLinear, resilience.StrategyConstant:
	default:
		strategy = resilience.StrategyExponential
	}

	return resilience.Policy{
		MaxAttempts: r.MaxAttempts,
		Strategy:    strategy,
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
		Jitter:      r.Jitter,
	}
}

// Breaker maps onto circuit breaker options.
type Breaker struct {
	FailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	RecoveryTimeout  time.Duration `env:"BREAKER_RECOVERY_TIMEOUT" envDefault:"30s"`
}

// Options converts the configuration into circuit breaker options.
func (b Breaker) Options() []resilience.CircuitBreakerOption {
	return []resilience.CircuitBreakerOption{
		resilience.WithFailureThreshold(b.FailureThreshold),
		resilience.WithRecoveryTimeout(b.RecoveryTimeout),
	}
}
