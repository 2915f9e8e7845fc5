// Package loadtest drives many concurrent chat clients against a running
// server and checks every reply against the counting protocol.
package loadtest

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds load test settings.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	URL            string        `env:"LOADTEST_URL" envDefault:"ws://localhost:8000/ws/"`
	Connections    int           `env:"LOADTEST_CONNECTIONS" envDefault:"100"`
	RampRate       float64       `env:"LOADTEST_RAMP_RATE" envDefault:"50"` // connections per second
	Messages       int           `env:"LOADTEST_MESSAGES" envDefault:"5"`   // per connection
	MessageGap     time.Duration `env:"LOADTEST_MESSAGE_GAP" envDefault:"0s"`
	Hold           time.Duration `env:"LOADTEST_HOLD" envDefault:"0s"` // stay connected after the last message
	ConnectTimeout time.Duration `env:"LOADTEST_CONNECT_TIMEOUT" envDefault:"10s"`
	ReadTimeout    time.Duration `env:"LOADTEST_READ_TIMEOUT" envDefault:"10s"`

	// Resume reconnects every client once with its session id and expects the
	// count to carry on.
	Resume bool `env:"LOADTEST_RESUME" envDefault:"false"`
}

// LoadConfig reads Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse loadtest config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("loadtest url is required")
	}
	if c.Connections <= 0 {
		return fmt.Errorf("connections must be > 0, got %d", c.Connections)
	}
	if c.RampRate <= 0 {
		return fmt.Errorf("ramp rate must be > 0, got %v", c.RampRate)
	}
	if c.Messages < 0 {
		return fmt.Errorf("messages must be >= 0, got %d", c.Messages)
	}
	return nil
}
