// internal/workers/decision/start-credit-check/config.go
package startcreditcheck

import "time"

type Config struct {
	Timeout time.Duration
}

func LoadConfig() *Config {
	return &Config{
		Timeout: 10 * time.Second,
	}
}
