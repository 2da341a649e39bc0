// internal/workers/decision/apply-underwriting-result/config.go
package applyunderwritingresult

import "time"

type Config struct {
	Timeout time.Duration
}

func LoadConfig() *Config {
	return &Config{
		Timeout: 15 * time.Second,
	}
}
