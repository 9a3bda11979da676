package session

import (
	"math"
	"time"
)

// ReconnectDelay returns the delay before reconnection attempt N (1-based),
// or false once attempts are exhausted. With defaults: 5s, then 10s, then stop.
func ReconnectDelay(cfg BackoffConfig, attempt int) (time.Duration, bool) {
	if attempt < 1 || (cfg.MaxAttempts > 0 && attempt > cfg.MaxAttempts) {
		return 0, false
	}
	if attempt == 1 || cfg.InitialDelay <= 0 {
		return cfg.InitialDelay, true
	}
	mult := cfg.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay), true
}
