package session

import "time"

// BackoffConfig defines the bounded reconnection delays.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
}

// Config defines session supervision defaults.
type Config struct {
	LivenessInterval        time.Duration
	ConnectingCeiling       time.Duration
	HealthInterval          time.Duration
	SilenceThreshold        time.Duration
	ProbeTimeout            time.Duration
	PairingExpiryInterval   time.Duration
	PairingTTL              time.Duration
	ConnectingSweepInterval time.Duration
	StaleAfter              time.Duration
	NotifySettle            time.Duration
	Reconnect               BackoffConfig
}

// DefaultConfig returns the production supervision timings.
func DefaultConfig() Config {
	return Config{
		LivenessInterval:        30 * time.Second,
		ConnectingCeiling:       120 * time.Second,
		HealthInterval:          30 * time.Second,
		SilenceThreshold:        120 * time.Second,
		ProbeTimeout:            10 * time.Second,
		PairingExpiryInterval:   60 * time.Second,
		PairingTTL:              5 * time.Minute,
		ConnectingSweepInterval: 30 * time.Second,
		StaleAfter:              30 * time.Minute,
		NotifySettle:            2 * time.Second,
		Reconnect: BackoffConfig{
			InitialDelay: 5 * time.Second,
			Multiplier:   2.0,
			MaxDelay:     10 * time.Second,
			MaxAttempts:  2,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = d.LivenessInterval
	}
	if c.ConnectingCeiling <= 0 {
		c.ConnectingCeiling = d.ConnectingCeiling
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = d.SilenceThreshold
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.PairingExpiryInterval <= 0 {
		c.PairingExpiryInterval = d.PairingExpiryInterval
	}
	if c.PairingTTL <= 0 {
		c.PairingTTL = d.PairingTTL
	}
	if c.ConnectingSweepInterval <= 0 {
		c.ConnectingSweepInterval = d.ConnectingSweepInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.NotifySettle <= 0 {
		c.NotifySettle = d.NotifySettle
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect.InitialDelay = d.Reconnect.InitialDelay
	}
	if c.Reconnect.Multiplier < 1.0 {
		c.Reconnect.Multiplier = d.Reconnect.Multiplier
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = d.Reconnect.MaxDelay
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = d.Reconnect.MaxAttempts
	}
	return c
}
