package session

import "time"

// Config holds match timing and limits.
type Config struct {
	RoundsToWin    int
	MaxRoundsToWin int
	RoundDisplay   time.Duration
	MoveTimeout    time.Duration
	GracePeriod    time.Duration
	// Retention keeps finalised matches readable through Get and Resume.
	Retention         time.Duration
	HintTTL           time.Duration
	EmitTimeout       time.Duration
	FinalizeBaseDelay time.Duration
	FinalizeMaxDelay  time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RoundsToWin:       3,
		MaxRoundsToWin:    10,
		RoundDisplay:      5 * time.Second,
		MoveTimeout:       30 * time.Second,
		GracePeriod:       30 * time.Second,
		Retention:         10 * time.Minute,
		HintTTL:           time.Hour,
		EmitTimeout:       2 * time.Second,
		FinalizeBaseDelay: 500 * time.Millisecond,
		FinalizeMaxDelay:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RoundsToWin <= 0 {
		c.RoundsToWin = def.RoundsToWin
	}
	if c.MaxRoundsToWin <= 0 {
		c.MaxRoundsToWin = def.MaxRoundsToWin
	}
	if c.RoundDisplay <= 0 {
		c.RoundDisplay = def.RoundDisplay
	}
	if c.MoveTimeout <= 0 {
		c.MoveTimeout = def.MoveTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = def.GracePeriod
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.HintTTL <= 0 {
		c.HintTTL = def.HintTTL
	}
	if c.EmitTimeout <= 0 {
		c.EmitTimeout = def.EmitTimeout
	}
	if c.FinalizeBaseDelay <= 0 {
		c.FinalizeBaseDelay = def.FinalizeBaseDelay
	}
	if c.FinalizeMaxDelay <= 0 {
		c.FinalizeMaxDelay = def.FinalizeMaxDelay
	}
	return c
}
