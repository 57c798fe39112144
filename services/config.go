package services

import (
	"log"
	"os"
	"strconv"
	"time"
)

// GuardConfig holds the anti-abuse thresholds for the activation pipeline.
// Every value is tunable via environment; a window of zero means unbounded
// (all time).
type GuardConfig struct {
	MinAccountAge  time.Duration // referred account must be at least this old
	VelocityCap    int64         // max activations credited per referrer inside the window
	VelocityWindow time.Duration
	IPDedupWindow  time.Duration // lookback for the shared-IP check
	RewardDays     int           // Lunary+ days granted to each party
}

func LoadGuardConfig() GuardConfig {
	return GuardConfig{
		MinAccountAge:  time.Duration(envInt("MIN_ACCOUNT_AGE_MINUTES", 60)) * time.Minute,
		VelocityCap:    int64(envInt("VELOCITY_CAP", 3)),
		VelocityWindow: time.Duration(envInt("VELOCITY_WINDOW_DAYS", 30)) * 24 * time.Hour,
		IPDedupWindow:  time.Duration(envInt("IP_DEDUP_WINDOW_DAYS", 0)) * 24 * time.Hour,
		RewardDays:     envInt("REWARD_DAYS", 30),
	}
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		log.Printf("⚠️  Invalid %s=%q, using default %d", name, raw, fallback)
		return fallback
	}
	return v
}
