package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SyncPolicy holds the timing constants of the playback sync engine.
// Durations are written as Go duration strings in YAML ("200ms", "1.5s").
type SyncPolicy struct {
	// BroadcastInterval is the host's ephemeral progress period.
	BroadcastInterval time.Duration `yaml:"broadcastInterval"`
	// CheckpointThreshold is how far playback must advance before the host
	// persists a new durable checkpoint.
	CheckpointThreshold time.Duration `yaml:"checkpointThreshold"`
	SettleDelay         time.Duration `yaml:"settleDelay"`
	SyncingIndicator    time.Duration `yaml:"syncingIndicator"`
	SeekGuard           time.Duration `yaml:"seekGuard"`
	DriftThreshold      time.Duration `yaml:"driftThreshold"`
	LargeDriftThreshold time.Duration `yaml:"largeDriftThreshold"`
	MaxCorrections      int           `yaml:"maxCorrections"`
	PollInterval        time.Duration `yaml:"pollInterval"`
	// WriteTimeout bounds a single durable write or fetch.
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// DefaultSyncPolicy returns the built-in tuning.
func DefaultSyncPolicy() SyncPolicy {
	return SyncPolicy{
		BroadcastInterval:   200 * time.Millisecond,
		CheckpointThreshold: 2 * time.Second,
		SettleDelay:         time.Second,
		SyncingIndicator:    1500 * time.Millisecond,
		SeekGuard:           1500 * time.Millisecond,
		DriftThreshold:      2 * time.Second,
		LargeDriftThreshold: 10 * time.Second,
		MaxCorrections:      3,
		PollInterval:        10 * time.Second,
		WriteTimeout:        5 * time.Second,
	}
}

// LoadSyncPolicy reads a policy file. A missing file yields the defaults;
// fields left out of the file keep their default values.
func LoadSyncPolicy(path string) (SyncPolicy, error) {
	p := DefaultSyncPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("read sync policy: %w", err)
	}
	return ParseSyncPolicy(data)
}

// ParseSyncPolicy decodes YAML on top of the defaults and validates the result.
func ParseSyncPolicy(data []byte) (SyncPolicy, error) {
	p := DefaultSyncPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return DefaultSyncPolicy(), fmt.Errorf("parse sync policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return DefaultSyncPolicy(), err
	}
	return p, nil
}

// Validate rejects policies the engine cannot run with.
func (p SyncPolicy) Validate() error {
	positive := map[string]time.Duration{
		"broadcastInterval":   p.BroadcastInterval,
		"checkpointThreshold": p.CheckpointThreshold,
		"driftThreshold":      p.DriftThreshold,
		"largeDriftThreshold": p.LargeDriftThreshold,
		"pollInterval":        p.PollInterval,
		"writeTimeout":        p.WriteTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("sync policy: %s must be positive", name)
		}
	}
	if p.SettleDelay < 0 || p.SyncingIndicator < 0 || p.SeekGuard < 0 {
		return errors.New("sync policy: delays must not be negative")
	}
	if p.LargeDriftThreshold < p.DriftThreshold {
		return errors.New("sync policy: largeDriftThreshold must not be below driftThreshold")
	}
	if p.MaxCorrections < 0 {
		return errors.New("sync policy: maxCorrections must not be negative")
	}
	return nil
}

// PolicyWire is the JSON form of a SyncPolicy served to clients.
// Durations are whole milliseconds.
type PolicyWire struct {
	BroadcastIntervalMs   int64 `json:"broadcastIntervalMs"`
	CheckpointThresholdMs int64 `json:"checkpointThresholdMs"`
	SettleDelayMs         int64 `json:"settleDelayMs"`
	SyncingIndicatorMs    int64 `json:"syncingIndicatorMs"`
	SeekGuardMs           int64 `json:"seekGuardMs"`
	DriftThresholdMs      int64 `json:"driftThresholdMs"`
	LargeDriftThresholdMs int64 `json:"largeDriftThresholdMs"`
	MaxCorrections        int   `json:"maxCorrections"`
	PollIntervalMs        int64 `json:"pollIntervalMs"`
	WriteTimeoutMs        int64 `json:"writeTimeoutMs"`
}

// Wire converts p for transmission.
func (p SyncPolicy) Wire() PolicyWire {
	return PolicyWire{
		BroadcastIntervalMs:   p.BroadcastInterval.Milliseconds(),
		CheckpointThresholdMs: p.CheckpointThreshold.Milliseconds(),
		SettleDelayMs:         p.SettleDelay.Milliseconds(),
		SyncingIndicatorMs:    p.SyncingIndicator.Milliseconds(),
		SeekGuardMs:           p.SeekGuard.Milliseconds(),
		DriftThresholdMs:      p.DriftThreshold.Milliseconds(),
		LargeDriftThresholdMs: p.LargeDriftThreshold.Milliseconds(),
		MaxCorrections:        p.MaxCorrections,
		PollIntervalMs:        p.PollInterval.Milliseconds(),
		WriteTimeoutMs:        p.WriteTimeout.Milliseconds(),
	}
}

// Policy converts a received policy back, validating it.
func (w PolicyWire) Policy() (SyncPolicy, error) {
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	p := SyncPolicy{
		BroadcastInterval:   ms(w.BroadcastIntervalMs),
		CheckpointThreshold: ms(w.CheckpointThresholdMs),
		SettleDelay:         ms(w.SettleDelayMs),
		SyncingIndicator:    ms(w.SyncingIndicatorMs),
		SeekGuard:           ms(w.SeekGuardMs),
		DriftThreshold:      ms(w.DriftThresholdMs),
		LargeDriftThreshold: ms(w.LargeDriftThresholdMs),
		MaxCorrections:      w.MaxCorrections,
		PollInterval:        ms(w.PollIntervalMs),
		WriteTimeout:        ms(w.WriteTimeoutMs),
	}
	if err := p.Validate(); err != nil {
		return DefaultSyncPolicy(), err
	}
	return p, nil
}
