// Package config loads the ambient tuning knobs that sit alongside the
// proxy's fixed CLI contract (SPEC_FULL.md §6): listen port and backend
// address always come from positional arguments, never from this file.
package config

import (
	"time"

	"gopkg.in/ini.v1"
)

// Tuning holds the optional [proxy] knobs an ini file may override.
// Zero BatchSize, FlushIntervalMs, SyncEveryN and Workers fall back to
// the defaults the logsink and proxy packages apply on their own; zero
// water marks and an empty LogPath are passed on as given.
type Tuning struct {
	LogPath         string
	Workers         int
	FlushIntervalMs int
	BatchSize       int
	SyncEveryN      int
	HighWaterMark   int
	LowWaterMark    int
}

// Default returns the tuning values used when no -config file is given.
func Default() Tuning {
	return Tuning{
		LogPath:         "resources/logs.txt",
		Workers:         6,
		FlushIntervalMs: 10,
		BatchSize:       10_000,
		SyncEveryN:      20,
		HighWaterMark:   4 * 1024 * 1024,
		LowWaterMark:    1 * 1024 * 1024,
	}
}

// Load reads the [proxy] section of an ini file, overlaying it onto
// Default(). Keys absent from the file keep their default value.
func Load(path string) (Tuning, error) {
	t := Default()

	cfg, err := ini.Load(path)
	if err != nil {
		return Tuning{}, err
	}

	sec := cfg.Section("proxy")
	t.LogPath = sec.Key("log_path").MustString(t.LogPath)
	t.Workers = sec.Key("workers").MustInt(t.Workers)
	t.FlushIntervalMs = sec.Key("flush_interval_ms").MustInt(t.FlushIntervalMs)
	t.BatchSize = sec.Key("batch_size").MustInt(t.BatchSize)
	t.SyncEveryN = sec.Key("sync_every_n").MustInt(t.SyncEveryN)
	t.HighWaterMark = sec.Key("high_water_mark").MustInt(t.HighWaterMark)
	t.LowWaterMark = sec.Key("low_water_mark").MustInt(t.LowWaterMark)

	return t, nil
}

// FlushInterval converts FlushIntervalMs to a time.Duration for callers
// that hand Tuning straight to logsink.Config.
func (t Tuning) FlushInterval() time.Duration {
	return time.Duration(t.FlushIntervalMs) * time.Millisecond
}
