// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package config loads the engine configuration from INI files.
//
// # File Format
//
//	[discard]
//	naptime     = 100ms
//	max_naptime = 10s
//
//	[log]
//	level  = info
//	format = text      ; text or json
//	output = stderr    ; stderr, stdout or a file path
//
//	[storage]
//	log_capacity         = 1048576
//	record_cache_entries = 4096   ; 0 disables the record cache
//
//	[metrics]
//	buffer_size     = 10000
//	latency_samples = 1000
//
// Every key is optional; missing keys take the values of Default.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// Discard configures the background discard worker.
type Discard struct {
	Naptime    time.Duration
	MaxNaptime time.Duration
}

// Log configures logging.
type Log struct {
	Level  string
	Format string
	Output string
}

// Storage configures the undo log storage.
type Storage struct {
	LogCapacity        uint64
	RecordCacheEntries int64
}

// Metrics configures metrics collection.
type Metrics struct {
	BufferSize     int
	LatencySamples int
}

// Config is the complete engine configuration.
type Config struct {
	Discard Discard
	Log     Log
	Storage Storage
	Metrics Metrics
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Discard: Discard{
			Naptime:    100 * time.Millisecond,
			MaxNaptime: 10 * time.Second,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Storage: Storage{
			LogCapacity:        1 << 20,
			RecordCacheEntries: 4096,
		},
		Metrics: Metrics{
			BufferSize:     10000,
			LatencySamples: 1000,
		},
	}
}

// Load reads the configuration file at path.
func Load(path string) (Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "load config %s", path)
	}
	return fromFile(f)
}

// Parse reads configuration from INI text.
func Parse(data []byte) (Config, error) {
	f, err := ini.Load(data)
	if err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	return fromFile(f)
}

func fromFile(f *ini.File) (Config, error) {
	cfg := Default()

	discard := f.Section("discard")
	if err := duration(discard, "naptime", &cfg.Discard.Naptime); err != nil {
		return Config{}, err
	}
	if err := duration(discard, "max_naptime", &cfg.Discard.MaxNaptime); err != nil {
		return Config{}, err
	}

	log := f.Section("log")
	cfg.Log.Level = log.Key("level").MustString(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(log.Key("format").MustString(cfg.Log.Format))
	cfg.Log.Output = log.Key("output").MustString(cfg.Log.Output)

	storage := f.Section("storage")
	if storage.HasKey("log_capacity") {
		v, err := storage.Key("log_capacity").Uint64()
		if err != nil {
			return Config{}, errors.Wrap(err, "storage.log_capacity")
		}
		cfg.Storage.LogCapacity = v
	}
	if storage.HasKey("record_cache_entries") {
		v, err := storage.Key("record_cache_entries").Int64()
		if err != nil {
			return Config{}, errors.Wrap(err, "storage.record_cache_entries")
		}
		cfg.Storage.RecordCacheEntries = v
	}

	metrics := f.Section("metrics")
	cfg.Metrics.BufferSize = metrics.Key("buffer_size").MustInt(cfg.Metrics.BufferSize)
	cfg.Metrics.LatencySamples = metrics.Key("latency_samples").MustInt(cfg.Metrics.LatencySamples)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func duration(s *ini.Section, key string, dst *time.Duration) error {
	if !s.HasKey(key) {
		return nil
	}
	d, err := s.Key(key).Duration()
	if err != nil {
		return errors.Wrapf(err, "%s.%s", s.Name(), key)
	}
	*dst = d
	return nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch {
	case c.Discard.Naptime <= 0:
		return errors.Errorf("discard.naptime must be positive, got %s", c.Discard.Naptime)
	case c.Discard.MaxNaptime < c.Discard.Naptime:
		return errors.Errorf("discard.max_naptime %s is below naptime %s", c.Discard.MaxNaptime, c.Discard.Naptime)
	case c.Log.Format != "text" && c.Log.Format != "json":
		return errors.Errorf("log.format must be text or json, got %q", c.Log.Format)
	case c.Storage.LogCapacity == 0:
		return errors.New("storage.log_capacity must be positive")
	case c.Storage.RecordCacheEntries < 0:
		return errors.Errorf("storage.record_cache_entries must not be negative, got %d", c.Storage.RecordCacheEntries)
	case c.Metrics.BufferSize <= 0:
		return errors.Errorf("metrics.buffer_size must be positive, got %d", c.Metrics.BufferSize)
	case c.Metrics.LatencySamples <= 0:
		return errors.Errorf("metrics.latency_samples must be positive, got %d", c.Metrics.LatencySamples)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	return nil
}
