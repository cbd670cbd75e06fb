/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config loads the bridge manager configuration from an optional
// JSON file with environment variable overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/meshforge/meshbridge/pkg/logger"
)

var (
	errInvalidDuration = errors.New("invalid duration")
	errBasePort        = errors.New("base_port must be between 1 and 65535")
	errBaudRate        = errors.New("baud_rate must be positive")
)

// Duration wraps time.Duration so JSON configs can use "30s" style strings.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		// parse numeric as nanoseconds
		*d = Duration(time.Duration(value))
		return nil
	case string:
		dur, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: %w", errInvalidDuration, err)
		}

		*d = Duration(dur)

		return nil
	default:
		return errInvalidDuration
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the full configuration of the bridge manager.
type Config struct {
	BasePort            int            `json:"base_port" env:"MESHBRIDGE_BASE_PORT"`
	BaudRate            int            `json:"baud_rate" env:"MESHBRIDGE_BAUD_RATE"`
	RelayBinary         string         `json:"relay_binary" env:"MESHBRIDGE_RELAY_BINARY"`
	ScanInterval        Duration       `json:"scan_interval"`
	IdentifyTimeout     Duration       `json:"identify_timeout"`
	IdentifyConcurrency int            `json:"identify_concurrency" env:"MESHBRIDGE_IDENTIFY_CONCURRENCY"`
	Logging             *logger.Config `json:"logging,omitempty"`
}

func Default() *Config {
	return &Config{
		BasePort:            4403,
		BaudRate:            115200,
		RelayBinary:         "socat",
		ScanInterval:        Duration(5 * time.Second),
		IdentifyTimeout:     Duration(10 * time.Second),
		IdentifyConcurrency: 4,
		Logging:             logger.DefaultConfig(),
	}
}

// Load reads the JSON config at path (when path is non-empty), then overlays
// environment variables on top. Missing file with an empty path is not an
// error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}

		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal JSON from '%s': %w", path, err)
		}
	}

	if cfg.Logging == nil {
		cfg.Logging = logger.DefaultConfig()
	}

	// env.Parse recurses into the nested logging struct as well.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.BasePort < 1 || c.BasePort > 65535 {
		return errBasePort
	}

	if c.BaudRate <= 0 {
		return errBaudRate
	}

	if c.IdentifyConcurrency <= 0 {
		c.IdentifyConcurrency = 1
	}

	if c.ScanInterval.Duration() <= 0 {
		c.ScanInterval = Duration(5 * time.Second)
	}

	if c.IdentifyTimeout.Duration() <= 0 {
		c.IdentifyTimeout = Duration(10 * time.Second)
	}

	return nil
}
