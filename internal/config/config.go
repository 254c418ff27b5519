// Copyright 2026 The localhostess Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config resolves the proxy's configuration surface (spec §6):
// listen port, bind host, discovery cache TTL, discovery command
// selection, and verbosity. Precedence, low to high: built-in defaults,
// an optional TOML file, environment variables, then CLI flags
// (the CLI layer in cmd/localhostess applies flags on top of this).
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultPort is the listener's default port (spec §6).
const DefaultPort = 9090

// DefaultBindHost is the listener's default bind address (spec §6).
const DefaultBindHost = "127.0.0.1"

// Config is the resolved configuration surface.
type Config struct {
	Port         int           `toml:"port"`
	BindHost     string        `toml:"bind_host"`
	Debug        bool          `toml:"debug"`
	CacheTTL     time.Duration `toml:"-"`
	CacheTTLRaw  string        `toml:"cache_ttl"`
	DiscoveryCmd string        `toml:"discovery_cmd"`
}

// Default returns a Config populated with spec §6's defaults.
func Default() Config {
	return Config{
		Port:         DefaultPort,
		BindHost:     DefaultBindHost,
		DiscoveryCmd: "lsof",
	}
}

// Load resolves a Config from the optional TOML file (if one exists)
// and then the process environment, per spec §6 plus SPEC_FULL.md §6.
// Values read from the file replace Default()'s; an environment
// variable that is set replaces both. Fields set by neither keep
// Default()'s value.
func Load() (Config, error) {
	cfg := Default()

	if path := configFilePath(); path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, err
			}
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("BIND_HOST"); v != "" {
		cfg.BindHost = v
	}
	if os.Getenv("DEBUG") == "1" {
		cfg.Debug = true
	}
	if v := os.Getenv("DISCOVERY_CMD"); v != "" {
		cfg.DiscoveryCmd = v
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		cfg.CacheTTLRaw = v
	}

	cfg.CacheTTL = parseCacheTTL(cfg.CacheTTLRaw)
	return cfg, nil
}

func parseCacheTTL(raw string) time.Duration {
	if raw == "" {
		return 0 // discover.NewCache substitutes DefaultTTL for <= 0
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return 0
}

// configFilePath returns the path Load checks for an optional TOML
// config file: LOCALHOSTESS_CONFIG if set, else
// ~/.config/localhostess/localhostess.toml if HOME is known.
func configFilePath() string {
	if p := os.Getenv("LOCALHOSTESS_CONFIG"); p != "" {
		return p
	}
	home := os.Getenv("HOME")
	if home == "" {
		return ""
	}
	return filepath.Join(home, ".config", "localhostess", "localhostess.toml")
}

// Addr returns the bind_host:port listen address.
func (c Config) Addr() string {
	return c.BindHost + ":" + strconv.Itoa(c.Port)
}
