// Copyright 2024 Worldcoin Foundation. All Rights Reserved.
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

// Package config loads the sequencer's TOML configuration file.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration parses TOML strings like "5s" or "3m" into a time.Duration.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root of the TOML file.
type Config struct {
	App       App       `toml:"app"`
	Database  Database  `toml:"database"`
	Server    Server    `toml:"server"`
	Provers   []Prover  `toml:"provers"`
	Relayer   Relayer   `toml:"relayer"`
	Semaphore Semaphore `toml:"semaphore"`
}

// App tunes the pipeline itself.
type App struct {
	// TreeDepth is the identity tree depth used by the contract.
	TreeDepth int `toml:"tree_depth"`
	// PollPeriod is the pipeline tick interval.
	PollPeriod Duration `toml:"poll_period"`
	// InsertionTimeout forces an undersized padded insertion batch.
	InsertionTimeout Duration `toml:"insertion_timeout"`
	// DeletionTimeout forces an undersized deletion batch.
	DeletionTimeout Duration `toml:"deletion_timeout"`
	// MaxRootAge bounds how old a root the Semaphore verification
	// endpoint accepts by default.
	MaxRootAge Duration `toml:"max_root_age"`
	// DevMode swaps the store, prover and relayer for in-process mocks.
	DevMode bool `toml:"dev_mode"`
}

// Database configures the PostgreSQL backend.
type Database struct {
	DSN     string `toml:"dsn"`
	Migrate bool   `toml:"migrate"`
}

// Server configures the HTTP API.
type Server struct {
	Address        string   `toml:"address"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// Prover configures one external prover endpoint.
type Prover struct {
	URL       string   `toml:"url"`
	BatchSize int      `toml:"batch_size"`
	Timeout   Duration `toml:"timeout"`
	// Kind is "insertion" or "deletion".
	Kind string `toml:"kind"`
}

// Relayer configures the transaction relayer client.
type Relayer struct {
	URL     string   `toml:"url"`
	Timeout Duration `toml:"timeout"`
}

// Semaphore configures proof verification.
type Semaphore struct {
	// VerifyingKeyPath points at a snarkjs verification_key.json.
	VerifyingKeyPath string `toml:"verifying_key_path"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		App: App{
			TreeDepth:        30,
			PollPeriod:       Duration(5 * time.Second),
			InsertionTimeout: Duration(3 * time.Minute),
			DeletionTimeout:  Duration(time.Hour),
			MaxRootAge:       Duration(time.Hour),
		},
		Server: Server{
			Address:        "localhost:8080",
			RequestTimeout: Duration(30 * time.Second),
		},
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.App.TreeDepth < 1 || c.App.TreeDepth > 63 {
		return fmt.Errorf("app.tree_depth %d out of range", c.App.TreeDepth)
	}
	if c.App.PollPeriod.Std() <= 0 {
		return fmt.Errorf("app.poll_period must be positive")
	}
	if !c.App.DevMode {
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required")
		}
		if c.Relayer.URL == "" {
			return fmt.Errorf("relayer.url is required")
		}
		if len(c.Provers) == 0 {
			return fmt.Errorf("at least one prover is required")
		}
	}
	for i, p := range c.Provers {
		if p.URL == "" {
			return fmt.Errorf("provers[%d].url is required", i)
		}
		if p.BatchSize < 1 {
			return fmt.Errorf("provers[%d].batch_size must be positive", i)
		}
		if p.Kind != "insertion" && p.Kind != "deletion" {
			return fmt.Errorf("provers[%d].kind must be insertion or deletion", i)
		}
	}
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	return nil
}
