// Copyright 2026 The yapyap Authors
// This file is part of the yapyap library.
//
// The yapyap library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The yapyap library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the yapyap library. If not, see <http://www.gnu.org/licenses/>.

package node

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/yapyap/yapyap/courier"
)

// Config carries every tunable of a node. The zero value is unusable;
// construct one with DefaultConfig or FromEnv.
type Config struct {
	DataDir        string   `env:"YAPYAP_DATA_DIR" envDefault:"./data"`
	ListenAddr     string   `env:"YAPYAP_LISTEN_ADDR" envDefault:"/ip4/0.0.0.0/tcp/0"`
	BootstrapAddrs []string `env:"YAPYAP_BOOTSTRAP_ADDRS" envSeparator:","`
	LogLevel       string   `env:"YAPYAP_LOG_LEVEL" envDefault:"info"`

	// AdminAddr, when set, enables the local HTTP admin endpoint.
	AdminAddr string `env:"YAPYAP_ADMIN_ADDR"`

	MaxOutboxPending int `env:"YAPYAP_MAX_OUTBOX_PENDING" envDefault:"10000"`

	Workers      int           `env:"YAPYAP_WORKERS" envDefault:"4"`
	MaxAttempts  int           `env:"YAPYAP_MAX_ATTEMPTS" envDefault:"8"`
	ReplicaCount int           `env:"YAPYAP_REPLICA_COUNT" envDefault:"3"`
	AckTimeout   time.Duration `env:"YAPYAP_ACK_TIMEOUT" envDefault:"30s"`
	DialTimeout  time.Duration `env:"YAPYAP_DIAL_TIMEOUT" envDefault:"10s"`
	BackoffBase  time.Duration `env:"YAPYAP_BACKOFF_BASE" envDefault:"2s"`
	BackoffCap   time.Duration `env:"YAPYAP_BACKOFF_CAP" envDefault:"5m"`
	MessageTTL   time.Duration `env:"YAPYAP_MESSAGE_TTL" envDefault:"168h"`
	Retention    time.Duration `env:"YAPYAP_RETENTION" envDefault:"168h"`

	// StopTimeout bounds the wait for in-flight work during shutdown.
	StopTimeout time.Duration `env:"YAPYAP_STOP_TIMEOUT" envDefault:"10s"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	cfg, _ := env.ParseAsWithOptions[Config](env.Options{Environment: map[string]string{}})
	return cfg
}

// FromEnv builds a Config from YAPYAP_* environment variables.
func FromEnv() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("node: parse environment: %w", err)
	}
	return cfg, nil
}

// courier translates the node tunables into the delivery engine's.
func (c Config) courier() courier.Config {
	return courier.Config{
		Workers:      c.Workers,
		MaxAttempts:  c.MaxAttempts,
		ReplicaCount: c.ReplicaCount,
		AckTimeout:   c.AckTimeout,
		DialTimeout:  c.DialTimeout,
		BackoffBase:  c.BackoffBase,
		BackoffCap:   c.BackoffCap,
		MessageTTL:   c.MessageTTL,
		Retention:    c.Retention,
	}
}
