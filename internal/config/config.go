// Copyright 2026 Dominik Schlosser
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

// Package config loads server settings from a config file and the
// OID4VC_ environment, in that order of precedence (environment wins).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the fully resolved server configuration.
type Config struct {
	PublicBaseURI string `mapstructure:"public_base_uri"`
	ListenAddr    string `mapstructure:"listen_addr"`

	DB struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"db"`

	Issuer struct {
		DID     string `mapstructure:"did"`
		KeyFile string `mapstructure:"key_file"`
	} `mapstructure:"issuer"`
}

// Load reads the configuration. An empty file path uses defaults and
// environment only; a named file that does not exist is an error.
func Load(file string) (*Config, error) {
	v := viper.New()

	v.SetDefault("public_base_uri", "http://localhost:8080")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db.driver", "sqlite3")
	v.SetDefault("db.dsn", "file:issuer.db?_fk=1")
	v.SetDefault("issuer.did", "")
	v.SetDefault("issuer.key_file", "issuer-key.pem")

	v.SetEnvPrefix("OID4VC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.PublicBaseURI = strings.TrimSuffix(cfg.PublicBaseURI, "/")
	if cfg.PublicBaseURI == "" {
		return nil, fmt.Errorf("public_base_uri must be set")
	}
	if cfg.DB.Driver != "sqlite3" && cfg.DB.Driver != "postgres" {
		return nil, fmt.Errorf("unsupported db driver %q (sqlite3 or postgres)", cfg.DB.Driver)
	}
	return &cfg, nil
}
