// Copyright 2026 The Cryptmap Authors.
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

package main

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cryptmap/cryptmap/cryptfile"
)

// config holds the settings read from an optional TOML file, with
// defaults matching cryptfile's own.
type config struct {
	PoolPages int    `toml:"pool_pages"`
	LogLevel  string `toml:"log_level"`
}

func defaultConfig() config {
	return config{
		PoolPages: cryptfile.DefaultPoolPages,
		LogLevel:  "info",
	}
}

// loadConfig reads path if non-empty, overlaying it on the defaults. A
// missing optional path (the empty string) is not an error.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		return cfg, errors.Wrap(err, "cryptmap: reading config")
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, errors.Wrap(err, "cryptmap: parsing config")
	}
	return cfg, nil
}

func (c config) configureLogging(log *logrus.Logger) {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
}
