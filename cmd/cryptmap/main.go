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

// Command cryptmap is the operator entry point for the encrypted
// memory-mapped file library: it can generate keys, drive a mapped
// read/write session against a file, and audit an existing one.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "", "path to a TOML config file")
	logLevel   = flag.String("log-level", "", "override the configured log level (trace, debug, info, warn, error)")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&keygenCmd{}, "")
	subcommands.Register(&mapCmd{}, "")
	subcommands.Register(&auditCmd{}, "")

	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := logrus.New()
	cfg.configureLogging(log)

	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx, log, cfg)))
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "cryptmap: "+format+"\n", args...)
	os.Exit(1)
}
