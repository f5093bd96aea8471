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
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/cryptmap/cryptmap/codec"
)

// keygenCmd implements subcommands.Command for the "keygen" command.
type keygenCmd struct {
	out string
}

func (*keygenCmd) Name() string     { return "keygen" }
func (*keygenCmd) Synopsis() string { return "generate a random master key" }
func (*keygenCmd) Usage() string {
	return `keygen -out <path>: write a new random 256-bit key, hex-encoded, to path
`
}

func (k *keygenCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&k.out, "out", "", "path to write the new key to (required)")
}

func (k *keygenCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	log, _ := args[0].(logrus.FieldLogger)
	if k.out == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}

	key, err := codec.NewKey()
	if err != nil {
		fatalf("generating key: %v", err)
	}
	if err := writeKeyFile(k.out, key); err != nil {
		fatalf("%v", err)
	}
	if log != nil {
		log.WithField("path", k.out).Info("cryptmap: wrote new key")
	}
	fmt.Println(k.out)
	return subcommands.ExitSuccess
}
