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

	"github.com/cryptmap/cryptmap/codec"
)

// auditCmd implements subcommands.Command for the "audit" command: it
// opens a file through the codec alone and reports its format and
// whether key decrypts its first page, without ever mapping it or
// writing to it.
type auditCmd struct {
	keyPath string
}

func (*auditCmd) Name() string     { return "audit" }
func (*auditCmd) Synopsis() string { return "report format details and key validity for an encrypted file" }
func (*auditCmd) Usage() string {
	return `audit -key <keyfile> <path>
`
}

func (a *auditCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&a.keyPath, "key", "", "path to the hex-encoded key file (required)")
}

func (a *auditCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 || a.keyPath == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}

	key, err := readKeyFile(a.keyPath)
	if err != nil {
		fatalf("%v", err)
	}

	c, err := codec.Open(f.Arg(0), key)
	if err != nil {
		fatalf("%v", err)
	}
	defer c.Close()

	size, err := c.Size()
	if err != nil {
		fatalf("stat: %v", err)
	}
	fmt.Printf("page size:  %d\n", c.PageSize())
	fmt.Printf("plaintext size: %d bytes (%d pages)\n", size, size/int64(c.PageSize()))

	if size == 0 {
		fmt.Println("key check:  skipped (file has no pages yet)")
		return subcommands.ExitSuccess
	}
	probe := make([]byte, c.PageSize())
	if err := c.AlignedPread(probe, 0); err != nil {
		fmt.Println("key check:  FAILED:", err)
		return subcommands.ExitFailure
	}
	fmt.Println("key check:  ok")
	return subcommands.ExitSuccess
}
