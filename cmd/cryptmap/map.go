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
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/cryptmap/cryptmap/cryptfile"
)

// mapCmd implements subcommands.Command for the "map" command: it opens
// a file, maps it, and drives a small line-oriented read/write session
// over stdin/stdout until EOF, flushing and unmapping on exit.
type mapCmd struct {
	keyPath string
	minSize int64
}

func (*mapCmd) Name() string     { return "map" }
func (*mapCmd) Synopsis() string { return "open and memory-map an encrypted file for a scripted read/write session" }
func (*mapCmd) Usage() string {
	return `map -key <keyfile> <path>: commands on stdin are one of
  read <offset> <length>
  write <offset> <hex bytes>
  flush
  quit
`
}

func (m *mapCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.keyPath, "key", "", "path to the hex-encoded key file (required)")
	f.Int64Var(&m.minSize, "size", 0, "minimum size in bytes to map, growing the file if necessary")
}

func (m *mapCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	log, _ := args[0].(logrus.FieldLogger)
	cfg, _ := args[1].(config)

	if f.NArg() != 1 || m.keyPath == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cryptfile.SetMemorySize(cfg.PoolPages)

	key, err := readKeyFile(m.keyPath)
	if err != nil {
		fatalf("%v", err)
	}

	cf, err := cryptfile.Open(f.Arg(0), key, log)
	if err != nil {
		fatalf("%v", err)
	}
	defer cf.Close()

	base, err := cf.Map(m.minSize)
	if err != nil {
		fatalf("mapping: %v", err)
	}
	size, _ := cf.MapSize()
	fmt.Printf("mapped at %#x, %d bytes\n", base, size)

	if err := m.session(cf); err != nil {
		fatalf("%v", err)
	}
	if err := cf.Flush(); err != nil {
		fatalf("flushing: %v", err)
	}
	return subcommands.ExitSuccess
}

func (m *mapCmd) session(cf *cryptfile.CryptFile) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit":
			return nil
		case "flush":
			if err := cf.Flush(); err != nil {
				return err
			}
			fmt.Println("ok")
		case "read":
			if len(fields) != 3 {
				fmt.Println("usage: read <offset> <length>")
				continue
			}
			off, lerr1 := strconv.ParseInt(fields[1], 0, 64)
			n, lerr2 := strconv.Atoi(fields[2])
			if lerr1 != nil || lerr2 != nil {
				fmt.Println("bad offset/length")
				continue
			}
			buf := make([]byte, n)
			if err := cf.ReadMapped(buf, off); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println(hex.EncodeToString(buf))
		case "write":
			if len(fields) != 3 {
				fmt.Println("usage: write <offset> <hex bytes>")
				continue
			}
			off, lerr := strconv.ParseInt(fields[1], 0, 64)
			data, herr := hex.DecodeString(fields[2])
			if lerr != nil || herr != nil {
				fmt.Println("bad offset/hex data")
				continue
			}
			if err := cf.WriteMapped(data, off); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("ok")
		default:
			fmt.Println("unrecognized command:", fields[0])
		}
	}
	return scanner.Err()
}
