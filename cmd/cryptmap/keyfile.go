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
	"encoding/hex"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/cryptmap/cryptmap/codec"
)

// readKeyFile loads a key written by the keygen subcommand: its hex
// encoding, optionally followed by a trailing newline.
func readKeyFile(path string) (codec.Key, error) {
	var k codec.Key
	raw, err := os.ReadFile(path)
	if err != nil {
		return k, errors.Wrap(err, "cryptmap: reading key file")
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return k, errors.Wrap(err, "cryptmap: key file is not valid hex")
	}
	if len(decoded) != len(k) {
		return k, errors.Errorf("cryptmap: key file has %d bytes, want %d", len(decoded), len(k))
	}
	copy(k[:], decoded)
	return k, nil
}

// writeKeyFile writes k's hex encoding to path with restrictive permissions.
func writeKeyFile(path string, k codec.Key) error {
	enc := hex.EncodeToString(k[:]) + "\n"
	return errors.Wrap(os.WriteFile(path, []byte(enc), 0o600), "cryptmap: writing key file")
}
