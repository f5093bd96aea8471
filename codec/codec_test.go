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

package codec

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/cryptmap/cryptmap/internal/vmtypes"
)

func osOpenRW(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR, 0o600)
}

func mustKey(t *testing.T) Key {
	t.Helper()
	k, err := NewKey()
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	return k
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.cmap")
	key := mustKey(t)

	c, err := Create(path, key)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer c.Close()

	page := bytes.Repeat([]byte{0xAB}, vmtypes.PageSize)
	if err := c.AlignedPwrite(page, 0); err != nil {
		t.Fatalf("AlignedPwrite: %v", err)
	}

	got := make([]byte, vmtypes.PageSize)
	if err := c.AlignedPread(got, 0); err != nil {
		t.Fatalf("AlignedPread: %v", err)
	}
	if diff := cmp.Diff(page, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnwrittenPageReadsAsZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.cmap")
	c, err := Create(path, mustKey(t))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer c.Close()

	got := make([]byte, vmtypes.PageSize)
	for i := range got {
		got[i] = 0xFF
	}
	if err := c.AlignedPread(got, 3*int64(vmtypes.PageSize)); err != nil {
		t.Fatalf("AlignedPread: %v", err)
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0 for a page entirely past end of file", i, b)
		}
	}
}

// TestUnwrittenInteriorHoleReadsAsZero covers a page that is unwritten
// but lies *below* a page that has been written (e.g. Flush extends the
// file by writing back a high page before a lower one is ever touched,
// leaving it a sparse hole rather than simply past end of file. It must
// still read as zero rather than fail GCM authentication on an all-zero
// ciphertext block.
func TestUnwrittenInteriorHoleReadsAsZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.cmap")
	c, err := Create(path, mustKey(t))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer c.Close()

	high := bytes.Repeat([]byte{0x42}, vmtypes.PageSize)
	if err := c.AlignedPwrite(high, 4*int64(vmtypes.PageSize)); err != nil {
		t.Fatalf("AlignedPwrite page 4: %v", err)
	}

	for _, page := range []int64{0, 1, 2, 3} {
		got := bytes.Repeat([]byte{0xFF}, vmtypes.PageSize)
		if err := c.AlignedPread(got, page*int64(vmtypes.PageSize)); err != nil {
			t.Fatalf("AlignedPread hole page %d: %v", page, err)
		}
		for i, b := range got {
			if b != 0 {
				t.Fatalf("page %d byte %d = %#x, want 0 for an interior hole", page, i, b)
			}
		}
	}

	got := make([]byte, vmtypes.PageSize)
	if err := c.AlignedPread(got, 4*int64(vmtypes.PageSize)); err != nil {
		t.Fatalf("AlignedPread page 4: %v", err)
	}
	if !bytes.Equal(got, high) {
		t.Fatalf("the written high page did not round trip once a hole precedes it")
	}
}

func TestDifferentPagesDoNotShareCiphertext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.cmap")
	key := mustKey(t)
	c, err := Create(path, key)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer c.Close()

	page := bytes.Repeat([]byte{0x11}, vmtypes.PageSize)
	if err := c.AlignedPwrite(page, 0); err != nil {
		t.Fatalf("AlignedPwrite page 0: %v", err)
	}
	if err := c.AlignedPwrite(page, int64(vmtypes.PageSize)); err != nil {
		t.Fatalf("AlignedPwrite page 1: %v", err)
	}

	off0 := headerSize
	off1 := headerSize + c.ciphertextSize()
	raw := make([]byte, c.ciphertextSize())
	if _, err := c.file.ReadAt(raw, int64(off0)); err != nil {
		t.Fatalf("reading raw ciphertext 0: %v", err)
	}
	raw0 := append([]byte(nil), raw...)
	if _, err := c.file.ReadAt(raw, int64(off1)); err != nil {
		t.Fatalf("reading raw ciphertext 1: %v", err)
	}
	if bytes.Equal(raw0, raw) {
		t.Error("two pages of identical plaintext produced identical ciphertext")
	}
}

func TestWrongKeyFailsAuthentication(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.cmap")
	c, err := Create(path, mustKey(t))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	page := bytes.Repeat([]byte{0x77}, vmtypes.PageSize)
	if err := c.AlignedPwrite(page, 0); err != nil {
		t.Fatalf("AlignedPwrite: %v", err)
	}
	c.Close()

	wrong, err := Open(path, mustKey(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer wrong.Close()

	got := make([]byte, vmtypes.PageSize)
	if err := wrong.AlignedPread(got, 0); err == nil {
		t.Fatal("AlignedPread with the wrong key should fail authentication")
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.cmap")
	c, err := Create(path, mustKey(t))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	c.Close()

	raw, err := osOpenRW(path)
	if err != nil {
		t.Fatalf("reopening for corruption: %v", err)
	}
	if _, err := raw.WriteAt([]byte("XXXX"), 0); err != nil {
		t.Fatalf("corrupting magic: %v", err)
	}
	raw.Close()

	if _, err := Open(path, mustKey(t)); err == nil {
		t.Fatal("Open should reject a file with a corrupted magic")
	}
}
