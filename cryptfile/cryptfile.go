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

//go:build linux

// Package cryptfile is the public façade named in spec.md §6: a file
// whose contents can be memory-mapped, decrypted on the way in and
// encrypted on the way back out, page by page, on demand. It wires
// internal/physmem, internal/pagedregion and codec together; nothing in
// those packages imports this one.
package cryptfile

import (
	"os"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cryptmap/cryptmap/codec"
	"github.com/cryptmap/cryptmap/internal/pagedregion"
	"github.com/cryptmap/cryptmap/internal/physmem"
	"github.com/cryptmap/cryptmap/internal/vmtypes"
)

// DefaultPoolPages is the pseudo-physical pool size used when Map is
// called before any SetMemorySize call, mirroring original_source's
// MCryptFile::phys_npages default of 1000 (rounded here to a friendlier
// power of two).
const DefaultPoolPages = 1024

// ErrNotMapped is returned by the mapped-access accessors when no Map
// call is currently in effect.
var ErrNotMapped = errors.New("cryptfile: not currently mapped")

// pool is process-wide, shared by every CryptFile, constructed lazily on
// the first Map call across all of them, exactly original_source's
// `if (!pm) { static PhysMem p(phys_npages); pm = &p; }` in
// MCryptFile::map. poolPages may only be changed by SetMemorySize before
// pool exists; once constructed it is never destroyed or resized.
var (
	pool      *physmem.Pool
	poolPages = DefaultPoolPages
)

// SetMemorySize sets the number of pages in the shared pseudo-physical
// pool used by every subsequently-mapped CryptFile. It has no effect
// once any CryptFile has been mapped.
func SetMemorySize(npages int) {
	if pool != nil {
		return
	}
	poolPages = npages
}

// CryptFile is a single open encrypted file, optionally memory-mapped.
type CryptFile struct {
	path  string
	codec *codec.Codec
	lock  *flock.Flock
	pvr   *pagedregion.PagedVRegion
	log   logrus.FieldLogger
}

// Open opens path under key, creating it if it does not already exist.
// An advisory exclusive lock is held on a sidecar file, path + ".lock",
// for the lifetime of the returned CryptFile: spec.md's single-process assumption (§5) means
// this module never supports concurrent access, but the lock turns what
// would otherwise be silent ciphertext corruption under an accidental
// second process into a clean error.
func Open(path string, key codec.Key, log logrus.FieldLogger) (*CryptFile, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	lk := flock.New(lockPath(path))
	locked, err := lk.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "cryptfile: acquiring lock")
	}
	if !locked {
		return nil, errors.Errorf("cryptfile: %s is already open by another process", path)
	}

	var c *codec.Codec
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		c, err = codec.Create(path, key)
	} else {
		c, err = codec.Open(path, key)
	}
	if err != nil {
		lk.Unlock()
		return nil, err
	}

	return &CryptFile{path: path, codec: c, lock: lk, log: log}, nil
}

func lockPath(path string) string { return path + ".lock" }

// Close unmaps (flushing first) if mapped, closes the codec, and
// releases the file lock.
func (cf *CryptFile) Close() error {
	if err := cf.Unmap(); err != nil {
		return err
	}
	cerr := cf.codec.Close()
	lerr := cf.lock.Unlock()
	if cerr != nil {
		return cerr
	}
	return errors.Wrap(lerr, "cryptfile: releasing lock")
}

// Map constructs (or reconstructs, if already mapped) a paged region
// covering the larger of minSize and the file's current size, and
// returns the address of its first byte. Growing a file after it has
// already been mapped requires Unmap then Map again; the returned
// address is not stable across that sequence.
func (cf *CryptFile) Map(minSize int64) (vmtypes.VPage, error) {
	if pool == nil {
		p, err := physmem.New(poolPages, cf.log)
		if err != nil {
			return 0, errors.Wrap(err, "cryptfile: constructing shared pool")
		}
		pool = p
	}
	if err := cf.Unmap(); err != nil {
		return 0, err
	}

	size, err := cf.codec.Size()
	if err != nil {
		return 0, err
	}
	if minSize > size {
		size = minSize
	}
	size = vmtypes.PageRoundUp(size)
	if size == 0 {
		size = int64(vmtypes.PageSize)
	}

	pvr, err := pagedregion.New(int(size), pool, cf.codec, cf.log)
	if err != nil {
		return 0, errors.Wrap(err, "cryptfile: mapping")
	}
	cf.pvr = pvr
	return pvr.Base(), nil
}

// Unmap flushes and releases the current mapping, if any. It is a no-op
// if the file is not currently mapped.
func (cf *CryptFile) Unmap() error {
	if cf.pvr == nil {
		return nil
	}
	if err := cf.pvr.Flush(); err != nil {
		return err
	}
	err := cf.pvr.Destroy()
	cf.pvr = nil
	return errors.Wrap(err, "cryptfile: unmapping")
}

// MapBase returns the address of the first byte of the current mapping.
func (cf *CryptFile) MapBase() (vmtypes.VPage, error) {
	if cf.pvr == nil {
		return 0, ErrNotMapped
	}
	return cf.pvr.Base(), nil
}

// MapSize returns the size in bytes of the current mapping.
func (cf *CryptFile) MapSize() (uintptr, error) {
	if cf.pvr == nil {
		return 0, ErrNotMapped
	}
	return cf.pvr.Size(), nil
}

// Flush writes every dirty mapped page back to the ciphertext file.
// Pages remain resident in memory; Flush does not unmap or evict.
func (cf *CryptFile) Flush() error {
	if cf.pvr == nil {
		return nil
	}
	return cf.pvr.Flush()
}

// Touch ensures the mapped byte at the given offset from MapBase is
// resident with at least the requested access, for code that wants to
// dereference the mapping directly rather than go through ReadAt/WriteAt.
func (cf *CryptFile) Touch(byteOffset uintptr, write bool) error {
	if cf.pvr == nil {
		return ErrNotMapped
	}
	cf.pvr.Touch(vmtypes.VPage(uintptr(cf.pvr.Base())+byteOffset), write)
	return nil
}

// ReadMapped reads len(p) bytes starting at byte offset off directly out
// of the active mapping, touching (and so demand-paging and decrypting)
// whatever pages it spans. Returns ErrNotMapped if the file is not
// currently mapped. Unlike ReadAt, this goes through the CLOCK-managed
// mapping rather than the codec directly.
func (cf *CryptFile) ReadMapped(p []byte, off int64) error {
	if cf.pvr == nil {
		return ErrNotMapped
	}
	return cf.pvr.CopyOut(p, uintptr(off))
}

// WriteMapped writes len(p) bytes to byte offset off directly into the
// active mapping, touching whatever pages it spans for write. The pages
// are marked dirty and are written back on the next Flush or Unmap, not
// immediately. Returns ErrNotMapped if the file is not currently mapped.
func (cf *CryptFile) WriteMapped(p []byte, off int64) error {
	if cf.pvr == nil {
		return ErrNotMapped
	}
	return cf.pvr.CopyIn(p, uintptr(off))
}

// ReadAt reads len(p) plaintext bytes starting at off, independent of
// any active mapping: this goes straight through the codec with no
// page fault, no PTE, and no CLOCK participation, mirroring
// original_source's separation between CryptFile's plain I/O and
// MCryptFile's added mapping layer.
func (cf *CryptFile) ReadAt(p []byte, off int64) (int, error) {
	ps := int64(cf.codec.PageSize())
	buf := make([]byte, ps)
	read := 0
	for read < len(p) {
		cur := off + int64(read)
		pageOff := cur - cur%ps
		if err := cf.codec.AlignedPread(buf, pageOff); err != nil {
			return read, err
		}
		read += copy(p[read:], buf[cur-pageOff:])
	}
	return read, nil
}

// WriteAt writes len(p) plaintext bytes at off, read-modify-writing
// whatever page(s) it straddles. Like ReadAt, it bypasses any active
// mapping entirely.
func (cf *CryptFile) WriteAt(p []byte, off int64) (int, error) {
	ps := int64(cf.codec.PageSize())
	buf := make([]byte, ps)
	written := 0
	for written < len(p) {
		cur := off + int64(written)
		pageOff := cur - cur%ps
		if err := cf.codec.AlignedPread(buf, pageOff); err != nil {
			return written, err
		}
		n := copy(buf[cur-pageOff:], p[written:])
		if err := cf.codec.AlignedPwrite(buf, pageOff); err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// Size returns the current plaintext size of the file.
func (cf *CryptFile) Size() (int64, error) { return cf.codec.Size() }
