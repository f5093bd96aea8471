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

// Package codec is the "paged file" collaborator named in spec.md §6: it
// turns whole, self-contained pages of plaintext into ciphertext and
// back. Every page is encrypted independently with AES-256-GCM under a
// key derived from the caller's master key and the page's file offset,
// so no nonce is ever reused for a given offset and pages are
// decryptable without any neighboring page.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"

	"github.com/cryptmap/cryptmap/internal/vmtypes"
)

const (
	magic        = "CMAP"
	version      = 1
	saltSize     = 32
	headerSize   = 4 + 1 + 4 + saltSize // magic + version + page size + salt
	keySize      = 32                    // AES-256
	nonceSize    = 12                    // standard GCM nonce
)

// Key is a 256-bit master key. Derive one with NewKey or load it from
// wherever the caller's key-management story keeps it; codec never
// persists it.
type Key [keySize]byte

// NewKey draws a fresh random master key.
func NewKey() (Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return Key{}, errors.Wrap(err, "codec: generating key")
	}
	return k, nil
}

// Codec encrypts and decrypts whole pages of a single ciphertext file
// under one master key. It is the PageFile collaborator that
// internal/pagedregion calls on the fault path, and also backs
// cryptfile's non-mapped ReadAt/WriteAt path.
type Codec struct {
	file     *os.File
	key      Key
	salt     [saltSize]byte
	pageSize int
}

// header occupies the first headerSize bytes of the ciphertext file, one
// per file, written once at creation; page 0's sealed record follows
// it. spec.md explicitly declines to define any on-disk format
// ("No stable wire or file format is defined by the core"); this is the
// one piece of concrete format this module needs to be testable and
// usable end to end, and it lives entirely in this package.
type header struct {
	pageSize uint32
	salt     [saltSize]byte
}

// Create initializes a fresh ciphertext file at path with a new random
// salt, under key. The file must not already exist, even as an empty
// file; use Open for an existing file.
func Create(path string, key Key) (*Codec, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "codec: create")
	}
	c := &Codec{file: f, key: key, pageSize: vmtypes.PageSize}
	if _, err := io.ReadFull(rand.Reader, c.salt[:]); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "codec: generating salt")
	}
	if err := c.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

// Open opens an existing ciphertext file at path under key, validating
// its header.
func Open(path string, key Key) (*Codec, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "codec: open")
	}
	c := &Codec{file: f, key: key}
	if err := c.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the underlying file descriptor. It does not flush any
// pending plaintext; callers are responsible for flushing through
// cryptfile before closing.
func (c *Codec) Close() error {
	return errors.Wrap(c.file.Close(), "codec: close")
}

// PageSize returns the page size this codec's ciphertext was formatted
// with, which may differ from the current process's page size if the
// file was created elsewhere.
func (c *Codec) PageSize() int { return c.pageSize }

func (c *Codec) writeHeader() error {
	buf := make([]byte, headerSize)
	copy(buf[0:4], magic)
	buf[4] = version
	binary.LittleEndian.PutUint32(buf[5:9], uint32(vmtypes.PageSize))
	copy(buf[9:9+saltSize], c.salt[:])
	c.pageSize = vmtypes.PageSize
	if _, err := c.file.WriteAt(buf, 0); err != nil {
		return errors.Wrap(err, "codec: writing header")
	}
	return nil
}

func (c *Codec) readHeader() error {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(io.NewSectionReader(c.file, 0, headerSize), buf); err != nil {
		return errors.Wrap(err, "codec: reading header")
	}
	if string(buf[0:4]) != magic {
		return errors.New("codec: not a cryptmap file (bad magic)")
	}
	if buf[4] != version {
		return errors.Errorf("codec: unsupported format version %d", buf[4])
	}
	c.pageSize = int(binary.LittleEndian.Uint32(buf[5:9]))
	copy(c.salt[:], buf[9:9+saltSize])
	return nil
}

// pageKey derives a per-page AEAD key from the master key, the file's
// salt, and the page's file offset, via HKDF-SHA256. Binding the offset
// into the derivation (rather than only into the nonce) means a page
// moved to a different offset in the file, deliberately or by
// corruption, fails to decrypt instead of silently decrypting with the
// wrong page's key.
func (c *Codec) pageKey(pageOffset int64) ([]byte, error) {
	var info [8]byte
	binary.LittleEndian.PutUint64(info[:], uint64(pageOffset))
	kdf := hkdf.New(sha256.New, c.key[:], c.salt[:], info[:])
	key := make([]byte, keySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.Wrap(err, "codec: deriving page key")
	}
	return key, nil
}

func (c *Codec) gcmFor(pageOffset int64) (cipher.AEAD, error) {
	key, err := c.pageKey(pageOffset)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "codec: constructing AES cipher")
	}
	return cipher.NewGCM(block)
}

// ciphertextSize is one page plus GCM's nonce and tag.
func (c *Codec) ciphertextSize() int { return nonceSize + c.pageSize + 16 }

// AlignedPread decrypts the page at pageOffset (a multiple of the
// ciphertext page size) into dst, which must be exactly PageSize bytes.
// If the page has never been written, dst is zero-filled. A page can be
// unwritten two ways: entirely past the current end of file (trailing,
// growing a mapping beyond what's been flushed), or an interior hole
// left sparse because a later page was written first, e.g. by Flush
// writing back a high page before a lower one is ever touched. Both read
// back from the OS as all-zero bytes; AlignedPwrite's fresh random
// nonce makes an all-zero block arising from a real write vanishingly
// improbable, so an all-zero ciphertext block is treated as unwritten in
// both cases rather than fed to GCM, which would otherwise fail
// authentication on a hole instead of returning zeros.
func (c *Codec) AlignedPread(dst []byte, pageOffset int64) error {
	if len(dst) != c.pageSize {
		return errors.Errorf("codec: aligned_pread dst length %d != page size %d", len(dst), c.pageSize)
	}
	fileOff := headerSize + (pageOffset/int64(c.pageSize))*int64(c.ciphertextSize())
	ct := make([]byte, c.ciphertextSize())
	n, err := c.file.ReadAt(ct, fileOff)
	if err != nil && err != io.EOF {
		return errors.Wrap(err, "codec: aligned_pread")
	}
	for i := n; i < len(ct); i++ {
		ct[i] = 0
	}
	if isZeroBlock(ct) {
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}
	nonce, body := ct[:nonceSize], ct[nonceSize:]
	gcm, err := c.gcmFor(pageOffset)
	if err != nil {
		return err
	}
	if _, err := gcm.Open(dst[:0], nonce, body, nil); err != nil {
		return errors.Wrap(err, "codec: aligned_pread: authentication failed")
	}
	return nil
}

func isZeroBlock(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// AlignedPwrite encrypts src (exactly PageSize bytes) under a fresh
// random nonce and writes it to pageOffset.
func (c *Codec) AlignedPwrite(src []byte, pageOffset int64) error {
	if len(src) != c.pageSize {
		return errors.Errorf("codec: aligned_pwrite src length %d != page size %d", len(src), c.pageSize)
	}
	gcm, err := c.gcmFor(pageOffset)
	if err != nil {
		return err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return errors.Wrap(err, "codec: generating nonce")
	}
	sealed := gcm.Seal(nonce, nonce, src, nil)
	fileOff := headerSize + (pageOffset/int64(c.pageSize))*int64(c.ciphertextSize())
	if _, err := c.file.WriteAt(sealed, fileOff); err != nil {
		return errors.Wrap(err, "codec: aligned_pwrite")
	}
	return nil
}

// Size returns the plaintext size implied by the ciphertext file's
// current length: the number of whole pages stored, times page size.
func (c *Codec) Size() (int64, error) {
	info, err := c.file.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "codec: stat")
	}
	body := info.Size() - headerSize
	if body <= 0 {
		return 0, nil
	}
	npages := body / int64(c.ciphertextSize())
	return npages * int64(c.pageSize), nil
}
