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

// Package physmem implements the pseudo-physical page pool: a fixed-size
// array of page-aligned frames backed by a shared memory file, with a
// free-list allocator and per-frame reference counts. Pools register
// themselves in a process-global registry keyed by base address so that
// a frame address can be resolved back to its owning pool.
package physmem

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/cryptmap/cryptmap/internal/olist"
	"github.com/cryptmap/cryptmap/internal/vmtypes"
)

// mlockSoftCap bounds the best-effort mlock of the pool's backing
// memory; pools larger than this are only partially pinned.
const mlockSoftCap = 1 << 20 // 1 MiB

const (
	freeMagic1   = 0xb587a9ce779288b5
	freeMagic2   = 0xaa75b1b8ac4cd7d0
	freeGarbage  = 0x702e0f91a2a6bec7
)

// freePageHeader is constructed in place at the start of every frame on
// the free list, sandwiched between two magic constants so that
// use-after-free corruption is caught at the next alloc/free boundary.
type freePageHeader struct {
	magic1 uint64
	next   vmtypes.PPage
	magic2 uint64
}

// Pool is a fixed-size array of pseudo-physical pages shared among all
// paged regions. The zero value is not usable; construct with New.
type Pool struct {
	base      vmtypes.PPage
	size      int64 // bytes
	npages    int
	mem       []byte
	fd        int
	nfree     int
	freeHead  vmtypes.PPage
	refcounts []int32

	regLink olist.TreeLink[*Pool]
	log     logrus.FieldLogger
}

type poolHooks struct{}

func (poolHooks) Key(p *Pool) vmtypes.PPage            { return p.base }
func (poolHooks) Link(p *Pool) *olist.TreeLink[*Pool] { return &p.regLink }

var registry olist.Tree[vmtypes.PPage, *Pool, poolHooks]

// New allocates one page-aligned contiguous region of npages pages,
// backed by an anonymous temporary file that is sized up front and
// immediately unlinked (memfd_create gives us both for free: no
// directory entry is ever visible, and the fd is close-on-exec).
func New(npages int, log logrus.FieldLogger) (*Pool, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	size := int64(npages) * int64(vmtypes.PageSize)

	fd, err := unix.MemfdCreate("cryptmap-pool", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "physmem: memfd_create")
	}
	// Prefer space-reserving allocation so that a later page fault can
	// never fail with ENOSPC; fall back to a plain truncate (whose
	// failure mode, if the filesystem really is out of space, then
	// surfaces asynchronously as a SIGBUS on access).
	if err := unix.Fallocate(fd, 0, 0, size); err != nil {
		if err := unix.Ftruncate(fd, size); err != nil {
			unix.Close(fd)
			return nil, errors.Wrap(err, "physmem: ftruncate")
		}
	}

	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "physmem: mmap")
	}

	if err := unix.Mlock(mem[:min64(int64(len(mem)), mlockSoftCap)]); err != nil {
		log.WithError(err).Debug("physmem: mlock failed, continuing unpinned")
	}

	p := &Pool{
		base:      vmtypes.PPage(uintptr(unsafe.Pointer(&mem[0]))),
		size:      size,
		npages:    npages,
		mem:       mem,
		fd:        fd,
		nfree:     npages,
		refcounts: make([]int32, npages),
		log:       log,
	}
	for i := range p.refcounts {
		p.refcounts[i] = -1
	}
	p.buildFreeList()
	registry.Insert(p)
	return p, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// buildFreeList threads every frame onto the free list in ascending
// address order.
func (p *Pool) buildFreeList() {
	var prev vmtypes.PPage
	p.freeHead = 0
	for i := p.npages - 1; i >= 0; i-- {
		addr := p.frameAddr(i)
		hdr := p.header(addr)
		hdr.magic1 = freeMagic1
		hdr.next = prev
		hdr.magic2 = freeMagic2
		prev = addr
	}
	p.freeHead = prev
}

func (p *Pool) frameAddr(i int) vmtypes.PPage {
	return p.base + vmtypes.PPage(i*vmtypes.PageSize)
}

func (p *Pool) index(pa vmtypes.PPage) int {
	return int((pa - p.base) / vmtypes.PPage(vmtypes.PageSize))
}

func (p *Pool) header(pa vmtypes.PPage) *freePageHeader {
	off := int(pa - p.base)
	return (*freePageHeader)(unsafe.Pointer(&p.mem[off]))
}

// PageAlloc pops a frame off the free list and moves its refcount from
// -1 to 0. It returns ok=false if the pool is exhausted.
func (p *Pool) PageAlloc() (pa vmtypes.PPage, ok bool) {
	if p.freeHead == 0 {
		return 0, false
	}
	pa = p.freeHead
	hdr := p.header(pa)
	hdr.check()
	p.freeHead = hdr.next
	hdr.destroy()
	idx := p.index(pa)
	if p.refcounts[idx] != -1 {
		panic("physmem: allocated frame was not on the free list")
	}
	p.refcounts[idx] = 0
	p.nfree--
	return pa, true
}

// PageFree returns a frame to the free list. It is a precondition
// violation to free a frame whose refcount is not 0 (i.e. it is still
// mapped somewhere).
func (p *Pool) PageFree(pa vmtypes.PPage) {
	idx := p.index(pa)
	if p.refcounts[idx] != 0 {
		panic(fmt.Sprintf("physmem: page_free on frame with refcount %d, want 0", p.refcounts[idx]))
	}
	hdr := p.header(pa)
	hdr.magic1 = freeMagic1
	hdr.next = p.freeHead
	hdr.magic2 = freeMagic2
	p.freeHead = pa
	p.refcounts[idx] = -1
	p.nfree++
}

// Refcount returns a pointer to the refcount of pa, which the caller may
// freely increment/decrement (it is the caller's job to keep it
// consistent with the number of live mapping records pointing at pa).
func (p *Pool) Refcount(pa vmtypes.PPage) *int32 {
	idx := p.index(pa)
	return &p.refcounts[idx]
}

// NPages returns the total number of frames in the pool.
func (p *Pool) NPages() int { return p.npages }

// NFree returns the number of frames currently on the free list.
func (p *Pool) NFree() int { return p.nfree }

// Base returns the address of the first (lowest) frame in the pool.
func (p *Pool) Base() vmtypes.PPage { return p.base }

// FD returns the file descriptor backing the pool, for use by the
// region layer when installing a shared kernel mapping.
func (p *Pool) FD() int { return p.fd }

// Offset returns pa's byte offset within the pool's backing file.
func (p *Pool) Offset(pa vmtypes.PPage) int64 {
	return int64(pa - p.base)
}

// FrameBytes returns a slice of exactly vmtypes.PageSize bytes over pa's
// frame, for the codec to decrypt into or encrypt from directly. This is
// deliberately distinct from going through a VPage mapping: reading or
// writing a frame during fault handling must never itself re-enter the
// fault path (see spec's note on pool-side access in the CLOCK writeback
// path).
func (p *Pool) FrameBytes(pa vmtypes.PPage) []byte {
	off := int(pa - p.base)
	return p.mem[off : off+vmtypes.PageSize]
}

// Find resolves a frame address to its owning pool.
func Find(pa vmtypes.PPage) (*Pool, bool) {
	p := registry.UpperBoundPrev(pa)
	if p == nil || pa >= p.base+vmtypes.PPage(p.size) {
		return nil, false
	}
	return p, true
}

// Close releases the pool's backing memory and file descriptor. It is a
// precondition violation to close a pool with outstanding allocations.
func (p *Pool) Close() error {
	if p.nfree != p.npages {
		panic(fmt.Sprintf("physmem: close with %d/%d frames still allocated", p.npages-p.nfree, p.npages))
	}
	registry.Erase(p)
	err := unix.Munmap(p.mem)
	if cerr := unix.Close(p.fd); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(err, "physmem: close")
	}
	return nil
}

func (h *freePageHeader) check() {
	if h.magic1 != freeMagic1 || h.magic2 != freeMagic2 {
		panic("physmem: free-list corruption detected")
	}
}

func (h *freePageHeader) destroy() {
	h.check()
	h.magic1 = freeGarbage
	h.magic2 = freeGarbage
	h.next = 0
}
