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

// Package pagedregion ties a vmregion.Region to a fault callback that
// performs demand-paged, decrypt-on-read/encrypt-on-write access to an
// encrypted file, with a global CLOCK (second-chance) policy that evicts
// pages of whichever paged region is coldest once the shared pool is
// exhausted.
package pagedregion

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cryptmap/cryptmap/internal/olist"
	"github.com/cryptmap/cryptmap/internal/physmem"
	"github.com/cryptmap/cryptmap/internal/vmfault"
	"github.com/cryptmap/cryptmap/internal/vmregion"
	"github.com/cryptmap/cryptmap/internal/vmtypes"
)

// PageFile is the paged-file collaborator: it encrypts on write and
// decrypts on read between disk and a frame. Both methods operate on
// exactly one page; nbytes is implied by len(buf) == vmtypes.PageSize.
type PageFile interface {
	// AlignedPread decrypts one page of ciphertext at fileOffset into buf.
	AlignedPread(buf []byte, fileOffset int64) error
	// AlignedPwrite encrypts buf and writes it to the ciphertext file at
	// fileOffset.
	AlignedPwrite(buf []byte, fileOffset int64) error
}

// PTE is a paged region's software page-table entry: the record of one
// resident virtual page, which frame backs it, its current kernel
// protection, and the accessed/dirty bits synthesized by narrowing that
// protection after each access.
type PTE struct {
	vp   vmtypes.VPage
	pa   vmtypes.PPage
	prot vmtypes.Prot

	accessed bool
	dirty    bool

	owner *PagedVRegion
	pool  *physmem.Pool

	treeLink  olist.TreeLink[*PTE]
	clockLink olist.RingLink[*PTE]
}

type pteTreeHooks struct{}

func (pteTreeHooks) Key(p *PTE) vmtypes.VPage          { return p.vp }
func (pteTreeHooks) Link(p *PTE) *olist.TreeLink[*PTE] { return &p.treeLink }

type pteRingHooks struct{}

func (pteRingHooks) Link(p *PTE) *olist.RingLink[*PTE] { return &p.clockLink }

// protect updates p's kernel mapping to prot and arms the accessed/dirty
// software bits: accessed is set true whenever prot includes READ, dirty
// whenever it includes WRITE. Neither bit is ever cleared here: only
// explicit assignment clears them (see installPage and Flush).
func (p *PTE) protect(prot vmtypes.Prot) {
	p.prot = prot
	vmregion.Map(p.vp, p.pa, prot)
	if prot&vmtypes.ProtRead != 0 {
		p.accessed = true
	}
	if prot&vmtypes.ProtWrite != 0 {
		p.dirty = true
	}
}

func (p *PTE) fileOffset() int64 {
	return int64(uintptr(p.vp) - uintptr(p.owner.region.Base()))
}

// clockState is the global, per-pool CLOCK list and hand. It is never
// destroyed, mirroring the process-wide lifetime of the teacher's own
// regions/pools registries (see internal/vmregion and internal/physmem):
// destroying it safely at process exit would require an ordering
// guarantee Go's runtime does not provide for package-level state.
type clockState struct {
	ring olist.Ring[*PTE, pteRingHooks]
	hand *PTE
}

var clockStates = map[*physmem.Pool]*clockState{}

func stateFor(pool *physmem.Pool) *clockState {
	st := clockStates[pool]
	if st == nil {
		st = &clockState{}
		clockStates[pool] = st
	}
	return st
}

// PagedVRegion owns a vmregion.Region and the PTEs resident within it.
type PagedVRegion struct {
	region *vmregion.Region
	pt     olist.Tree[vmtypes.VPage, *PTE, pteTreeHooks]
	pool   *physmem.Pool
	file   PageFile
	log    logrus.FieldLogger
}

// New reserves a region of nbytes bytes backed by pool, decrypted
// on demand through file.
func New(nbytes int, pool *physmem.Pool, file PageFile, log logrus.FieldLogger) (*PagedVRegion, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	pvr := &PagedVRegion{pool: pool, file: file, log: log}
	region, err := vmregion.New(nbytes, pvr.onFault)
	if err != nil {
		return nil, err
	}
	pvr.region = region
	return pvr, nil
}

// Base returns the address of the first byte of the mapped region.
func (pvr *PagedVRegion) Base() vmtypes.VPage { return pvr.region.Base() }

// Size returns the size in bytes of the mapped region.
func (pvr *PagedVRegion) Size() uintptr { return pvr.region.Size() }

func (pvr *PagedVRegion) end() vmtypes.VPage {
	return vmtypes.VPage(uintptr(pvr.Base()) + pvr.Size())
}

// onFault implements spec.md §4.5: case 1 (no resident PTE, evict if
// necessary, install a fresh page) and case 2 (resident PTE trapped
// because its protection was narrowed, widen it).
func (pvr *PagedVRegion) onFault(addr vmtypes.VPage) {
	vp := vmtypes.VPage(vmtypes.PageRound(uintptr(addr)))
	if pte := pvr.pt.Find(vp); pte != nil {
		newProt := vmtypes.ProtRead
		if pte.accessed || pte.dirty {
			newProt |= vmtypes.ProtWrite
		}
		pte.protect(newProt)
		return
	}
	pvr.installPage(vp)
}

func (pvr *PagedVRegion) installPage(vp vmtypes.VPage) {
	if pvr.pool.NFree() == 0 {
		evictOne(pvr.pool)
	}
	pa, ok := pvr.pool.PageAlloc()
	if !ok {
		panic("pagedregion: pool exhausted immediately after eviction")
	}
	pte := &PTE{vp: vp, pa: pa, owner: pvr, pool: pvr.pool}
	pte.protect(vmtypes.ProtRead | vmtypes.ProtWrite)
	stateFor(pvr.pool).ring.PushBack(pte)
	pvr.pt.Insert(pte)

	if err := pvr.file.AlignedPread(pvr.pool.FrameBytes(pa), pte.fileOffset()); err != nil {
		panic(errors.Wrap(err, "pagedregion: aligned_pread during fault").Error())
	}

	pte.accessed = false
	pte.dirty = false
	pte.protect(vmtypes.ProtNone)
	pvr.log.WithFields(logrus.Fields{"vpage": fmt.Sprintf("%#x", uintptr(vp)), "frame": fmt.Sprintf("%#x", uintptr(pa))}).
		Debug("pagedregion: installed new resident page")
}

// evictOne runs CLOCK over pool's global PTE list, writing back and
// reclaiming exactly one frame. It is a precondition violation (pool
// full with nothing evictable) for this to fail to make progress within
// 2*npages+1 steps.
func evictOne(pool *physmem.Pool) {
	st := stateFor(pool)
	limit := 2*pool.NPages() + 1
	for i := 0; i < limit; i++ {
		if st.hand == nil {
			st.hand = st.ring.Any()
			if st.hand == nil {
				panic("pagedregion: pool full but no resident pages exist to evict")
			}
		}
		victim := st.hand
		if !victim.accessed {
			if victim.dirty {
				victim.protect(vmtypes.ProtRead | vmtypes.ProtWrite)
				if err := victim.owner.file.AlignedPwrite(pool.FrameBytes(victim.pa), victim.fileOffset()); err != nil {
					panic(errors.Wrap(err, "pagedregion: aligned_pwrite during eviction").Error())
				}
			}
			victim.owner.log.WithField("vpage", fmt.Sprintf("%#x", uintptr(victim.vp))).Debug("pagedregion: evicting page")
			destroyPTE(victim)
			return
		}
		victim.accessed = false
		vmregion.Map(victim.vp, victim.pa, vmtypes.ProtNone)
		victim.prot = vmtypes.ProtNone
		st.hand = st.ring.Next(victim)
	}
	panic("pagedregion: CLOCK traversal exceeded 2*npages+1 steps without a victim")
}

// destroyPTE tears down pte: advances any CLOCK hand pointing at it,
// removes it from the CLOCK list and its owning region's page table,
// unmaps its virtual page, and returns its frame to the pool.
func destroyPTE(pte *PTE) {
	detachFromClock(pte)
	pte.owner.pt.Erase(pte)
	vmregion.Unmap(pte.vp)
	pte.pool.PageFree(pte.pa)
}

func detachFromClock(pte *PTE) {
	st := stateFor(pte.pool)
	if st.hand == pte {
		next := st.ring.Next(pte)
		if next == pte {
			next = nil
		}
		st.hand = next
	}
	st.ring.Remove(pte)
}

// Flush writes back every dirty page without evicting, leaving resident
// pages in memory. After Flush, every PTE's dirty bit is false and its
// protection is NONE or READ.
func (pvr *PagedVRegion) Flush() error {
	base, end := pvr.Base(), pvr.end()
	for pte := pvr.pt.LowerBound(base); pte != nil && pte.vp < end; pte = pvr.pt.Next(pte) {
		if !pte.dirty {
			continue
		}
		pte.protect(vmtypes.ProtRead | vmtypes.ProtWrite)
		if err := pvr.file.AlignedPwrite(pvr.pool.FrameBytes(pte.pa), pte.fileOffset()); err != nil {
			return errors.Wrap(err, "pagedregion: flush")
		}
		pte.dirty = false
		pte.protect(vmtypes.ProtRead)
	}
	return nil
}

// Destroy deletes every PTE in the region, freeing its frame through
// mapping teardown, and then releases the owned VMRegion.
func (pvr *PagedVRegion) Destroy() error {
	base, end := pvr.Base(), pvr.end()
	for pte := pvr.pt.LowerBound(base); pte != nil && pte.vp < end; {
		next := pvr.pt.Next(pte)
		destroyPTE(pte)
		pte = next
	}
	return pvr.region.Destroy()
}

// maxTouchAttempts bounds the retry loop in Touch. A freshly installed
// page is deliberately left at PROT_NONE, so a write to a cold page
// takes three dispatches by design: onFault's case 1 installs the page
// (still PROT_NONE), case 2 then widens it to READ, and case 2 again
// widens it to READ|WRITE once the retried access turns out to be a
// write.
const maxTouchAttempts = 6

// Touch ensures the page containing vp is resident and has at least
// enough protection to satisfy the requested access, triggering and
// resolving faults as needed. Every mapped-access entry point of the
// cryptfile façade (Touch, ReadMapped, WriteMapped) funnels through this
// instead of dereferencing the
// mapped memory directly, since Go gives us no way to intercept an
// arbitrary pointer dereference the way the C original's SIGSEGV handler
// does; see internal/vmfault.
func (pvr *PagedVRegion) Touch(vp vmtypes.VPage, write bool) {
	access := func() {
		if write {
			// An atomic add of zero is a real write access that leaves the
			// page's bytes unchanged; a plain *p = *p is compiled away to
			// a read and so never triggers a write fault.
			word := (*uint32)(unsafe.Pointer(vmtypes.PageRound(uintptr(vp)))) //nolint:govet // VA reconstruction
			atomic.AddUint32(word, 0)
		} else {
			_ = *(*byte)(unsafe.Pointer(uintptr(vp))) //nolint:govet // VA reconstruction
		}
	}
	for attempt := 0; attempt < maxTouchAttempts; attempt++ {
		if !vmfault.Guard(access) {
			return
		}
		vmregion.Dispatch(vmtypes.VPage(vmtypes.PageRound(uintptr(vp))))
	}
	panic(fmt.Sprintf("pagedregion: access at %#x still faults after %d rounds of fault resolution", uintptr(vp), maxTouchAttempts))
}

// CopyOut copies len(dst) bytes from the mapping starting at byte
// offset off into dst, touching each page it spans for read as needed.
// This is the mapped counterpart of a plain file ReadAt: callers that
// want to exercise the mapping (rather than going straight through the
// PageFile, as cryptfile's unmapped ReadAt/WriteAt do) use this.
func (pvr *PagedVRegion) CopyOut(dst []byte, off uintptr) error {
	if off+uintptr(len(dst)) > pvr.Size() {
		return errors.Errorf("pagedregion: copy-out [%d,%d) exceeds region size %d", off, off+uintptr(len(dst)), pvr.Size())
	}
	for n := 0; n < len(dst); {
		vp := vmtypes.VPage(uintptr(pvr.Base()) + off + uintptr(n))
		pvr.Touch(vp, false)
		avail := pageRemainder(vp, len(dst)-n)
		src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(vp))), avail) //nolint:govet // VA reconstruction
		copy(dst[n:n+avail], src)
		n += avail
	}
	return nil
}

// CopyIn writes len(src) bytes into the mapping starting at byte offset
// off, touching each page it spans for write as needed. The mapped
// counterpart of a plain file WriteAt.
func (pvr *PagedVRegion) CopyIn(src []byte, off uintptr) error {
	if off+uintptr(len(src)) > pvr.Size() {
		return errors.Errorf("pagedregion: copy-in [%d,%d) exceeds region size %d", off, off+uintptr(len(src)), pvr.Size())
	}
	for n := 0; n < len(src); {
		vp := vmtypes.VPage(uintptr(pvr.Base()) + off + uintptr(n))
		pvr.Touch(vp, true)
		avail := pageRemainder(vp, len(src)-n)
		dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(vp))), avail) //nolint:govet // VA reconstruction
		copy(dst, src[n:n+avail])
		n += avail
	}
	return nil
}

// pageRemainder returns how many of the next want bytes starting at vp
// lie within vp's own page, so a copy loop advances exactly one Touch
// per page spanned.
func pageRemainder(vp vmtypes.VPage, want int) int {
	pageStart := vmtypes.PageRound(uintptr(vp))
	avail := vmtypes.PageSize - int(uintptr(vp)-pageStart)
	if avail > want {
		avail = want
	}
	return avail
}

// CheckInvariants walks pvr's page table and panics on any violation of
// its ordered-map invariants (see internal/olist.Tree.CheckInvariants).
func (pvr *PagedVRegion) CheckInvariants() {
	pvr.pt.CheckInvariants()
}

// CheckGlobalInvariants verifies, for every pool with an active CLOCK
// list, that every PTE on the list is reachable from its owning region's
// page table under the same key: spec.md §8's first quantified
// invariant.
func CheckGlobalInvariants() {
	for pool, st := range clockStates {
		start := st.ring.Any()
		if start == nil {
			continue
		}
		cur := start
		for {
			if pte := cur.owner.pt.Find(cur.vp); pte != cur {
				panic(fmt.Sprintf("pagedregion: PTE at %#x in pool %#x's CLOCK list is not in its region's page table", uintptr(cur.vp), uintptr(pool.Base())))
			}
			cur = st.ring.Next(cur)
			if cur == start {
				break
			}
		}
	}
}
