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

// Package vmregion reserves virtual address ranges with no backing,
// dispatches faults within them to per-region callbacks, and owns the
// process-global mapping table that records which frame (if any) backs
// each virtual page. It is the only package that maps frames into, or
// changes protections within, reserved regions (physmem maps only its
// own pool memory).
package vmregion

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/cryptmap/cryptmap/internal/olist"
	"github.com/cryptmap/cryptmap/internal/physmem"
	"github.com/cryptmap/cryptmap/internal/vmfault"
	"github.com/cryptmap/cryptmap/internal/vmtypes"
)

// Region is a contiguous, reserved range of the process address space.
// Until pages within it are explicitly mapped, accessing it faults.
// Regions never overlap.
type Region struct {
	base    vmtypes.VPage
	nbytes  uintptr
	handler func(vmtypes.VPage)

	regLink olist.TreeLink[*Region]
}

type regionHooks struct{}

func (regionHooks) Key(r *Region) vmtypes.VPage           { return r.base }
func (regionHooks) Link(r *Region) *olist.TreeLink[*Region] { return &r.regLink }

var regions olist.Tree[vmtypes.VPage, *Region, regionHooks]

// mapping is the process-global record of {virtual_page -> (frame,
// protection)}. Absence of a mapping represents frame == nil, prot ==
// ProtNone; a mapping only exists in the tree once it is non-trivial.
type mapping struct {
	va   vmtypes.VPage
	pa   vmtypes.PPage
	prot vmtypes.Prot

	mapLink olist.TreeLink[*mapping]
}

type mappingHooks struct{}

func (mappingHooks) Key(m *mapping) vmtypes.VPage             { return m.va }
func (mappingHooks) Link(m *mapping) *olist.TreeLink[*mapping] { return &m.mapLink }

var mappings olist.Tree[vmtypes.VPage, *mapping, mappingHooks]

// New reserves a contiguous range of nbytes of virtual address space
// with PROT_NONE and no backing, and arranges for faults within it to
// invoke handler with the faulting page's base address.
func New(nbytes int, handler func(vmtypes.VPage)) (*Region, error) {
	mem, err := unix.Mmap(-1, 0, nbytes, unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "vmregion: mmap reservation")
	}
	r := &Region{
		base:    vmtypes.VPage(addrOf(mem)),
		nbytes:  uintptr(nbytes),
		handler: handler,
	}
	regions.Insert(r)
	vmfault.Install()
	return r, nil
}

// Base returns the address of the first byte of r.
func (r *Region) Base() vmtypes.VPage { return r.base }

// Size returns the reserved size of r in bytes.
func (r *Region) Size() uintptr { return r.nbytes }

// Destroy releases r's address reservation. It is a precondition
// violation for any mapping record to remain within [base, base+nbytes).
func (r *Region) Destroy() error {
	if m := mappings.LowerBound(r.base); m != nil && uintptr(m.va) < uintptr(r.base)+r.nbytes {
		panic(fmt.Sprintf("vmregion: destroying region %#x with live mapping at %#x", r.base, m.va))
	}
	regions.Erase(r)
	return errors.Wrap(unmapOS(r.base, r.nbytes), "vmregion: munmap")
}

// Resolve returns the region containing addr, or ok=false if addr is
// not inside any reserved region.
func Resolve(addr vmtypes.VPage) (r *Region, ok bool) {
	r = regions.UpperBoundPrev(addr)
	if r == nil || uintptr(addr) >= uintptr(r.base)+r.nbytes {
		return nil, false
	}
	return r, true
}

// Dispatch resolves addr to its owning region and invokes its fault
// callback. Called by pagedregion's Touch, after internal/vmfault's
// Guard reports a fault, with the faulting address rounded down to a
// page boundary. Any error raised by the callback, and any address
// outside every region, is unrecoverable: this function is on the
// synchronous fault path, and failures surface as panics that nothing
// recovers, ending the process.
func Dispatch(addr vmtypes.VPage) {
	r, ok := Resolve(addr)
	if !ok {
		panic(fmt.Sprintf("vmregion: page fault at address %#x outside any region", addr))
	}
	faultLog.WithField("addr", fmt.Sprintf("%#x", uintptr(addr))).Debug("vmregion: dispatching page fault")
	r.handler(addr)
}

// Map installs a mapping for va backed by frame pa with protection prot.
// If no mapping record exists yet for va, one is created first. pa must
// be non-zero; use Unmap to remove a mapping.
func Map(va vmtypes.VPage, pa vmtypes.PPage, prot vmtypes.Prot) {
	m := mappings.Find(va)
	if m == nil {
		m = &mapping{va: va, pa: 0, prot: vmtypes.ProtNone}
		mappings.Insert(m)
	}
	update(m, pa, prot)
}

// Unmap removes any mapping for va, returning its frame's reference to
// the pool and restoring PROT_NONE.
func Unmap(va vmtypes.VPage) {
	m := mappings.Find(va)
	if m == nil {
		return
	}
	update(m, 0, vmtypes.ProtNone)
}

func update(m *mapping, newPA vmtypes.PPage, newProt vmtypes.Prot) {
	if newPA == m.pa && newProt == m.prot {
		return
	}
	switch {
	case newPA == 0:
		if newProt != vmtypes.ProtNone {
			panic("vmregion: unmapping a page must request ProtNone")
		}
		if m.pa != 0 {
			if err := reserveOS(m.va); err != nil {
				panic(errors.Wrap(err, "vmregion: re-reserve on unmap").Error())
			}
			*refcountOf(m.pa)--
		}
		mappings.Erase(m)

	case newPA != m.pa:
		pool, ok := physmem.Find(newPA)
		if !ok {
			panic(fmt.Sprintf("vmregion: frame %#x is not in any pool", newPA))
		}
		if err := mapFileOS(m.va, pool, newPA, newProt); err != nil {
			panic(errors.Wrap(err, "vmregion: mmap frame").Error())
		}
		*refcountOf(newPA)++
		if m.pa != 0 {
			*refcountOf(m.pa)--
		}
		m.pa, m.prot = newPA, newProt

	default:
		if err := protectOS(m.va, newProt); err != nil {
			panic(errors.Wrap(err, "vmregion: mprotect").Error())
		}
		m.prot = newProt
	}
}

func refcountOf(pa vmtypes.PPage) *int32 {
	pool, ok := physmem.Find(pa)
	if !ok {
		panic(fmt.Sprintf("vmregion: frame %#x is not in any pool", pa))
	}
	rc := pool.Refcount(pa)
	if *rc < 0 {
		panic(fmt.Sprintf("vmregion: frame %#x already freed or never allocated", pa))
	}
	return rc
}

var faultLog logrus.FieldLogger = logrus.StandardLogger()

// SetLogger overrides the logger used for fault-path diagnostics.
func SetLogger(l logrus.FieldLogger) { faultLog = l }
