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

package vmregion

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/cryptmap/cryptmap/internal/physmem"
	"github.com/cryptmap/cryptmap/internal/vmtypes"
)

func addrOf(mem []byte) uintptr {
	if len(mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&mem[0]))
}

func pointerTo(va vmtypes.VPage) unsafe.Pointer {
	return unsafe.Pointer(uintptr(va)) //nolint:govet // intentional VA reconstruction for mmap/mprotect
}

func unmapOS(base vmtypes.VPage, nbytes uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(base), nbytes, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// reserveOS re-reserves the single page at va with PROT_NONE, discarding
// whatever frame used to be mapped there. It must not change va.
func reserveOS(va vmtypes.VPage) error {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, uintptr(va), uintptr(vmtypes.PageSize),
		uintptr(unix.PROT_NONE), uintptr(unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_FIXED), ^uintptr(0), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// mapFileOS installs a fixed-address shared mapping of one page of
// pool's backing file, at the offset corresponding to pa, over va.
func mapFileOS(va vmtypes.VPage, pool *physmem.Pool, pa vmtypes.PPage, prot vmtypes.Prot) error {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, uintptr(va), uintptr(vmtypes.PageSize),
		uintptr(prot), uintptr(unix.MAP_SHARED|unix.MAP_FIXED), uintptr(pool.FD()), uintptr(pool.Offset(pa)))
	if errno != 0 {
		return errno
	}
	return nil
}

func protectOS(va vmtypes.VPage, prot vmtypes.Prot) error {
	return unix.Mprotect(unsafe.Slice((*byte)(pointerTo(va)), vmtypes.PageSize), int(prot))
}
