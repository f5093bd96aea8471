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

// Package vmtypes holds the address-space vocabulary shared by the
// pool, region, and paged-region layers, so that none of them need to
// import each other just to talk about addresses.
package vmtypes

import "golang.org/x/sys/unix"

// VPage is a page-aligned address inside a reserved VMRegion. It may or
// may not currently be backed by a frame.
type VPage uintptr

// PPage is a page-aligned address of a frame inside a pool's backing
// memory. It may be mapped at zero or more VPages.
type PPage uintptr

// Prot is a kernel protection mode: some bitwise combination of
// ProtNone/ProtRead/ProtWrite.
type Prot int

// Protection bits, aliasing the mmap(2) PROT_* constants.
const (
	ProtNone  Prot = Prot(unix.PROT_NONE)
	ProtRead  Prot = Prot(unix.PROT_READ)
	ProtWrite Prot = Prot(unix.PROT_WRITE)
)

// PageSize is resolved once from the OS at process start.
var PageSize = unix.Getpagesize()

// PageRound rounds addr down to the nearest page boundary.
func PageRound(addr uintptr) uintptr {
	ps := uintptr(PageSize)
	return addr &^ (ps - 1)
}

// PageRoundUp rounds n up to the nearest multiple of the page size.
func PageRoundUp(n int64) int64 {
	ps := int64(PageSize)
	return (n + ps - 1) &^ (ps - 1)
}
