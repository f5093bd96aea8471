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

// Package vmfault is the boundary between a PROT_NONE/PROT_READ page and
// Go code that wants to observe an access violation instead of crashing.
//
// A C process installs a sigaction(SIGSEGV) handler and reads the fault
// address out of siginfo_t. Go's runtime does not let a program install
// a handler like that without per-architecture assembly trampolines (the
// teacher package this is grounded on, safecopy, carries exactly such a
// trampoline for its own memcpy/memclr primitives). For a module this
// size that machinery is out of proportion; instead this package uses
// the mechanism the Go runtime documents for the same situation:
// runtime/debug.SetPanicOnFault turns a synchronous SIGSEGV/SIGBUS
// delivered to the faulting goroutine into a recoverable runtime.Error
// rather than a fatal crash.
package vmfault

import (
	"regexp"
	"runtime/debug"
	"strconv"
	"sync"
)

var installOnce sync.Once

// Install arms fault-to-panic conversion for the goroutine that makes
// the first call; later calls do nothing. SetPanicOnFault is a
// per-goroutine setting, so Guard also arms it itself, for the calling
// goroutine and for the duration of fn, which is what lets faults be
// recovered in every goroutine.
func Install() {
	installOnce.Do(func() {
		debug.SetPanicOnFault(true)
	})
}

// Guard runs fn and reports whether it triggered a recoverable memory
// fault. It enables fault-to-panic conversion on the calling goroutine
// while fn runs and restores the previous setting afterwards.
// Precondition: fn must perform exactly the single memory access being
// guarded (Guard cannot tell which of several accesses inside fn
// faulted).
func Guard(fn func()) (faulted bool) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(error); !ok {
				panic(r)
			}
			faulted = true
		}
	}()
	fn()
	return false
}

var addrPattern = regexp.MustCompile(`0x[0-9a-fA-F]+`)

// AddressFromRecover extracts the faulting address from a recovered
// fault value, for the case where the caller does not already know
// which address it touched (Guard's normal callers do, and skip this).
// The runtime exposes no structured accessor for the address, only the
// "unexpected fault address 0x..." message, so this is a best-effort
// string scrape; ok is false if no address could be parsed.
func AddressFromRecover(r any) (addr uintptr, ok bool) {
	err, isErr := r.(error)
	if !isErr {
		return 0, false
	}
	m := addrPattern.FindString(err.Error())
	if m == "" {
		return 0, false
	}
	v, perr := strconv.ParseUint(m, 0, 64)
	if perr != nil {
		return 0, false
	}
	return uintptr(v), true
}
