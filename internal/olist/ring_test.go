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

package olist

import "testing"

type ringNode struct {
	id   int
	link RingLink[*ringNode]
}

type ringHooks struct{}

func (ringHooks) Link(e *ringNode) *RingLink[*ringNode] { return &e.link }

func TestRingPushAndWalk(t *testing.T) {
	var r Ring[*ringNode, ringHooks]
	var nodes []*ringNode
	for i := 0; i < 4; i++ {
		n := &ringNode{id: i}
		nodes = append(nodes, n)
		r.PushBack(n)
	}
	if r.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", r.Len())
	}
	start := r.Any()
	cur := start
	var seen []int
	for i := 0; i < 4; i++ {
		seen = append(seen, cur.id)
		cur = r.Next(cur)
	}
	if cur != start {
		t.Fatalf("ring did not cycle back to start after 4 steps")
	}
	if len(seen) != 4 {
		t.Fatalf("walked %d distinct steps, want 4", len(seen))
	}
}

func TestRingRemoveMiddle(t *testing.T) {
	var r Ring[*ringNode, ringHooks]
	a, b, c := &ringNode{id: 1}, &ringNode{id: 2}, &ringNode{id: 3}
	r.PushBack(a)
	r.PushBack(b)
	r.PushBack(c)
	r.Remove(b)
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
	if r.Next(a) != c || r.Next(c) != a {
		t.Fatalf("ring not correctly relinked after removing middle element")
	}
}

func TestRingRemoveLastEmptiesAnchor(t *testing.T) {
	var r Ring[*ringNode, ringHooks]
	a := &ringNode{id: 1}
	r.PushBack(a)
	r.Remove(a)
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
	if r.Any() != nil {
		t.Fatalf("Any() = %v, want nil after removing the only member", r.Any())
	}
}

func TestRingRemoveAnchorAdvances(t *testing.T) {
	var r Ring[*ringNode, ringHooks]
	a, b := &ringNode{id: 1}, &ringNode{id: 2}
	r.PushBack(a)
	r.PushBack(b)
	anchor := r.Any()
	r.Remove(anchor)
	if r.Any() == anchor {
		t.Fatalf("Any() still points at the removed element")
	}
}
