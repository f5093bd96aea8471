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

import (
	"math/rand"
	"testing"
)

type intNode struct {
	key  int
	link TreeLink[*intNode]
}

type intHooks struct{}

func (intHooks) Key(e *intNode) int            { return e.key }
func (intHooks) Link(e *intNode) *TreeLink[*intNode] { return &e.link }

func newIntTree() *Tree[int, *intNode, intHooks] {
	return &Tree[int, *intNode, intHooks]{}
}

func TestTreeInsertFindOrder(t *testing.T) {
	tr := newIntTree()
	keys := []int{5, 2, 8, 1, 9, 3, 7, 4, 6, 0}
	nodes := map[int]*intNode{}
	for _, k := range keys {
		n := &intNode{key: k}
		nodes[k] = n
		tr.Insert(n)
	}
	tr.CheckInvariants()
	if tr.Len() != len(keys) {
		t.Fatalf("Len() = %d, want %d", tr.Len(), len(keys))
	}

	var got []int
	for e := tr.Min(); e != nil; e = tr.Next(e) {
		got = append(got, e.key)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("in-order traversal not strictly increasing: %v", got)
		}
	}
	if len(got) != len(keys) {
		t.Fatalf("traversal visited %d elements, want %d", len(got), len(keys))
	}

	for _, k := range keys {
		if tr.Find(k) != nodes[k] {
			t.Fatalf("Find(%d) did not return the inserted node", k)
		}
	}
	if tr.Find(100) != nil {
		t.Fatalf("Find(100) = non-nil, want nil")
	}
}

func TestTreeBounds(t *testing.T) {
	tr := newIntTree()
	for _, k := range []int{10, 20, 30, 40} {
		tr.Insert(&intNode{key: k})
	}
	if got := tr.LowerBound(25).key; got != 30 {
		t.Errorf("LowerBound(25) = %d, want 30", got)
	}
	if got := tr.LowerBound(30).key; got != 30 {
		t.Errorf("LowerBound(30) = %d, want 30", got)
	}
	if got := tr.UpperBound(30).key; got != 40 {
		t.Errorf("UpperBound(30) = %d, want 40", got)
	}
	if got := tr.UpperBoundPrev(25).key; got != 20 {
		t.Errorf("UpperBoundPrev(25) = %d, want 20", got)
	}
	if got := tr.UpperBoundPrev(30).key; got != 30 {
		t.Errorf("UpperBoundPrev(30) = %d, want 30", got)
	}
	if tr.UpperBound(40) != nil {
		t.Errorf("UpperBound(40) = non-nil, want nil")
	}
	if tr.LowerBound(41) != nil {
		t.Errorf("LowerBound(41) = non-nil, want nil")
	}
}

func TestTreeEraseRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	tr := newIntTree()
	var live []*intNode
	present := map[int]bool{}
	for i := 0; i < 500; i++ {
		switch {
		case len(live) == 0 || rng.Intn(2) == 0:
			k := rng.Intn(1000)
			if present[k] {
				continue
			}
			n := &intNode{key: k}
			tr.Insert(n)
			live = append(live, n)
			present[k] = true
		default:
			idx := rng.Intn(len(live))
			n := live[idx]
			tr.Erase(n)
			delete(present, n.key)
			live = append(live[:idx], live[idx+1:]...)
		}
		if tr.Len() != len(live) {
			t.Fatalf("Len() = %d, want %d", tr.Len(), len(live))
		}
		tr.CheckInvariants()
	}
	var prevKey int
	first := true
	count := 0
	for e := tr.Min(); e != nil; e = tr.Next(e) {
		if !first && e.key <= prevKey {
			t.Fatalf("traversal not strictly increasing at %d", e.key)
		}
		prevKey = e.key
		first = false
		count++
	}
	if count != len(live) {
		t.Fatalf("traversal count = %d, want %d", count, len(live))
	}
}

func TestTreeInsertAlreadyLinkedPanics(t *testing.T) {
	tr := newIntTree()
	n := &intNode{key: 1}
	tr.Insert(n)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic inserting an already-linked element")
		}
	}()
	tr.Insert(n)
}

func TestTreePrevNext(t *testing.T) {
	tr := newIntTree()
	nodes := map[int]*intNode{}
	for _, k := range []int{1, 2, 3, 4, 5} {
		n := &intNode{key: k}
		nodes[k] = n
		tr.Insert(n)
	}
	if tr.Prev(nodes[1]) != nil {
		t.Errorf("Prev(min) should be nil")
	}
	if tr.Next(nodes[5]) != nil {
		t.Errorf("Next(max) should be nil")
	}
	if tr.Next(nodes[3]) != nodes[4] {
		t.Errorf("Next(3) != 4")
	}
	if tr.Prev(nodes[3]) != nodes[2] {
		t.Errorf("Prev(3) != 2")
	}
}
