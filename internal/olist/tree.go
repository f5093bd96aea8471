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

// Package olist provides intrusive ordered collections: a red-black tree
// (Tree) and a circular doubly-linked list (Ring) whose storage lives
// inside the elements themselves rather than in separately allocated
// nodes. An element may carry more than one embedded link and so belong
// to more than one collection at once, as long as each collection uses a
// distinct embedded link field.
package olist

import "cmp"

// TreeLink is the tree-membership state embedded in an element that
// participates in a Tree. Its zero value is the "not linked" state.
type TreeLink[E any] struct {
	left, right, parent E
	red                 bool
}

// TreeHooks adapts an element type E, keyed by K, to a Tree. Implementations
// are typically a zero-size struct; Tree never allocates one itself, it
// only ever calls through the hooks value stored in the Tree.
type TreeHooks[K cmp.Ordered, E comparable] interface {
	// Key extracts the ordering key for e.
	Key(e E) K
	// Link returns the embedded TreeLink for e.
	Link(e E) *TreeLink[E]
}

// Tree is a red-black tree following Cormen, Leiserson, Rivest & Stein:
// the root is black, red nodes have only black children, and every
// root-to-nil path has equal black height. All operations below are
// O(log n) worst case except Len (O(1), tracked incrementally), Walk
// (O(k) for k elements visited) and CheckInvariants (O(n)).
type Tree[K cmp.Ordered, E comparable, H TreeHooks[K, E]] struct {
	root E
	size int
	h    H
}

// Len returns the number of elements currently in t.
func (t *Tree[K, E, H]) Len() int { return t.size }

func (t *Tree[K, E, H]) link(e E) *TreeLink[E] { return t.h.Link(e) }

// contains reports whether e is currently linked into some Tree. It does
// not verify that t is the specific tree e is linked into, and it does
// not detect an element that is the only member of a different tree
// (such an element has no parent or children to show it is linked).
func (t *Tree[K, E, H]) contains(e E) bool {
	var zero E
	l := t.link(e)
	return l.parent != zero || l.left != zero || l.right != zero || e == t.root
}

// Insert adds e to t. It is a precondition violation for e to already be
// linked into any Tree instance; violating it panics, except when e is
// the sole element of another tree, which is not detected.
func (t *Tree[K, E, H]) Insert(e E) {
	var zero E
	if t.contains(e) {
		panic("olist: element already linked into a tree")
	}
	key := t.h.Key(e)

	var parent E
	cur := t.root
	goLeft := false
	for cur != zero {
		parent = cur
		if key < t.h.Key(cur) {
			cur = t.link(cur).left
			goLeft = true
		} else {
			cur = t.link(cur).right
			goLeft = false
		}
	}
	el := t.link(e)
	el.parent = parent
	el.left = zero
	el.right = zero
	el.red = true

	if parent == zero {
		t.root = e
	} else if goLeft {
		t.link(parent).left = e
	} else {
		t.link(parent).right = e
	}
	t.size++
	t.insertFixup(e)
}

func (t *Tree[K, E, H]) insertFixup(z E) {
	var zero E
	for t.link(z).parent != zero && t.isRed(t.link(z).parent) {
		parent := t.link(z).parent
		grand := t.link(parent).parent
		if parent == t.link(grand).left {
			uncle := t.link(grand).right
			if uncle != zero && t.isRed(uncle) {
				t.link(parent).red = false
				t.link(uncle).red = false
				t.link(grand).red = true
				z = grand
				continue
			}
			if z == t.link(parent).right {
				z = parent
				t.leftRotate(z)
				parent = t.link(z).parent
				grand = t.link(parent).parent
			}
			t.link(parent).red = false
			t.link(grand).red = true
			t.rightRotate(grand)
		} else {
			uncle := t.link(grand).left
			if uncle != zero && t.isRed(uncle) {
				t.link(parent).red = false
				t.link(uncle).red = false
				t.link(grand).red = true
				z = grand
				continue
			}
			if z == t.link(parent).left {
				z = parent
				t.rightRotate(z)
				parent = t.link(z).parent
				grand = t.link(parent).parent
			}
			t.link(parent).red = false
			t.link(grand).red = true
			t.leftRotate(grand)
		}
	}
	t.link(t.root).red = false
}

func (t *Tree[K, E, H]) isRed(e E) bool {
	var zero E
	return e != zero && t.link(e).red
}

func (t *Tree[K, E, H]) leftRotate(x E) {
	var zero E
	y := t.link(x).right
	t.link(x).right = t.link(y).left
	if t.link(y).left != zero {
		t.link(t.link(y).left).parent = x
	}
	t.link(y).parent = t.link(x).parent
	xp := t.link(x).parent
	if xp == zero {
		t.root = y
	} else if x == t.link(xp).left {
		t.link(xp).left = y
	} else {
		t.link(xp).right = y
	}
	t.link(y).left = x
	t.link(x).parent = y
}

func (t *Tree[K, E, H]) rightRotate(x E) {
	var zero E
	y := t.link(x).left
	t.link(x).left = t.link(y).right
	if t.link(y).right != zero {
		t.link(t.link(y).right).parent = x
	}
	t.link(y).parent = t.link(x).parent
	xp := t.link(x).parent
	if xp == zero {
		t.root = y
	} else if x == t.link(xp).right {
		t.link(xp).right = y
	} else {
		t.link(xp).left = y
	}
	t.link(y).right = x
	t.link(x).parent = y
}

// Erase removes e from t. e must currently be linked into t.
func (t *Tree[K, E, H]) Erase(e E) {
	var zero E
	if !t.contains(e) {
		panic("olist: element not linked into this tree")
	}
	y := e
	yOrigRed := t.link(y).red
	var x, xParent E

	el := t.link(e)
	if el.left == zero {
		x = el.right
		xParent = el.parent
		t.transplant(e, el.right)
	} else if el.right == zero {
		x = el.left
		xParent = el.parent
		t.transplant(e, el.left)
	} else {
		y = t.minimum(el.right)
		yOrigRed = t.link(y).red
		x = t.link(y).right
		if t.link(y).parent == e {
			xParent = y
		} else {
			xParent = t.link(y).parent
			t.transplant(y, t.link(y).right)
			t.link(y).right = el.right
			t.link(t.link(y).right).parent = y
		}
		t.transplant(e, y)
		t.link(y).left = el.left
		t.link(t.link(y).left).parent = y
		t.link(y).red = el.red
	}
	t.link(e).left = zero
	t.link(e).right = zero
	t.link(e).parent = zero
	t.size--
	if !yOrigRed {
		t.deleteFixup(x, xParent)
	}
}

func (t *Tree[K, E, H]) transplant(u, v E) {
	var zero E
	up := t.link(u).parent
	if up == zero {
		t.root = v
	} else if u == t.link(up).left {
		t.link(up).left = v
	} else {
		t.link(up).right = v
	}
	if v != zero {
		t.link(v).parent = up
	}
}

// deleteFixup restores red-black invariants after Erase. x may be the
// zero value (a "nil" leaf); xParent supplies its logical parent in that
// case, since a nil node has no link fields of its own to walk through.
func (t *Tree[K, E, H]) deleteFixup(x, xParent E) {
	var zero E
	for x != t.root && !t.isRed(x) {
		if xParent == zero {
			break
		}
		if x == t.link(xParent).left {
			w := t.link(xParent).right
			if t.isRed(w) {
				t.link(w).red = false
				t.link(xParent).red = true
				t.leftRotate(xParent)
				w = t.link(xParent).right
			}
			if !t.isRed(t.link(w).left) && !t.isRed(t.link(w).right) {
				t.link(w).red = true
				x = xParent
				xParent = t.link(x).parent
			} else {
				if !t.isRed(t.link(w).right) {
					if t.link(w).left != zero {
						t.link(t.link(w).left).red = false
					}
					t.link(w).red = true
					t.rightRotate(w)
					w = t.link(xParent).right
				}
				t.link(w).red = t.link(xParent).red
				t.link(xParent).red = false
				if t.link(w).right != zero {
					t.link(t.link(w).right).red = false
				}
				t.leftRotate(xParent)
				x = t.root
				xParent = zero
			}
		} else {
			w := t.link(xParent).left
			if t.isRed(w) {
				t.link(w).red = false
				t.link(xParent).red = true
				t.rightRotate(xParent)
				w = t.link(xParent).left
			}
			if !t.isRed(t.link(w).right) && !t.isRed(t.link(w).left) {
				t.link(w).red = true
				x = xParent
				xParent = t.link(x).parent
			} else {
				if !t.isRed(t.link(w).left) {
					if t.link(w).right != zero {
						t.link(t.link(w).right).red = false
					}
					t.link(w).red = true
					t.leftRotate(w)
					w = t.link(xParent).left
				}
				t.link(w).red = t.link(xParent).red
				t.link(xParent).red = false
				if t.link(w).left != zero {
					t.link(t.link(w).left).red = false
				}
				t.rightRotate(xParent)
				x = t.root
				xParent = zero
			}
		}
	}
	if x != zero {
		t.link(x).red = false
	}
}

func (t *Tree[K, E, H]) minimum(x E) E {
	var zero E
	for t.link(x).left != zero {
		x = t.link(x).left
	}
	return x
}

func (t *Tree[K, E, H]) maximum(x E) E {
	var zero E
	for t.link(x).right != zero {
		x = t.link(x).right
	}
	return x
}

// Find returns the element keyed by k, or the zero value of E if absent.
func (t *Tree[K, E, H]) Find(k K) E {
	var zero E
	x := t.root
	for x != zero {
		xk := t.h.Key(x)
		switch {
		case k < xk:
			x = t.link(x).left
		case k > xk:
			x = t.link(x).right
		default:
			return x
		}
	}
	return zero
}

// LowerBound returns the smallest element with key >= k, or zero if none.
func (t *Tree[K, E, H]) LowerBound(k K) E {
	var zero, result E
	x := t.root
	for x != zero {
		if t.h.Key(x) >= k {
			result = x
			x = t.link(x).left
		} else {
			x = t.link(x).right
		}
	}
	return result
}

// UpperBound returns the smallest element with key > k, or zero if none.
func (t *Tree[K, E, H]) UpperBound(k K) E {
	var zero, result E
	x := t.root
	for x != zero {
		if t.h.Key(x) > k {
			result = x
			x = t.link(x).left
		} else {
			x = t.link(x).right
		}
	}
	return result
}

// UpperBoundPrev returns the largest element with key <= k, or zero if
// none. Used to resolve an address to the region or pool containing it.
func (t *Tree[K, E, H]) UpperBoundPrev(k K) E {
	var zero, result E
	x := t.root
	for x != zero {
		if t.h.Key(x) <= k {
			result = x
			x = t.link(x).right
		} else {
			x = t.link(x).left
		}
	}
	return result
}

// Next returns the in-order successor of e, or zero if e is the maximum.
func (t *Tree[K, E, H]) Next(e E) E {
	var zero E
	if t.link(e).right != zero {
		return t.minimum(t.link(e).right)
	}
	x := e
	y := t.link(x).parent
	for y != zero && x == t.link(y).right {
		x = y
		y = t.link(y).parent
	}
	return y
}

// Prev returns the in-order predecessor of e, or zero if e is the minimum.
func (t *Tree[K, E, H]) Prev(e E) E {
	var zero E
	if t.link(e).left != zero {
		return t.maximum(t.link(e).left)
	}
	x := e
	y := t.link(x).parent
	for y != zero && x == t.link(y).left {
		x = y
		y = t.link(y).parent
	}
	return y
}

// Min returns the smallest element in t, or zero if t is empty.
func (t *Tree[K, E, H]) Min() E {
	var zero E
	if t.root == zero {
		return zero
	}
	return t.minimum(t.root)
}

// Walk calls fn for every element in [lo, hi] in increasing key order,
// stopping early if fn returns false.
func (t *Tree[K, E, H]) Walk(lo, hi K, fn func(E) bool) {
	var zero E
	for e := t.LowerBound(lo); e != zero && t.h.Key(e) <= hi; e = t.Next(e) {
		if !fn(e) {
			return
		}
	}
}

// CheckInvariants walks the whole tree and panics if any red-black
// invariant is violated: binary-search-tree ordering, no red node with a
// red child, and equal black height on every root-to-nil path. It also
// returns the count of elements visited, which callers can compare
// against Len().
func (t *Tree[K, E, H]) CheckInvariants() int {
	var zero E
	if t.root != zero && t.isRed(t.root) {
		panic("olist: root is red")
	}
	n, _ := t.checkNode(t.root, nil, nil)
	return n
}

func (t *Tree[K, E, H]) checkNode(x E, lo, hi *K) (count, blackHeight int) {
	var zero E
	if x == zero {
		return 0, 1
	}
	k := t.h.Key(x)
	if lo != nil && k < *lo {
		panic("olist: ordering invariant violated")
	}
	if hi != nil && k > *hi {
		panic("olist: ordering invariant violated")
	}
	if t.isRed(x) {
		if t.isRed(t.link(x).left) || t.isRed(t.link(x).right) {
			panic("olist: red node has a red child")
		}
	}
	lc, lh := t.checkNode(t.link(x).left, lo, &k)
	rc, rh := t.checkNode(t.link(x).right, &k, hi)
	if lh != rh {
		panic("olist: unequal black height")
	}
	bh := lh
	if !t.isRed(x) {
		bh++
	}
	return lc + rc + 1, bh
}
