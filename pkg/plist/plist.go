// Copyright 2026 The gVisor Authors.
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

// Package plist provides priority-sorted lists.
//
// A List keeps its Nodes ordered ascending by priority; nodes of equal
// priority are kept in insertion order. The head of the list, returned by
// First, is therefore the node with the numerically lowest priority that was
// queued earliest.
//
// Nodes are owned by their users (typically embedded in a larger object) and
// belong to at most one List at a time. Lists are not synchronized.
package plist

import (
	"fmt"

	"github.com/google/btree"
)

// degree is the B-tree degree used by every List.
const degree = 8

// Node is an element of a List.
type Node[T any] struct {
	prio int
	seq  uint64

	// list is the List this node is queued on, or nil.
	list *List[T]

	// Value is the object this node stands for.
	Value T
}

// Init prepares n to be queued with priority prio and value v.
//
// Preconditions: n is not queued.
func (n *Node[T]) Init(prio int, v T) {
	if n.list != nil {
		panic("plist: Init of a queued node")
	}
	n.prio = prio
	n.Value = v
}

// Prio returns n's priority.
func (n *Node[T]) Prio() int {
	return n.prio
}

// SetPrio changes n's priority.
//
// Preconditions: n is not queued. Use List.Requeue for queued nodes.
func (n *Node[T]) SetPrio(prio int) {
	if n.list != nil {
		panic("plist: SetPrio of a queued node")
	}
	n.prio = prio
}

// Queued returns true if n is on a list.
func (n *Node[T]) Queued() bool {
	return n.list != nil
}

func (n *Node[T]) String() string {
	return fmt.Sprintf("plist.Node{prio: %d, seq: %d, queued: %t}", n.prio, n.seq, n.list != nil)
}

func less[T any](a, b *Node[T]) bool {
	if a.prio != b.prio {
		return a.prio < b.prio
	}
	return a.seq < b.seq
}

// List is a priority-sorted list of Nodes.
//
// The zero value for List is an empty list ready to use.
type List[T any] struct {
	tree *btree.BTreeG[*Node[T]]

	// seq orders nodes of equal priority.
	seq uint64
}

func (l *List[T]) lazyInit() {
	if l.tree == nil {
		l.tree = btree.NewG[*Node[T]](degree, less[T])
	}
}

// Add queues n on l at n's priority, after all nodes of equal priority.
//
// Preconditions: n is not queued.
func (l *List[T]) Add(n *Node[T]) {
	if n.list != nil {
		panic(fmt.Sprintf("plist: Add of already queued node %v", n))
	}
	l.lazyInit()
	l.seq++
	n.seq = l.seq
	n.list = l
	l.tree.ReplaceOrInsert(n)
}

// Del removes n from l. Removing a node that is not queued is a no-op.
//
// Preconditions: n is not queued on another list.
func (l *List[T]) Del(n *Node[T]) {
	if n.list == nil {
		return
	}
	if n.list != l {
		panic(fmt.Sprintf("plist: Del of node %v queued on a different list", n))
	}
	if _, ok := l.tree.Delete(n); !ok {
		panic(fmt.Sprintf("plist: node %v missing from its list", n))
	}
	n.list = nil
}

// Requeue moves n to priority prio, queued after the nodes of equal priority.
// If n is not queued, Requeue only changes its priority.
func (l *List[T]) Requeue(n *Node[T], prio int) {
	queued := n.list != nil
	l.Del(n)
	n.prio = prio
	if queued {
		l.Add(n)
	}
}

// First returns the head of l, or nil if l is empty.
func (l *List[T]) First() *Node[T] {
	if l.tree == nil {
		return nil
	}
	n, ok := l.tree.Min()
	if !ok {
		return nil
	}
	return n
}

// Empty returns true iff l is empty.
func (l *List[T]) Empty() bool {
	return l.tree == nil || l.tree.Len() == 0
}

// Len returns the number of nodes in l.
func (l *List[T]) Len() int {
	if l.tree == nil {
		return 0
	}
	return l.tree.Len()
}

// Ascend calls fn for each node in priority order until fn returns false.
// fn must not modify l.
func (l *List[T]) Ascend(fn func(n *Node[T]) bool) {
	if l.tree == nil {
		return
	}
	l.tree.Ascend(btree.ItemIteratorG[*Node[T]](fn))
}
