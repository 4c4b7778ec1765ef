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

package plist

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func values(l *List[string]) []string {
	var vs []string
	l.Ascend(func(n *Node[string]) bool {
		vs = append(vs, n.Value)
		return true
	})
	return vs
}

func newNode(prio int, v string) *Node[string] {
	n := &Node[string]{}
	n.Init(prio, v)
	return n
}

func TestOrdering(t *testing.T) {
	var l List[string]
	if !l.Empty() || l.First() != nil {
		t.Fatalf("zero List is not empty")
	}
	for _, n := range []*Node[string]{
		newNode(10, "a"),
		newNode(5, "b"),
		newNode(10, "c"),
		newNode(1, "d"),
		newNode(5, "e"),
	} {
		l.Add(n)
	}
	want := []string{"d", "b", "e", "a", "c"}
	if diff := cmp.Diff(want, values(&l)); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
	if got := l.First().Value; got != "d" {
		t.Errorf("First() = %q, want %q", got, "d")
	}
	if got := l.Len(); got != 5 {
		t.Errorf("Len() = %d, want 5", got)
	}
}

func TestDel(t *testing.T) {
	var l List[string]
	a, b, c := newNode(3, "a"), newNode(2, "b"), newNode(1, "c")
	l.Add(a)
	l.Add(b)
	l.Add(c)

	l.Del(c)
	if c.Queued() {
		t.Errorf("node still queued after Del")
	}
	if got := l.First(); got != b {
		t.Errorf("First() = %v, want %v", got, b)
	}

	// Deleting an unqueued node is a no-op.
	l.Del(c)
	if got := l.Len(); got != 2 {
		t.Errorf("Len() = %d after double Del, want 2", got)
	}
}

func TestRequeue(t *testing.T) {
	var l List[string]
	a, b, c := newNode(3, "a"), newNode(3, "b"), newNode(7, "c")
	l.Add(a)
	l.Add(b)
	l.Add(c)

	// Moving to an equal priority queues after existing equals.
	l.Requeue(a, 3)
	if diff := cmp.Diff([]string{"b", "a", "c"}, values(&l)); diff != "" {
		t.Errorf("after Requeue(a, 3) (-want +got):\n%s", diff)
	}

	l.Requeue(c, 0)
	if diff := cmp.Diff([]string{"c", "b", "a"}, values(&l)); diff != "" {
		t.Errorf("after Requeue(c, 0) (-want +got):\n%s", diff)
	}

	unqueued := newNode(9, "u")
	l.Requeue(unqueued, 1)
	if unqueued.Queued() || unqueued.Prio() != 1 {
		t.Errorf("Requeue of unqueued node: got %v, want prio 1 and unqueued", unqueued)
	}
}

func TestAddQueuedPanics(t *testing.T) {
	var l1, l2 List[string]
	n := newNode(1, "n")
	l1.Add(n)
	defer func() {
		if recover() == nil {
			t.Errorf("Add of a queued node did not panic")
		}
	}()
	l2.Add(n)
}
