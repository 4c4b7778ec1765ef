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

package rtmutex

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/pimutex/pkg/errors/linuxerr"
	"gvisor.dev/pimutex/pkg/sched"
)

func TestProxyLockFree(t *testing.T) {
	var m Mutex
	b := newTask("b", sched.DefaultPrio)

	acquired, err := m.StartProxyLock(NewWaiter(), b, false)
	if err != nil || !acquired {
		t.Fatalf("StartProxyLock = %t, %v, want true, nil", acquired, err)
	}
	if got := m.Owner(); got != b {
		t.Errorf("Owner() = %v, want %v", got, b)
	}
	if err := m.ProxyUnlock(b); err != nil {
		t.Fatalf("ProxyUnlock failed: %v", err)
	}
	if m.IsLocked() {
		t.Errorf("mutex still locked: %v", &m)
	}
}

func TestProxyLockHandoff(t *testing.T) {
	var m Mutex
	a := newTask("a", 120)
	b := newTask("b", 100)

	m.InitProxyLocked(a)
	w := NewWaiter()
	acquired, err := m.StartProxyLock(w, b, false)
	if err != nil || acquired {
		t.Fatalf("StartProxyLock = %t, %v, want false, nil", acquired, err)
	}
	if got := b.BlockedOn(); got != &m {
		t.Errorf("b.BlockedOn() = %v, want %v", got, &m)
	}
	if w.Task() != b || w.Lock() != &m {
		t.Errorf("waiter attached to %v on %v, want %v on %v", w.Task(), w.Lock(), b, &m)
	}
	checkPrios(t, map[*Task]int{a: 100})

	var g errgroup.Group
	g.Go(func() error {
		if err := m.FinishProxyLock(context.Background(), w); err != nil {
			return err
		}
		return m.Unlock(b)
	})
	if err := m.Unlock(a); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	checkPrios(t, map[*Task]int{a: 120, b: 100})
	if m.IsLocked() {
		t.Errorf("mutex still locked: %v", &m)
	}
}

func TestProxyLockTimeout(t *testing.T) {
	var m Mutex
	a := newTask("a", 120)
	b := newTask("b", 100)

	m.Lock(a)
	w := NewWaiter()
	if _, err := m.StartProxyLock(w, b, false); err != nil {
		t.Fatalf("StartProxyLock failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.FinishProxyLock(ctx, w); err != linuxerr.ETIMEDOUT {
		t.Fatalf("FinishProxyLock = %v, want ETIMEDOUT", err)
	}
	if got := m.Waiters(); got != 0 {
		t.Errorf("Waiters() = %d, want 0", got)
	}
	if got := b.BlockedOn(); got != nil {
		t.Errorf("b.BlockedOn() = %v, want nil", got)
	}
	checkPrios(t, map[*Task]int{a: 120})
	if err := m.Unlock(a); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
}

func TestProxyLockWakeupInProgress(t *testing.T) {
	var m Mutex
	a := newTask("a", 120)
	b := newTask("b", 100)

	m.Lock(a)
	if !b.MarkWakeupInProgress() {
		t.Fatalf("MarkWakeupInProgress of an idle task failed")
	}
	if b.MarkWakeupInProgress() {
		t.Errorf("MarkWakeupInProgress succeeded twice")
	}
	if _, err := m.StartProxyLock(NewWaiter(), b, false); err != linuxerr.EAGAIN {
		t.Fatalf("StartProxyLock = %v, want EAGAIN", err)
	}
	if got := m.Waiters(); got != 0 {
		t.Errorf("Waiters() = %d, want 0", got)
	}
	checkPrios(t, map[*Task]int{a: 120})

	b.ClearWakeupInProgress()
	w := NewWaiter()
	if _, err := m.StartProxyLock(w, b, false); err != nil {
		t.Fatalf("StartProxyLock after ClearWakeupInProgress failed: %v", err)
	}
	// b is enqueued now, and cannot be enqueued a second time.
	if _, err := m.StartProxyLock(NewWaiter(), b, false); err != linuxerr.EAGAIN {
		t.Errorf("second StartProxyLock = %v, want EAGAIN", err)
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := m.FinishProxyLock(context.Background(), w); err != nil {
			return err
		}
		return m.Unlock(b)
	})
	if err := m.Unlock(a); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestProxyLockDeadlock(t *testing.T) {
	var m Mutex
	a := newTask("a", sched.DefaultPrio)

	m.Lock(a)
	if _, err := m.StartProxyLock(NewWaiter(), a, true); err != linuxerr.EDEADLK {
		t.Fatalf("StartProxyLock for the owner = %v, want EDEADLK", err)
	}
	if got := m.Waiters(); got != 0 {
		t.Errorf("Waiters() = %d, want 0", got)
	}
	if got := a.BlockedOn(); got != nil {
		t.Errorf("a.BlockedOn() = %v, want nil", got)
	}
	if err := m.Unlock(a); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
}
