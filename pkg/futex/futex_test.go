// Copyright 2018 Google LLC
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

package futex

import (
	"context"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/pimutex/pkg/atomicbitops"
	"gvisor.dev/pimutex/pkg/errors/linuxerr"
	"gvisor.dev/pimutex/pkg/rtmutex"
	"gvisor.dev/pimutex/pkg/sched"
	"gvisor.dev/pimutex/pkg/test/testutil"
)

// testData implements the Checker interface, and allows us to treat the
// address passed for futex operations as an offset into a slice of words.
type testData []atomicbitops.Uint32

const sizeofInt32 = 4

func newTestData(words int) testData {
	return make(testData, words)
}

func (t testData) Check(addr uintptr, val uint32) error {
	if t[addr/sizeofInt32].Load() != val {
		return linuxerr.EAGAIN
	}
	return nil
}

func newPreparedTestWaiter(t *testing.T, m *Manager, c Checker, addr uintptr, val uint32, bitmask uint32) *Waiter {
	w := NewWaiter()
	if err := m.WaitPrepare(w, c, addr, val, bitmask); err != nil {
		t.Fatalf("WaitPrepare failed: %v", err)
	}
	return w
}

// queued returns the number of waiters queued on addr.
func waitQueued(t *testing.T, m *Manager, addr uintptr, want int) {
	t.Helper()
	if err := testutil.Poll(func() error {
		if got := m.Waiters(addr); got != want {
			return fmt.Errorf("%d waiters queued, want %d", got, want)
		}
		return nil
	}, 10*time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestFutexWake(t *testing.T) {
	m := NewManager()
	d := newTestData(1)

	// Start waiting for wakeup.
	w := newPreparedTestWaiter(t, m, d, 0, 0, ^uint32(0))
	defer m.WaitComplete(w)

	// Perform a wakeup.
	if n, err := m.Wake(0, ^uint32(0), 1); err != nil || n != 1 {
		t.Errorf("Wake: got (%d, %v), wanted (1, nil)", n, err)
	}

	// Expect the waiter to have been woken.
	if !w.woken() {
		t.Error("waiter not woken")
	}
}

func TestFutexWakeBitmask(t *testing.T) {
	m := NewManager()
	d := newTestData(1)

	// Start waiting for wakeup.
	w := newPreparedTestWaiter(t, m, d, 0, 0, 0x0000ffff)
	defer m.WaitComplete(w)

	// Perform a wakeup using the wrong bitmask.
	if n, err := m.Wake(0, 0xffff0000, 1); err != nil || n != 0 {
		t.Errorf("Wake with non-matching bitmask: got (%d, %v), wanted (0, nil)", n, err)
	}

	// Expect the waiter to still be waiting.
	if w.woken() {
		t.Error("waiter woken unexpectedly")
	}

	// Perform a wakeup using the right bitmask.
	if n, err := m.Wake(0, 0x00000001, 1); err != nil || n != 1 {
		t.Errorf("Wake with matching bitmask: got (%d, %v), wanted (1, nil)", n, err)
	}

	// Expect that the waiter was woken.
	if !w.woken() {
		t.Error("waiter not woken")
	}
}

func TestFutexWakeTwo(t *testing.T) {
	m := NewManager()
	d := newTestData(1)

	// Start three waiters waiting for wakeup.
	var ws [3]*Waiter
	for i := range ws {
		ws[i] = newPreparedTestWaiter(t, m, d, 0, 0, ^uint32(0))
		defer m.WaitComplete(ws[i])
	}

	// Perform two wakeups.
	const wakeups = 2
	if n, err := m.Wake(0, ^uint32(0), 2); err != nil || n != wakeups {
		t.Errorf("Wake: got (%d, %v), wanted (%d, nil)", n, err, wakeups)
	}

	// Waiters of equal priority are woken in FIFO order.
	for i, want := range []bool{true, true, false} {
		if got := ws[i].woken(); got != want {
			t.Errorf("waiter %d woken = %t, want %t", i, got, want)
		}
	}
}

func TestFutexWakePriorityOrder(t *testing.T) {
	m := NewManager()
	d := newTestData(1)

	low := NewWaiter()
	high := NewWaiter()
	high.prio = 10
	for _, w := range []*Waiter{low, high} {
		if err := m.WaitPrepare(w, d, 0, 0, ^uint32(0)); err != nil {
			t.Fatalf("WaitPrepare failed: %v", err)
		}
		defer m.WaitComplete(w)
	}

	if n, err := m.Wake(0, ^uint32(0), 1); err != nil || n != 1 {
		t.Errorf("Wake: got (%d, %v), wanted (1, nil)", n, err)
	}
	if !high.woken() || low.woken() {
		t.Errorf("woken: high %t, low %t; want high only", high.woken(), low.woken())
	}
}

func TestFutexWakeUnrelated(t *testing.T) {
	m := NewManager()
	d := newTestData(2)

	// Start two waiters waiting for wakeup on different addresses.
	w1 := newPreparedTestWaiter(t, m, d, 0*sizeofInt32, 0, ^uint32(0))
	defer m.WaitComplete(w1)
	w2 := newPreparedTestWaiter(t, m, d, 1*sizeofInt32, 0, ^uint32(0))
	defer m.WaitComplete(w2)

	// Perform two wakeups on the second address.
	if n, err := m.Wake(1*sizeofInt32, ^uint32(0), 2); err != nil || n != 1 {
		t.Errorf("Wake: got (%d, %v), wanted (1, nil)", n, err)
	}

	// Expect that only the second waiter was woken.
	if w1.woken() {
		t.Error("w1 woken unexpectedly")
	}
	if !w2.woken() {
		t.Error("w2 not woken")
	}
}

func TestWaitPrepareMismatch(t *testing.T) {
	m := NewManager()
	d := newTestData(1)
	d[0].Store(1)

	if err := m.WaitPrepare(NewWaiter(), d, 0, 0, ^uint32(0)); err != linuxerr.EAGAIN {
		t.Errorf("WaitPrepare with a stale value = %v, want EAGAIN", err)
	}
	if err := m.WaitPrepare(NewWaiter(), d, 1, 0, ^uint32(0)); err != linuxerr.EINVAL {
		t.Errorf("WaitPrepare of an unaligned address = %v, want EINVAL", err)
	}
	if got := m.Waiters(0); got != 0 {
		t.Errorf("%d waiters queued, want 0", got)
	}
}

func TestFutexRequeue(t *testing.T) {
	m := NewManager()
	d := newTestData(2)

	var ws [3]*Waiter
	for i := range ws {
		ws[i] = newPreparedTestWaiter(t, m, d, 0, 0, ^uint32(0))
		defer m.WaitComplete(ws[i])
	}

	// Wake one waiter and move the other two.
	if n, err := m.Requeue(0, sizeofInt32, 1, 2); err != nil || n != 1 {
		t.Errorf("Requeue: got (%d, %v), wanted (1, nil)", n, err)
	}
	if got := m.Waiters(0); got != 0 {
		t.Errorf("%d waiters left on the old address, want 0", got)
	}
	if n, err := m.Wake(sizeofInt32, ^uint32(0), 10); err != nil || n != 2 {
		t.Errorf("Wake on the new address: got (%d, %v), wanted (2, nil)", n, err)
	}
	for i, w := range ws {
		if !w.woken() {
			t.Errorf("waiter %d not woken", i)
		}
	}
}

func TestFutexRequeueCmpMismatch(t *testing.T) {
	m := NewManager()
	d := newTestData(2)

	w := newPreparedTestWaiter(t, m, d, 0, 0, ^uint32(0))
	defer m.WaitComplete(w)

	d[0].Store(1)
	if n, err := m.RequeueCmp(d, 0, sizeofInt32, 0, 1, 1); err != linuxerr.EAGAIN || n != 0 {
		t.Errorf("RequeueCmp: got (%d, %v), wanted (0, EAGAIN)", n, err)
	}
	if w.woken() {
		t.Error("waiter woken unexpectedly")
	}
}

func TestWaitTimeout(t *testing.T) {
	m := NewManager()
	d := newTestData(1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.Wait(ctx, NewWaiter(), d, 0, 0, ^uint32(0)); err != linuxerr.ETIMEDOUT {
		t.Errorf("Wait = %v, want ETIMEDOUT", err)
	}
	if got := m.Waiters(0); got != 0 {
		t.Errorf("%d waiters queued, want 0", got)
	}
}

func newTask(name string, prio int) *rtmutex.Task {
	return rtmutex.NewTask(sched.NewThread(name, prio))
}

func TestRequeuePIAcquire(t *testing.T) {
	m := NewManager()
	d := newTestData(1)
	var target rtmutex.Mutex
	b := newTask("b", sched.DefaultPrio)

	var g errgroup.Group
	g.Go(func() error {
		if err := m.WaitRequeuePI(context.Background(), d, b, 0, 0, &target); err != nil {
			return fmt.Errorf("WaitRequeuePI = %v", err)
		}
		if got := target.Owner(); got != b {
			return fmt.Errorf("Owner() = %v, want %v", got, b)
		}
		return target.Unlock(b)
	})
	waitQueued(t, m, 0, 1)

	if n, err := m.CmpRequeuePI(d, 0, 0, &target, 1); err != nil || n != 1 {
		t.Fatalf("CmpRequeuePI: got (%d, %v), wanted (1, nil)", n, err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if target.IsLocked() {
		t.Errorf("target still locked: %v", &target)
	}
}

func TestRequeuePIProxy(t *testing.T) {
	m := NewManager()
	d := newTestData(1)
	var target rtmutex.Mutex
	a := newTask("a", 120)
	waiters := []*rtmutex.Task{newTask("b", 100), newTask("c", 110)}

	target.Lock(a)
	var g errgroup.Group
	for _, task := range waiters {
		g.Go(func() error {
			if err := m.WaitRequeuePI(context.Background(), d, task, 0, 0, &target); err != nil {
				return fmt.Errorf("%v: WaitRequeuePI = %v", task, err)
			}
			return target.Unlock(task)
		})
	}
	waitQueued(t, m, 0, len(waiters))

	if n, err := m.CmpRequeuePI(d, 0, 0, &target, len(waiters)); err != nil || n != len(waiters) {
		t.Fatalf("CmpRequeuePI: got (%d, %v), wanted (%d, nil)", n, err, len(waiters))
	}
	// The requeued waiters boost the owner of target.
	if got := a.Prio(); got != 100 {
		t.Errorf("owner priority = %d, want 100", got)
	}
	if err := target.Unlock(a); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := a.Prio(); got != 120 {
		t.Errorf("owner priority = %d, want 120", got)
	}
	if target.IsLocked() {
		t.Errorf("target still locked: %v", &target)
	}
}

func TestRequeuePIMismatch(t *testing.T) {
	m := NewManager()
	d := newTestData(1)
	var target rtmutex.Mutex
	b := newTask("b", sched.DefaultPrio)

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.WaitRequeuePI(context.Background(), d, b, 0, 0, &target)
	}()
	waitQueued(t, m, 0, 1)

	d[0].Store(1)
	if n, err := m.CmpRequeuePI(d, 0, 0, &target, 1); err != linuxerr.EAGAIN || n != 0 {
		t.Errorf("CmpRequeuePI: got (%d, %v), wanted (0, EAGAIN)", n, err)
	}

	// A plain wakeup does not hand over the mutex.
	if n, err := m.Wake(0, ^uint32(0), 1); err != nil || n != 1 {
		t.Errorf("Wake: got (%d, %v), wanted (1, nil)", n, err)
	}
	if err := <-errCh; err != linuxerr.EAGAIN {
		t.Errorf("WaitRequeuePI = %v, want EAGAIN", err)
	}
	if target.IsLocked() {
		t.Errorf("target locked: %v", &target)
	}
}

func TestRequeuePIWrongTarget(t *testing.T) {
	m := NewManager()
	d := newTestData(1)
	var target, other rtmutex.Mutex
	b := newTask("b", sched.DefaultPrio)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.WaitRequeuePI(ctx, d, b, 0, 0, &target)
	}()
	waitQueued(t, m, 0, 1)

	if n, err := m.CmpRequeuePI(d, 0, 0, &other, 1); err != linuxerr.EINVAL || n != 0 {
		t.Errorf("CmpRequeuePI: got (%d, %v), wanted (0, EINVAL)", n, err)
	}
	cancel()
	if err := <-errCh; err != linuxerr.EINTR {
		t.Errorf("WaitRequeuePI = %v, want EINTR", err)
	}
}

func TestRequeuePITimeout(t *testing.T) {
	m := NewManager()
	d := newTestData(1)
	var target rtmutex.Mutex
	b := newTask("b", sched.DefaultPrio)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.WaitRequeuePI(ctx, d, b, 0, 0, &target); err != linuxerr.ETIMEDOUT {
		t.Fatalf("WaitRequeuePI = %v, want ETIMEDOUT", err)
	}
	if got := m.Waiters(0); got != 0 {
		t.Errorf("%d waiters queued, want 0", got)
	}
	// b is idle again.
	if !b.MarkWakeupInProgress() {
		t.Errorf("task not idle after timeout")
	}
	b.ClearWakeupInProgress()
}

func TestRequeuePISkipsWakingTask(t *testing.T) {
	m := NewManager()
	d := newTestData(1)
	var target rtmutex.Mutex
	a := newTask("a", 120)
	b := newTask("b", 100)

	target.Lock(a)
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.WaitRequeuePI(context.Background(), d, b, 0, 0, &target)
	}()
	waitQueued(t, m, 0, 1)

	// b looks like it is waking up, so it stays on the futex.
	if !b.MarkWakeupInProgress() {
		t.Fatalf("MarkWakeupInProgress failed")
	}
	if n, err := m.CmpRequeuePI(d, 0, 0, &target, 1); err != nil || n != 0 {
		t.Errorf("CmpRequeuePI: got (%d, %v), wanted (0, nil)", n, err)
	}
	if got := m.Waiters(0); got != 1 {
		t.Errorf("%d waiters queued, want 1", got)
	}
	if got := target.Waiters(); got != 0 {
		t.Errorf("target has %d waiters, want 0", got)
	}

	b.ClearWakeupInProgress()
	if n, err := m.CmpRequeuePI(d, 0, 0, &target, 1); err != nil || n != 1 {
		t.Errorf("CmpRequeuePI: got (%d, %v), wanted (1, nil)", n, err)
	}
	if err := target.Unlock(a); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("WaitRequeuePI = %v", err)
	}
	if err := target.Unlock(b); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
}
