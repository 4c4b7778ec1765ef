// Copyright 2018 Google Inc.
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

// Package futex provides a futex-style wait/wake manager keyed by address.
// Besides plain waits, wakes and requeues it supports requeueing waiters onto
// a priority-inheriting rtmutex.Mutex, which lets condition variables hand
// their waiters the associated mutex without a thundering herd.
package futex

import (
	"context"
	"math"
	"sync/atomic"

	"gvisor.dev/pimutex/pkg/errors/linuxerr"
	"gvisor.dev/pimutex/pkg/plist"
	"gvisor.dev/pimutex/pkg/rtmutex"
	"gvisor.dev/pimutex/pkg/sched"
	"gvisor.dev/pimutex/pkg/sync"
)

// Checker abstracts memory accesses. The "addresses" used by this package
// need not be real addresses; they could be indices of an array, for example.
type Checker interface {
	// Check validates that the given address contains the given value. If it
	// does not contain the value, linuxerr.EAGAIN must be returned. Any other
	// error is propagated.
	Check(addr uintptr, val uint32) error
}

// requeueState is the outcome of a requeue-PI operation on a Waiter.
type requeueState int

const (
	// requeueNone means the waiter was not requeued.
	requeueNone requeueState = iota

	// requeueAcquired means the waiter's task was made the owner of the
	// target mutex.
	requeueAcquired

	// requeueProxied means the waiter's task was enqueued on the target
	// mutex and must finish the acquisition itself.
	requeueProxied
)

// Waiter is the struct which gets enqueued into buckets for wake up routines
// and requeue routines to scan and notify. Once a Waiter has been enqueued by
// WaitPrepare(), callers may listen on C for wake up events.
type Waiter struct {
	// Synchronization:
	//
	// - A Waiter that is not enqueued in a bucket is exclusively owned.
	//
	// - After WaitPrepare, entry, addr and state are protected by the lock of
	// the bucket the waiter is queued in, and bitmask is immutable. bucket
	// may be loaded without the bucket lock, although it may change racily.
	//
	// - state is written before the waiter is dequeued and woken, so a woken
	// waiter may read it without locking.

	// entry links Waiter into bucket.waiters.
	entry plist.Node[*Waiter]

	// bucket is the bucket this waiter is queued in, or nil.
	bucket atomic.Pointer[bucket]

	// C is sent to when the Waiter is woken.
	C chan struct{}

	// addr is what this waiter is waiting on.
	addr uintptr

	// bitmask is the set of wake bits this waiter responds to.
	bitmask uint32

	// prio orders waiters within a bucket.
	prio int

	// task, target and pi are set for requeue-PI waiters only.
	task   *rtmutex.Task
	target *rtmutex.Mutex
	pi     *rtmutex.Waiter

	state requeueState
}

// NewWaiter returns a new unqueued Waiter.
func NewWaiter() *Waiter {
	return &Waiter{
		C:    make(chan struct{}, 1),
		prio: sched.MaxRTPrio,
	}
}

// woken returns true if w has been woken since the last call to WaitPrepare.
func (w *Waiter) woken() bool {
	return len(w.C) != 0
}

// bucket holds the waiters for a given address hash, ordered by priority.
type bucket struct {
	// mu protects waiters and contained Waiter state. See comment in Waiter.
	mu sync.Mutex

	waiters plist.List[*Waiter]
}

// matchingLocked returns up to n waiters on addr that match bitmask, in
// wakeup order.
//
// Preconditions: b.mu must be locked.
func (b *bucket) matchingLocked(addr uintptr, bitmask uint32, n int) []*Waiter {
	var ws []*Waiter
	b.waiters.Ascend(func(e *plist.Node[*Waiter]) bool {
		if len(ws) >= n {
			return false
		}
		if w := e.Value; w.addr == addr && w.bitmask&bitmask != 0 {
			ws = append(ws, w)
		}
		return true
	})
	return ws
}

// wakeWaiterLocked dequeues w and wakes it.
//
// Preconditions: b.mu must be locked. w is queued in b.
func (b *bucket) wakeWaiterLocked(w *Waiter) {
	b.waiters.Del(&w.entry)
	w.C <- struct{}{}

	// The channel write above orders every prior write to w before the
	// waiter observes the wakeup. WaitComplete may short-circuit on the nil
	// bucket; if it misses the store it blocks on b.mu, which we hold.
	w.bucket.Store(nil)
}

// wakeLocked wakes up to n waiters matching the bitmask at addr and returns
// the number of waiters woken.
//
// Preconditions: b.mu must be locked.
func (b *bucket) wakeLocked(addr uintptr, bitmask uint32, n int) int {
	ws := b.matchingLocked(addr, bitmask, n)
	for _, w := range ws {
		b.wakeWaiterLocked(w)
	}
	return len(ws)
}

// requeueLocked moves up to n waiters on addr to naddr in bucket to.
//
// Preconditions: b and to must be locked.
func (b *bucket) requeueLocked(to *bucket, addr, naddr uintptr, n int) int {
	ws := b.matchingLocked(addr, ^uint32(0), n)
	for _, w := range ws {
		b.waiters.Del(&w.entry)
		w.addr = naddr
		to.waiters.Add(&w.entry)
		w.bucket.Store(to)
	}
	return len(ws)
}

const (
	// bucketCount is the number of buckets per Manager. By having many of
	// these we reduce contention when concurrent yet unrelated calls are made.
	bucketCount     = 1 << bucketCountBits
	bucketCountBits = 10
)

// checkAddr validates addr, which must be aligned to a 32-bit word.
func checkAddr(addr uintptr) error {
	if addr&0x3 != 0 {
		return linuxerr.EINVAL
	}
	return nil
}

// bucketIndexForAddr returns the index into Manager.buckets for addr.
//
// The bottom 2 bits of addr are always 0. The hash folds the remaining bits
// so that adjacent words usually land in adjacent buckets.
func bucketIndexForAddr(addr uintptr) uintptr {
	h1 := (addr >> 2) + (addr >> 12) + (addr >> 22)
	h2 := (addr >> 32) + (addr >> 42)
	return (h1 + h2) % bucketCount
}

// Manager holds futex state for a single address space.
type Manager struct {
	buckets [bucketCount]bucket
}

// NewManager returns an initialized futex manager.
func NewManager() *Manager {
	return &Manager{}
}

// lockBucket returns the locked bucket for addr.
func (m *Manager) lockBucket(addr uintptr) *bucket {
	b := &m.buckets[bucketIndexForAddr(addr)]
	b.mu.Lock()
	return b
}

// lockBuckets returns the locked buckets for the given addresses.
func (m *Manager) lockBuckets(addr1, addr2 uintptr) (*bucket, *bucket) {
	// Buckets must be consistently ordered to avoid circular lock
	// dependencies. We order buckets by index (lowest index first).
	i1 := bucketIndexForAddr(addr1)
	i2 := bucketIndexForAddr(addr2)
	b1 := &m.buckets[i1]
	b2 := &m.buckets[i2]
	switch {
	case i1 < i2:
		b1.mu.Lock()
		b2.mu.Lock()
	case i2 < i1:
		b2.mu.Lock()
		b1.mu.Lock()
	default:
		b1.mu.Lock()
	}
	return b1, b2
}

// Waiters returns the number of waiters queued on addr.
func (m *Manager) Waiters(addr uintptr) int {
	b := m.lockBucket(addr)
	defer b.mu.Unlock()
	return len(b.matchingLocked(addr, ^uint32(0), math.MaxInt))
}

// Wake wakes up to n waiters matching the bitmask on the given addr.
// The number of waiters woken is returned.
func (m *Manager) Wake(addr uintptr, bitmask uint32, n int) (int, error) {
	// This function is very hot; avoid defer.
	if err := checkAddr(addr); err != nil {
		return 0, err
	}

	b := m.lockBucket(addr)
	r := b.wakeLocked(addr, bitmask, n)
	b.mu.Unlock()
	return r, nil
}

func (m *Manager) doRequeue(c Checker, addr, naddr uintptr, checkval bool, val uint32, nwake int, nreq int) (int, error) {
	if err := checkAddr(addr); err != nil {
		return 0, err
	}
	if err := checkAddr(naddr); err != nil {
		return 0, err
	}

	b1, b2 := m.lockBuckets(addr, naddr)
	defer b1.mu.Unlock()
	if b2 != b1 {
		defer b2.mu.Unlock()
	}

	if checkval {
		if err := c.Check(addr, val); err != nil {
			return 0, err
		}
	}

	// Wake the number required.
	done := b1.wakeLocked(addr, ^uint32(0), nwake)

	// Requeue the number required.
	b1.requeueLocked(b2, addr, naddr, nreq)

	return done, nil
}

// Requeue wakes up to nwake waiters on the given addr, and unconditionally
// requeues up to nreq waiters on naddr.
func (m *Manager) Requeue(addr, naddr uintptr, nwake int, nreq int) (int, error) {
	return m.doRequeue(nil, addr, naddr, false, 0, nwake, nreq)
}

// RequeueCmp atomically checks that the addr contains val (via the Checker),
// wakes up to nwake waiters on addr and then unconditionally requeues nreq
// waiters on naddr.
func (m *Manager) RequeueCmp(c Checker, addr, naddr uintptr, val uint32, nwake int, nreq int) (int, error) {
	return m.doRequeue(c, addr, naddr, true, val, nwake, nreq)
}

// WaitPrepare atomically checks that addr contains val (via the Checker), then
// enqueues w to be woken by a send to w.C. If WaitPrepare returns nil, the
// Waiter must be subsequently removed by calling WaitComplete, whether or not
// a wakeup is received on w.C.
func (m *Manager) WaitPrepare(w *Waiter, c Checker, addr uintptr, val uint32, bitmask uint32) error {
	if err := checkAddr(addr); err != nil {
		return err
	}

	// Prepare the Waiter before taking the bucket lock.
	select {
	case <-w.C:
	default:
	}
	w.addr = addr
	w.bitmask = bitmask
	w.state = requeueNone
	w.entry.Init(w.prio, w)

	b := m.lockBucket(addr)
	// This function is very hot; avoid defer.

	// Perform our atomic check.
	if err := c.Check(addr, val); err != nil {
		b.mu.Unlock()
		return err
	}

	// Add the waiter to the bucket.
	b.waiters.Add(&w.entry)
	w.bucket.Store(b)

	b.mu.Unlock()
	return nil
}

// WaitComplete must be called when a Waiter previously added by WaitPrepare is
// no longer eligible to be woken.
func (m *Manager) WaitComplete(w *Waiter) {
	// Remove w from the bucket it's in.
	for {
		b := w.bucket.Load()

		// If b is nil, the waiter isn't in any bucket anymore. This can't be
		// racy because the waiter can't be concurrently re-queued in another
		// bucket.
		if b == nil {
			break
		}

		// Without the bucket lock the waiter may move to another bucket, so
		// recheck after locking.
		b.mu.Lock()
		if b != w.bucket.Load() {
			b.mu.Unlock()
			continue
		}

		b.waiters.Del(&w.entry)
		w.bucket.Store(nil)
		b.mu.Unlock()
		break
	}
}

// Wait blocks until w is woken on addr or ctx is done. It returns EAGAIN if
// addr does not contain val, and ETIMEDOUT or EINTR if ctx is done first.
func (m *Manager) Wait(ctx context.Context, w *Waiter, c Checker, addr uintptr, val uint32, bitmask uint32) error {
	if err := m.WaitPrepare(w, c, addr, val, bitmask); err != nil {
		return err
	}
	select {
	case <-w.C:
		m.WaitComplete(w)
		return nil
	case <-ctx.Done():
	}
	m.WaitComplete(w)
	if w.woken() {
		return nil
	}
	return linuxerr.FromContext(ctx)
}

// WaitRequeuePI waits on addr like Wait, for a CmpRequeuePI on addr to hand
// task t the mutex target. It returns nil with target locked by t.
//
// It returns EAGAIN if addr does not contain val or if t was woken by a plain
// wakeup, and ETIMEDOUT or EINTR if ctx is done before t owns target.
func (m *Manager) WaitRequeuePI(ctx context.Context, c Checker, t *rtmutex.Task, addr uintptr, val uint32, target *rtmutex.Mutex) error {
	w := NewWaiter()
	w.task = t
	w.target = target
	w.pi = rtmutex.NewWaiter()
	if p := t.Entity().NormalPrio(); p < w.prio {
		w.prio = p
	}
	if err := m.WaitPrepare(w, c, addr, val, ^uint32(0)); err != nil {
		return err
	}

	select {
	case <-w.C:
	case <-ctx.Done():
		// A requeue running concurrently skips t once it is marked, unless
		// it already started to enqueue t on target.
		marked := t.MarkWakeupInProgress()
		m.WaitComplete(w)
		if marked {
			t.ClearWakeupInProgress()
		}
		if !w.woken() {
			return linuxerr.FromContext(ctx)
		}
	}

	switch w.state {
	case requeueAcquired:
		return nil
	case requeueProxied:
		return target.FinishProxyLock(ctx, w.pi)
	default:
		return linuxerr.EAGAIN
	}
}

// CmpRequeuePI atomically checks that addr contains val, then moves up to
// nrRequeue requeue-PI waiters on addr onto target. Each waiter's task either
// acquires target or is enqueued on it; either way the waiter is woken and
// completes the acquisition in WaitRequeuePI. Waiters whose tasks are already
// waking up are skipped.
//
// It returns the number of waiters moved. It returns EINVAL if a waiter on
// addr waits for another mutex, and EDEADLK if a waiter's task would deadlock
// on target.
func (m *Manager) CmpRequeuePI(c Checker, addr uintptr, val uint32, target *rtmutex.Mutex, nrRequeue int) (int, error) {
	if err := checkAddr(addr); err != nil {
		return 0, err
	}

	b := m.lockBucket(addr)
	defer b.mu.Unlock()

	if err := c.Check(addr, val); err != nil {
		return 0, err
	}

	done := 0
	for _, w := range b.matchingLocked(addr, ^uint32(0), math.MaxInt) {
		if done >= nrRequeue {
			break
		}
		if w.target != target {
			return done, linuxerr.EINVAL
		}
		acquired, err := target.StartProxyLock(w.pi, w.task, true)
		switch {
		case err == linuxerr.EAGAIN:
			continue
		case err != nil:
			return done, err
		case acquired:
			w.state = requeueAcquired
		default:
			w.state = requeueProxied
		}
		b.wakeWaiterLocked(w)
		done++
	}
	return done, nil
}
