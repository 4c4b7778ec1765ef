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
	"fmt"
	"sync/atomic"
	"time"

	"gvisor.dev/pimutex/pkg/errors/linuxerr"
	"gvisor.dev/pimutex/pkg/log"
	"gvisor.dev/pimutex/pkg/plist"
	"gvisor.dev/pimutex/pkg/sync"
)

// ownerState is the value of a Mutex's lock word.
//
// A nil *ownerState is Free. freeWaitersState is FreeWithWaiters, the
// transitional state of a lock that is being acquired in the slow path or
// handed to its top waiter. Otherwise the state is Owned(owner) or
// OwnedWithWaiters(owner), one of the two values preallocated by each Task,
// so the fast paths compare and swap on pointer identity.
type ownerState struct {
	owner   *Task
	waiters bool
}

var freeWaitersState = &ownerState{waiters: true}

// withWaiters returns s with the waiters bit set.
func (s *ownerState) withWaiters() *ownerState {
	switch {
	case s == nil:
		return freeWaitersState
	case s.waiters:
		return s
	default:
		return s.owner.state(true)
	}
}

func (s *ownerState) String() string {
	if s == nil {
		return "free"
	}
	if s.owner == nil {
		return "free+waiters"
	}
	if s.waiters {
		return fmt.Sprintf("owned(%v)+waiters", s.owner)
	}
	return fmt.Sprintf("owned(%v)", s.owner)
}

// Mutex is a priority inheriting mutual exclusion lock.
//
// The zero value for Mutex is an unlocked mutex. A Mutex must not be copied
// after first use.
type Mutex struct {
	_ sync.NoCopy

	// state is the lock word. It may be changed without waitLock only by
	// the fast paths, which require the waiters bit to be clear.
	state atomic.Pointer[ownerState]

	// waitLock protects waiters and serializes slow path changes of state.
	waitLock sync.Mutex

	// waiters is the list of waiting tasks, ordered by priority.
	waiters plist.List[*Waiter]
}

// load returns the current lock state.
func (m *Mutex) load() *ownerState {
	return m.state.Load()
}

// ownerTask returns the owner of m, or nil.
func (m *Mutex) ownerTask() *Task {
	if s := m.load(); s != nil {
		return s.owner
	}
	return nil
}

// topWaiterLocked returns the most important waiter of m, or nil.
//
// Preconditions: m.waitLock is locked.
func (m *Mutex) topWaiterLocked() *Waiter {
	if n := m.waiters.First(); n != nil {
		return n.Value
	}
	return nil
}

// setOwnerLocked sets the owner of m, with the waiters bit reflecting the
// wait list.
//
// Preconditions: m.waitLock is locked.
func (m *Mutex) setOwnerLocked(t *Task) {
	waiters := !m.waiters.Empty()
	switch {
	case t != nil:
		m.state.Store(t.state(waiters))
	case waiters:
		m.state.Store(freeWaitersState)
	default:
		m.state.Store(nil)
	}
}

// markWaiters sets the waiters bit, which disables the fast paths. It must
// be done before inspecting an apparently free lock in the slow path, or a
// fast release could race with the acquisition.
func (m *Mutex) markWaiters() {
	for {
		s := m.load()
		ws := s.withWaiters()
		if s == ws || m.state.CompareAndSwap(s, ws) {
			return
		}
	}
}

// fixupWaitersLocked clears a waiters bit left set by markWaiters when the
// wait list is empty.
//
// Preconditions: m.waitLock is locked.
func (m *Mutex) fixupWaitersLocked() {
	if m.waiters.Empty() {
		m.setOwnerLocked(m.ownerTask())
	}
}

// fastLock acquires a free, uncontended m for t.
func (m *Mutex) fastLock(t *Task) bool {
	return m.state.CompareAndSwap(nil, t.state(false))
}

// fastUnlock releases m if t owns it and there are no waiters.
func (m *Mutex) fastUnlock(t *Task) bool {
	return m.state.CompareAndSwap(t.state(false), nil)
}

// Lock locks m for t, blocking until the lock is available.
func (m *Mutex) Lock(t *Task) {
	if m.fastLock(t) {
		return
	}
	if err := m.slowLock(context.Background(), t, false); err != nil {
		panic(fmt.Sprintf("uninterruptible lock of %p by %v failed: %v", m, t, err))
	}
}

// LockInterruptible locks m for t. It returns EINTR if ctx is canceled
// before the lock is acquired, or ETIMEDOUT if ctx's deadline expires. It
// returns EAGAIN if t is marked as waking up from a requeue wait.
func (m *Mutex) LockInterruptible(ctx context.Context, t *Task) error {
	if m.fastLock(t) {
		return nil
	}
	return m.slowLock(ctx, t, false)
}

// LockTimeout locks m for t, giving up with ETIMEDOUT at deadline. It returns
// EINTR if ctx is canceled first.
func (m *Mutex) LockTimeout(ctx context.Context, t *Task, deadline time.Time) error {
	if m.fastLock(t) {
		return nil
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	return m.slowLock(ctx, t, false)
}

// LockDetectDeadlock locks m for t with deadlock detection. It returns
// EDEADLK, leaving all locks unchanged, if blocking on m would close a cycle
// of tasks waiting for each other. It returns EINTR or ETIMEDOUT if ctx is
// done before the lock is acquired.
func (m *Mutex) LockDetectDeadlock(ctx context.Context, t *Task) error {
	// The fast path is skipped so that recursive locking is detected too.
	return m.slowLock(ctx, t, true)
}

// TryLock locks m for t if it is available without blocking. It never
// enqueues t.
func (m *Mutex) TryLock(t *Task) bool {
	if m.fastLock(t) {
		return true
	}
	return m.slowTryLock(t)
}

// Unlock unlocks m, which t must own. If tasks wait for m, the top waiter is
// woken to take the lock. Unlock returns EPERM if t does not own m.
func (m *Mutex) Unlock(t *Task) error {
	if m.fastUnlock(t) {
		return nil
	}
	return m.slowUnlock(t)
}

// Owner returns the task owning m, or nil.
func (m *Mutex) Owner() *Task {
	return m.ownerTask()
}

// IsLocked returns true if m is owned.
func (m *Mutex) IsLocked() bool {
	return m.ownerTask() != nil
}

// NextOwner returns the task that would be granted m next if it were
// released now, or nil if no task waits.
func (m *Mutex) NextOwner() *Task {
	m.waitLock.Lock()
	defer m.waitLock.Unlock()
	if w := m.topWaiterLocked(); w != nil {
		return w.task
	}
	return nil
}

// Waiters returns the number of tasks waiting for m.
func (m *Mutex) Waiters() int {
	m.waitLock.Lock()
	defer m.waitLock.Unlock()
	return m.waiters.Len()
}

// Destroy checks that m may be discarded. It returns EBUSY if m is owned or
// has waiters.
func (m *Mutex) Destroy() error {
	m.waitLock.Lock()
	defer m.waitLock.Unlock()
	if s := m.load(); s != nil {
		log.Warningf("rtmutex: destroying mutex %p in state %v", m, s)
		return linuxerr.EBUSY
	}
	return nil
}

// String implements fmt.Stringer.
func (m *Mutex) String() string {
	return fmt.Sprintf("rtmutex@%p(%v)", m, m.load())
}
