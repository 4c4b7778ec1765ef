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

	"gvisor.dev/pimutex/pkg/errors/linuxerr"
	"gvisor.dev/pimutex/pkg/sched"
)

// stealMode selects who may take a lock ahead of its top waiter.
type stealMode int

const (
	// stealNormal lets a task take the lock only if it is strictly more
	// important than the top waiter.
	stealNormal stealMode = iota

	// stealLateral also lets a task of equal priority take the lock. Real
	// time tasks never steal laterally, which keeps their wait bounded.
	stealLateral
)

// stealable returns true if t may take a lock ahead of the pending owner.
func stealable(t, pending *Task, mode stealMode) bool {
	if mode == stealNormal || sched.IsRT(t.Prio()) {
		return t.Prio() < pending.Prio()
	}
	return t.Prio() <= pending.Prio()
}

// tryTakeLocked tries to acquire m for t. w is t's queued waiter, or nil if t
// is not queued on m.
//
// tryTakeLocked sets the waiters bit unconditionally; callers must call
// fixupWaitersLocked before releasing m.waitLock.
//
// Preconditions: m.waitLock is locked.
func (m *Mutex) tryTakeLocked(t *Task, w *Waiter, mode stealMode) bool {
	m.markWaiters()
	if m.ownerTask() != nil {
		return false
	}

	// t gets the lock if there are no waiters, if it is the top waiter, or
	// if it may steal the lock from the top waiter.
	if top := m.topWaiterLocked(); top != nil && top.task != t && !stealable(t, top.task, mode) {
		return false
	}

	if w != nil || !m.waiters.Empty() {
		t.piLock.Lock()
		if w != nil {
			m.waiters.Del(&w.listEntry)
			t.clearBlockedLocked()
		}
		// The new top waiter boosts t.
		if top := m.topWaiterLocked(); top != nil {
			top.piListEntry.SetPrio(top.listEntry.Prio())
			t.piWaiters.Add(&top.piListEntry)
			t.adjustPrioLocked()
		}
		t.piLock.Unlock()
	}

	m.setOwnerLocked(t)
	return true
}

// taskBlocksOnLocked enqueues w for t on m, boosts the owner if w is the new
// top waiter, and walks the priority chain if needed.
//
// m.waitLock is dropped and retaken around the chain walk.
//
// Preconditions: m.waitLock is locked. t is not blocked on a Mutex.
func (m *Mutex) taskBlocksOnLocked(w *Waiter, t *Task, detect bool) error {
	owner := m.ownerTask()
	topWaiter := w

	t.piLock.Lock()
	if t.blocked == blockedWakeupInProgress {
		// t is leaving a requeue wait and must not be enqueued.
		t.piLock.Unlock()
		return linuxerr.EAGAIN
	}
	if t.blocked == blockedOnWaiter {
		panic(fmt.Sprintf("%v blocks on %v while blocked on %v", t, m, t.waiter.lock))
	}
	t.adjustPrioLocked()
	w.task = t
	w.lock = m
	w.listEntry.Init(t.Prio(), w)
	w.piListEntry.Init(t.Prio(), w)
	if top := m.topWaiterLocked(); top != nil {
		topWaiter = top
	}
	m.waiters.Add(&w.listEntry)
	t.setBlockedOnLocked(w)
	t.piLock.Unlock()

	if owner == nil {
		return nil
	}

	chainWalk := detect
	var nextLock *Mutex
	owner.piLock.Lock()
	if w == m.topWaiterLocked() {
		owner.piWaiters.Del(&topWaiter.piListEntry)
		owner.piWaiters.Add(&w.piListEntry)
		owner.adjustPrioLocked()
		chainWalk = true
	}
	if ow := owner.blockedOnLocked(); ow != nil {
		nextLock = ow.lock
	}
	owner.piLock.Unlock()
	// The chain ends at owner unless owner is blocked itself.
	if !chainWalk || nextLock == nil {
		return nil
	}

	m.waitLock.Unlock()
	err := adjustPrioChain(owner, detect, nextLock, m, w, t)
	m.waitLock.Lock()
	return err
}

// wakeupNextWaiterLocked releases m on behalf of its owner t and wakes the top
// waiter. The top waiter stops boosting t, but t keeps its priority until
// the caller calls t.adjustPrio, so the wakeup happens at the boosted
// priority.
//
// Preconditions: m.waitLock is locked. m has waiters.
func (m *Mutex) wakeupNextWaiterLocked(t *Task) {
	t.piLock.Lock()
	w := m.topWaiterLocked()
	t.piWaiters.Del(&w.piListEntry)
	m.setOwnerLocked(nil)
	t.piLock.Unlock()
	w.wake()
}

// removeWaiterLocked dequeues w, which failed to acquire m, and deboosts the
// owner if w was boosting it.
//
// m.waitLock is dropped and retaken around the chain walk.
//
// Preconditions: m.waitLock is locked. w is queued on m.
func (m *Mutex) removeWaiterLocked(w *Waiter) {
	first := w == m.topWaiterLocked()
	owner := m.ownerTask()
	t := w.task

	t.piLock.Lock()
	m.waiters.Del(&w.listEntry)
	t.clearBlockedLocked()
	t.piLock.Unlock()

	if owner == nil {
		return
	}

	var nextLock *Mutex
	if first {
		owner.piLock.Lock()
		owner.piWaiters.Del(&w.piListEntry)
		if next := m.topWaiterLocked(); next != nil {
			next.piListEntry.SetPrio(next.listEntry.Prio())
			owner.piWaiters.Add(&next.piListEntry)
		}
		owner.adjustPrioLocked()
		if ow := owner.blockedOnLocked(); ow != nil {
			nextLock = ow.lock
		}
		owner.piLock.Unlock()
	}
	if w.piListEntry.Queued() {
		panic(fmt.Sprintf("removed waiter of %v still boosts %v", t, owner))
	}
	if nextLock == nil {
		return
	}

	m.waitLock.Unlock()
	adjustPrioChain(owner, false, nextLock, m, nil, t)
	m.waitLock.Lock()
}

// waitLocked is the wait-wake-try loop of a queued waiter. It returns nil
// once w's task owns m, or the translated context error once ctx is done.
//
// Preconditions: m.waitLock is locked. w is queued on m.
func (m *Mutex) waitLocked(ctx context.Context, w *Waiter) error {
	t := w.task
	for {
		if m.tryTakeLocked(t, w, stealNormal) {
			return nil
		}
		if err := linuxerr.FromContext(ctx); err != nil {
			return err
		}
		m.waitLock.Unlock()
		// Errors are rechecked through ctx with waitLock held.
		_ = t.ent.Block(ctx)
		m.waitLock.Lock()
	}
}

// slowLock is the blocking acquisition path.
func (m *Mutex) slowLock(ctx context.Context, t *Task, detect bool) error {
	slowPathMetric.Increment(opLock)
	op := waitLatencyMetric.Start()

	m.waitLock.Lock()
	if m.tryTakeLocked(t, nil, stealNormal) {
		m.fixupWaitersLocked()
		m.waitLock.Unlock()
		finishLock(op, nil)
		return nil
	}

	w := newWaiter(processWaker{})
	err := m.taskBlocksOnLocked(w, t, detect)
	if err == nil {
		err = m.waitLocked(ctx, w)
	}
	// w is not queued if t could not block.
	if err != nil && w.listEntry.Queued() {
		m.removeWaiterLocked(w)
	}
	m.fixupWaitersLocked()
	m.waitLock.Unlock()

	finishLock(op, err)
	return err
}

// slowTryLock is the non-blocking acquisition path.
func (m *Mutex) slowTryLock(t *Task) bool {
	slowPathMetric.Increment(opTryLock)

	m.waitLock.Lock()
	defer m.waitLock.Unlock()
	if m.ownerTask() == t {
		return false
	}
	ok := m.tryTakeLocked(t, nil, stealNormal)
	m.fixupWaitersLocked()
	return ok
}

// slowUnlock releases m with waitLock held, handing it to the top waiter.
func (m *Mutex) slowUnlock(t *Task) error {
	slowPathMetric.Increment(opUnlock)

	m.waitLock.Lock()
	if m.ownerTask() != t {
		m.waitLock.Unlock()
		return linuxerr.EPERM
	}
	if m.waiters.Empty() {
		m.state.Store(nil)
		m.waitLock.Unlock()
		return nil
	}
	m.wakeupNextWaiterLocked(t)
	m.waitLock.Unlock()

	// Undo the boost given by the woken waiter.
	t.adjustPrio()
	return nil
}
