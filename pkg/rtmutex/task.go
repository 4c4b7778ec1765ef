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
	"fmt"

	"gvisor.dev/pimutex/pkg/atomicbitops"
	"gvisor.dev/pimutex/pkg/plist"
	"gvisor.dev/pimutex/pkg/sched"
	"gvisor.dev/pimutex/pkg/sync"
)

// blockedState is what a Task is blocked on.
type blockedState int

const (
	// blockedIdle means the task is not blocked on any Mutex.
	blockedIdle blockedState = iota

	// blockedOnWaiter means the task is queued on Task.waiter.lock.
	blockedOnWaiter

	// blockedWakeupInProgress means the task is waking up from a requeue
	// wait and must not be enqueued on a Mutex by proxy.
	blockedWakeupInProgress

	// blockedRequeueInProgress means a proxy is enqueueing the task on a
	// Mutex.
	blockedRequeueInProgress
)

func (s blockedState) String() string {
	switch s {
	case blockedIdle:
		return "idle"
	case blockedOnWaiter:
		return "blocked"
	case blockedWakeupInProgress:
		return "wakeup-in-progress"
	case blockedRequeueInProgress:
		return "requeue-in-progress"
	default:
		return fmt.Sprintf("blockedState(%d)", int(s))
	}
}

// Task is a schedulable entity that can own and wait for Mutexes.
//
// A Task must be used by a single goroutine at a time for lock operations,
// since blocking suspends the goroutine through the task's sched.Entity.
type Task struct {
	ent sched.Entity

	// owned and ownedWaiters are the lock states naming this task as owner.
	// They are immutable.
	owned        ownerState
	ownedWaiters ownerState

	// prio is the effective priority. It is only written with piLock held.
	prio atomicbitops.Int32

	// piLock protects the fields below.
	piLock sync.Mutex

	// blocked is what the task is blocked on. waiter is the queued waiter
	// iff blocked == blockedOnWaiter.
	blocked blockedState
	waiter  *Waiter

	// piWaiters holds the top waiter of every Mutex the task owns, ordered
	// by priority.
	piWaiters plist.List[*Waiter]
}

// NewTask returns a Task scheduled by ent, running at ent's base priority.
func NewTask(ent sched.Entity) *Task {
	t := &Task{ent: ent}
	t.owned = ownerState{owner: t}
	t.ownedWaiters = ownerState{owner: t, waiters: true}
	t.prio.Store(int32(ent.NormalPrio()))
	return t
}

// String implements fmt.Stringer.
func (t *Task) String() string {
	if s, ok := t.ent.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("task@%p", t)
}

// Entity returns the scheduling entity of t.
func (t *Task) Entity() sched.Entity {
	return t.ent
}

// Prio returns t's effective priority.
func (t *Task) Prio() int {
	return int(t.prio.Load())
}

// state returns the lock state naming t as owner.
func (t *Task) state(waiters bool) *ownerState {
	if waiters {
		return &t.ownedWaiters
	}
	return &t.owned
}

// blockedOnLocked returns the waiter t is queued with, or nil if t is not
// blocked on a Mutex.
//
// Preconditions: t.piLock is locked.
func (t *Task) blockedOnLocked() *Waiter {
	if t.blocked != blockedOnWaiter {
		return nil
	}
	return t.waiter
}

// setBlockedOnLocked records that t is queued with w.
//
// Preconditions: t.piLock is locked.
func (t *Task) setBlockedOnLocked(w *Waiter) {
	t.blocked = blockedOnWaiter
	t.waiter = w
}

// clearBlockedLocked records that t is not blocked.
//
// Preconditions: t.piLock is locked.
func (t *Task) clearBlockedLocked() {
	t.blocked = blockedIdle
	t.waiter = nil
}

// topPIWaiterLocked returns the most important waiter boosting t, or nil.
//
// Preconditions: t.piLock is locked.
func (t *Task) topPIWaiterLocked() *Waiter {
	if n := t.piWaiters.First(); n != nil {
		return n.Value
	}
	return nil
}

// getPrioLocked computes t's effective priority from its base priority and
// its boosting waiters.
//
// Preconditions: t.piLock is locked.
func (t *Task) getPrioLocked() int {
	prio := t.ent.NormalPrio()
	if top := t.piWaiters.First(); top != nil && top.Prio() < prio {
		prio = top.Prio()
	}
	return prio
}

// adjustPrioLocked updates t's effective priority after its base priority
// or its boosting waiters changed. It boosts as well as deboosts.
//
// Preconditions: t.piLock is locked.
func (t *Task) adjustPrioLocked() {
	if prio := t.getPrioLocked(); prio != t.Prio() {
		t.prio.Store(int32(prio))
		t.ent.SetPrio(prio)
	}
}

// adjustPrio is adjustPrioLocked for callers not holding t.piLock.
func (t *Task) adjustPrio() {
	t.piLock.Lock()
	defer t.piLock.Unlock()
	t.adjustPrioLocked()
}

// AdjustPI propagates a change of t's priority along the chain of locks t
// is blocked on. It must be called after t's base priority changes.
func (t *Task) AdjustPI() {
	t.piLock.Lock()
	w := t.blockedOnLocked()
	if w == nil || w.listEntry.Prio() == t.Prio() {
		t.piLock.Unlock()
		return
	}
	nextLock := w.lock
	t.piLock.Unlock()
	adjustPrioChain(t, false, nextLock, nil, nil, t)
}

// SetNormalPrio changes t's base priority. The effective priority stays
// boosted if a waiter requires it, and the change is propagated to the
// owners of the locks t is blocked on.
func (t *Task) SetNormalPrio(prio int) {
	t.piLock.Lock()
	t.ent.SetNormalPrio(prio)
	t.adjustPrioLocked()
	t.piLock.Unlock()
	t.AdjustPI()
}

// CheckPrio returns true if setting t's base priority to prio would be
// overruled by priority boosting.
func (t *Task) CheckPrio(prio int) bool {
	t.piLock.Lock()
	defer t.piLock.Unlock()
	top := t.piWaiters.First()
	return top != nil && top.Prio() <= prio
}

// Boosted returns true if t runs at a more important priority than its base
// priority because of waiters.
func (t *Task) Boosted() bool {
	t.piLock.Lock()
	defer t.piLock.Unlock()
	return t.Prio() < t.ent.NormalPrio()
}

// BlockedOn returns the Mutex t is queued on, or nil.
func (t *Task) BlockedOn() *Mutex {
	t.piLock.Lock()
	defer t.piLock.Unlock()
	if w := t.blockedOnLocked(); w != nil {
		return w.lock
	}
	return nil
}

// MarkWakeupInProgress marks t as waking up from a requeue wait, so that
// StartProxyLock fails with EAGAIN instead of enqueueing t. It returns false
// if a proxy has already started enqueueing t, in which case the caller must
// synchronize with the proxy to learn the outcome.
//
// Preconditions: t is the calling task.
func (t *Task) MarkWakeupInProgress() bool {
	t.piLock.Lock()
	defer t.piLock.Unlock()
	if t.blocked != blockedIdle {
		return false
	}
	t.blocked = blockedWakeupInProgress
	return true
}

// ClearWakeupInProgress reverts MarkWakeupInProgress.
func (t *Task) ClearWakeupInProgress() {
	t.piLock.Lock()
	defer t.piLock.Unlock()
	if t.blocked == blockedWakeupInProgress {
		t.blocked = blockedIdle
	}
}

// saveState enters the lock sleep state if t's entity supports it.
func (t *Task) saveState() {
	if ls, ok := t.ent.(sched.LockSleeper); ok {
		ls.SaveState()
	}
}

// restoreState leaves the lock sleep state.
func (t *Task) restoreState() {
	if ls, ok := t.ent.(sched.LockSleeper); ok {
		ls.RestoreState()
	}
}
