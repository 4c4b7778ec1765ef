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

	"gvisor.dev/pimutex/pkg/atomicbitops"
	"gvisor.dev/pimutex/pkg/sync"
)

// AdaptiveMutex is a Mutex for short critical sections. A contending task
// spins while the owner is running and sleeps only once the owner is off CPU.
// Tasks of equal priority may steal the lock from a waiting task unless they
// are real time.
//
// Sleeps of an AdaptiveMutex are lock sleeps: if the task's scheduler entity
// implements sched.LockSleeper, regular wakeups received while sleeping for
// the lock are preserved and delivered once the lock is taken.
type AdaptiveMutex struct {
	m Mutex
}

// Mutex returns the underlying Mutex.
func (a *AdaptiveMutex) Mutex() *Mutex {
	return &a.m
}

// Lock locks a for t.
func (a *AdaptiveMutex) Lock(t *Task) {
	if a.m.fastLock(t) {
		return
	}
	a.slowLock(t)
}

// TryLock tries to lock a for t without blocking.
func (a *AdaptiveMutex) TryLock(t *Task) bool {
	return a.m.TryLock(t)
}

// Unlock unlocks a. It returns EPERM if t does not own a.
func (a *AdaptiveMutex) Unlock(t *Task) error {
	return a.m.Unlock(t)
}

// DecAndLock decrements counter and returns true with a locked for t if the
// counter dropped to zero. Otherwise it returns false and a is not held.
func (a *AdaptiveMutex) DecAndLock(counter *atomicbitops.Int32, t *Task) bool {
	if counter.DecUnlessOne() {
		return false
	}
	a.Lock(t)
	if counter.Add(-1) == 0 {
		return true
	}
	a.Unlock(t)
	return false
}

func (a *AdaptiveMutex) slowLock(t *Task) {
	m := &a.m
	slowPathMetric.Increment(opAdaptive)

	m.waitLock.Lock()
	if m.tryTakeLocked(t, nil, stealLateral) {
		m.fixupWaitersLocked()
		m.waitLock.Unlock()
		return
	}
	if m.ownerTask() == t {
		panic(fmt.Sprintf("%v relocks %v", t, m))
	}

	t.saveState()
	w := newWaiter(lockSleeperWaker{})
	if err := m.taskBlocksOnLocked(w, t, false); err != nil {
		panic(fmt.Sprintf("%v blocks on %v: %v", t, m, err))
	}
	for !m.tryTakeLocked(t, w, stealLateral) {
		owner := m.ownerTask()
		top := m.topWaiterLocked()
		m.waitLock.Unlock()

		if top != w || adaptiveWait(m, owner) {
			t.ent.Block(context.Background())
		}

		m.waitLock.Lock()
	}
	t.restoreState()
	m.fixupWaitersLocked()
	m.waitLock.Unlock()
}

// adaptiveWait spins while owner holds m and runs. It returns true if the
// caller should block, and false if the owner changed and the caller should
// retry the acquisition.
func adaptiveWait(m *Mutex, owner *Task) bool {
	if owner == nil {
		return false
	}
	s := sync.NewSpinner(SpinLimit())
	for {
		if m.ownerTask() != owner {
			adaptiveSpinMetric.Increment(outcomeOwnerChanged)
			return false
		}
		if !owner.ent.OnCPU() {
			adaptiveSpinMetric.Increment(outcomeOwnerOffCPU)
			return true
		}
		if !s.Spin() {
			adaptiveSpinMetric.Increment(outcomeSpinLimit)
			return true
		}
	}
}
