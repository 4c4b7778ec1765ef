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
	"gvisor.dev/pimutex/pkg/plist"
	"gvisor.dev/pimutex/pkg/sched"
)

// Waker wakes a task blocked on a Mutex.
type Waker interface {
	// Wake resumes t.
	Wake(t *Task)
}

// processWaker wakes tasks with an ordinary wakeup.
type processWaker struct{}

// Wake implements Waker.Wake.
func (processWaker) Wake(t *Task) {
	t.ent.Wakeup()
}

// lockSleeperWaker wakes tasks sleeping in the lock sleep state, leaving any
// other pending wakeups untouched.
type lockSleeperWaker struct{}

// Wake implements Waker.Wake.
func (lockSleeperWaker) Wake(t *Task) {
	if ls, ok := t.ent.(sched.LockSleeper); ok {
		ls.WakeupLockSleeper()
		return
	}
	t.ent.Wakeup()
}

// Waiter is a task's entry on a Mutex it waits for.
//
// A Waiter is on the lock's wait list while its task waits, and additionally
// on the lock owner's list of boosting waiters while it is the lock's top
// waiter.
type Waiter struct {
	task *Task
	lock *Mutex

	// listEntry is the node in lock.waiters.
	listEntry plist.Node[*Waiter]

	// piListEntry is the node in the lock owner's piWaiters.
	piListEntry plist.Node[*Waiter]

	waker Waker
}

// NewWaiter returns a Waiter for use with StartProxyLock and
// FinishProxyLock.
func NewWaiter() *Waiter {
	return newWaiter(processWaker{})
}

func newWaiter(waker Waker) *Waiter {
	return &Waiter{waker: waker}
}

// Task returns the task waiting, or nil if w was never enqueued.
func (w *Waiter) Task() *Task {
	return w.task
}

// Lock returns the Mutex w was enqueued on, or nil.
func (w *Waiter) Lock() *Mutex {
	return w.lock
}

// wake resumes w's task.
func (w *Waiter) wake() {
	w.waker.Wake(w.task)
}
