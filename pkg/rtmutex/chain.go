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
	"gvisor.dev/pimutex/pkg/errors/linuxerr"
	"gvisor.dev/pimutex/pkg/log"
	"gvisor.dev/pimutex/pkg/sync"
)

// adjustPrioChain propagates a priority change along the chain of tasks
// blocked on each other's locks, starting at task t.
//
// nextLock is the lock t was observed blocked on, read under t.piLock by the
// caller. origLock is the lock whose waiter list changed, or nil if the walk
// was started by a priority change of top. origWaiter is the waiter that was
// enqueued on origLock, or nil if a waiter was removed. top is the task that
// caused the walk.
//
// If detect is true the walk continues to the end of the chain even if no
// priority changes, and returns EDEADLK if the chain leads back to origLock
// or to top. Without detect a cycle silently ends the walk.
//
// At most two of the involved locks are held at any time: t.piLock and the
// waitLock of the lock t is blocked on. The walk revalidates its state after
// each step and stops when the chain changed under it.
//
// Preconditions: no locks are held.
func adjustPrioChain(t *Task, detect bool, nextLock, origLock *Mutex, origWaiter *Waiter, top *Task) error {
	chainWalksMetric.Increment()

	var (
		depth int
		// topWaiter is the top waiter of the lock t owns that the walk came
		// through.
		topWaiter = origWaiter
		requeue   = true
	)
	defer func() {
		chainDepthMetric.AddSample(int64(depth))
	}()

	for {
		depth++
		if limit := MaxLockDepth(); depth > limit {
			depthExceeded(limit, top)
			return nil
		}

	retry:
		t.piLock.Lock()

		w := t.blockedOnLocked()
		if w == nil {
			// End of the chain.
			t.piLock.Unlock()
			return nil
		}

		// The original waiter left its lock. The walk is obsolete.
		if origWaiter != nil && origLock.ownerTask() == nil {
			t.piLock.Unlock()
			return nil
		}

		// t is blocked on another lock than the one observed before the
		// step. The walk is obsolete.
		if w.lock != nextLock {
			t.piLock.Unlock()
			return nil
		}

		// The change does not affect t's priority.
		if topWaiter != nil {
			if t.piWaiters.Empty() {
				t.piLock.Unlock()
				return nil
			}
			if topWaiter != t.topPIWaiterLocked() {
				if !detect {
					t.piLock.Unlock()
					return nil
				}
				requeue = false
			}
		}

		// w already carries t's priority.
		if w.listEntry.Prio() == t.Prio() {
			if !detect {
				t.piLock.Unlock()
				return nil
			}
			requeue = false
		}

		lock := w.lock
		if !lock.waitLock.TryLock() {
			t.piLock.Unlock()
			sync.Goyield()
			goto retry
		}

		if lock == origLock || lock.ownerTask() == top {
			lock.waitLock.Unlock()
			t.piLock.Unlock()
			if !detect {
				return nil
			}
			log.Debugf("rtmutex: deadlock detected: %v would wait on %v", top, lock)
			return linuxerr.EDEADLK
		}

		if !requeue {
			// Deadlock detection only: follow the chain without modifying it.
			t.piLock.Unlock()
			owner := lock.ownerTask()
			if owner == nil {
				lock.waitLock.Unlock()
				return nil
			}
			owner.piLock.Lock()
			nextLock = nil
			if ow := owner.blockedOnLocked(); ow != nil {
				nextLock = ow.lock
			}
			topWaiter = lock.topWaiterLocked()
			owner.piLock.Unlock()
			lock.waitLock.Unlock()
			if nextLock == nil {
				return nil
			}
			t = owner
			continue
		}

		// Requeue w at t's new priority.
		prevTop := lock.topWaiterLocked()
		lock.waiters.Requeue(&w.listEntry, t.Prio())
		t.piLock.Unlock()

		owner := lock.ownerTask()
		if owner == nil {
			// The lock is being handed over. Wake the new top waiter so it
			// competes for it.
			if newTop := lock.topWaiterLocked(); newTop != prevTop {
				newTop.wake()
			}
			lock.waitLock.Unlock()
			return nil
		}

		owner.piLock.Lock()
		switch {
		case w == lock.topWaiterLocked():
			// w boosts owner now, either anew or with its new priority.
			owner.piWaiters.Del(&prevTop.piListEntry)
			w.piListEntry.SetPrio(w.listEntry.Prio())
			owner.piWaiters.Add(&w.piListEntry)
			owner.adjustPrioLocked()
		case prevTop == w:
			// w was deboosted below another waiter, which takes over.
			owner.piWaiters.Del(&w.piListEntry)
			next := lock.topWaiterLocked()
			next.piListEntry.SetPrio(next.listEntry.Prio())
			owner.piWaiters.Add(&next.piListEntry)
			owner.adjustPrioLocked()
		}
		nextLock = nil
		if ow := owner.blockedOnLocked(); ow != nil {
			nextLock = ow.lock
		}
		topWaiter = lock.topWaiterLocked()
		owner.piLock.Unlock()
		lock.waitLock.Unlock()

		if nextLock == nil {
			return nil
		}
		// owner's priority is unchanged unless w is the top waiter.
		if !detect && w != topWaiter {
			return nil
		}
		t = owner
	}
}
