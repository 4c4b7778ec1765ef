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
)

// InitProxyLocked makes owner the owner of the unlocked m without owner's
// participation.
//
// Preconditions: m is unlocked and has no waiters.
func (m *Mutex) InitProxyLocked(owner *Task) {
	if !m.state.CompareAndSwap(nil, owner.state(false)) {
		panic(fmt.Sprintf("InitProxyLocked of %v for %v", m, owner))
	}
}

// ProxyUnlock releases m on behalf of owner. Waiters are handed the lock as
// by Unlock, and owner loses the boost they gave it.
func (m *Mutex) ProxyUnlock(owner *Task) error {
	return m.Unlock(owner)
}

// StartProxyLock acquires m on behalf of t, or enqueues w for t on m so that
// t can complete the acquisition with FinishProxyLock.
//
// It returns true if t now owns m. It returns false and a nil error if w was
// enqueued. It returns EAGAIN if t is not idle, and EDEADLK if detect is true
// and enqueueing t would deadlock. On error w is not enqueued.
//
// Preconditions: w is not in use.
func (m *Mutex) StartProxyLock(w *Waiter, t *Task, detect bool) (bool, error) {
	slowPathMetric.Increment(opProxy)

	m.waitLock.Lock()
	defer m.waitLock.Unlock()
	defer m.fixupWaitersLocked()

	if m.tryTakeLocked(t, nil, stealNormal) {
		return true, nil
	}

	t.piLock.Lock()
	if t.blocked != blockedIdle {
		// t is waking up, or already enqueued elsewhere.
		t.piLock.Unlock()
		return false, linuxerr.EAGAIN
	}
	t.blocked = blockedRequeueInProgress
	t.piLock.Unlock()

	err := m.taskBlocksOnLocked(w, t, detect)
	if err != nil && m.ownerTask() == nil {
		// The owner released m during the chain walk; w takes the lock in
		// FinishProxyLock.
		err = nil
	}
	if err != nil {
		m.removeWaiterLocked(w)
		return false, err
	}
	return false, nil
}

// FinishProxyLock completes an acquisition started by StartProxyLock. It
// must be called by the task w was enqueued for.
//
// It returns nil once the task owns the lock, or ETIMEDOUT or EINTR if ctx
// is done first. On error w is dequeued.
func (m *Mutex) FinishProxyLock(ctx context.Context, w *Waiter) error {
	if w.lock != m {
		panic(fmt.Sprintf("FinishProxyLock of %v with waiter for %v", m, w.lock))
	}
	op := waitLatencyMetric.Start()

	m.waitLock.Lock()
	err := m.waitLocked(ctx, w)
	if err != nil {
		m.removeWaiterLocked(w)
	}
	m.fixupWaitersLocked()
	m.waitLock.Unlock()

	finishLock(op, err)
	return err
}
