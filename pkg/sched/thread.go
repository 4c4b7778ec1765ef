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

package sched

import (
	"context"
	"fmt"

	"gvisor.dev/pimutex/pkg/atomicbitops"
	"gvisor.dev/pimutex/pkg/log"
	"gvisor.dev/pimutex/pkg/sync"
)

// Thread is an Entity backed by the goroutine that calls its Block method.
//
// Thread implements LockSleeper.
type Thread struct {
	name string

	// onCPU is false while the thread is suspended in Block.
	onCPU atomicbitops.Bool

	// wake and lockWake carry at most one pending wakeup each.
	wake     chan struct{}
	lockWake chan struct{}

	// mu protects the fields below.
	mu sync.Mutex

	normalPrio int
	prio       int

	// lockSleep is true between SaveState and RestoreState.
	lockSleep bool

	// savedWakeup is true if an ordinary wakeup arrived during a lock
	// sleep.
	savedWakeup bool
}

var _ LockSleeper = (*Thread)(nil)

// NewThread returns a running Thread with base priority prio.
func NewThread(name string, prio int) *Thread {
	if !Valid(prio) {
		panic(fmt.Sprintf("invalid priority %d for thread %q", prio, name))
	}
	return &Thread{
		name:       name,
		onCPU:      atomicbitops.FromBool(true),
		wake:       make(chan struct{}, 1),
		lockWake:   make(chan struct{}, 1),
		normalPrio: prio,
		prio:       prio,
	}
}

// String implements fmt.Stringer.
func (t *Thread) String() string {
	return t.name
}

// NormalPrio implements Entity.NormalPrio.
func (t *Thread) NormalPrio() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.normalPrio
}

// SetNormalPrio implements Entity.SetNormalPrio.
func (t *Thread) SetNormalPrio(prio int) {
	if !Valid(prio) {
		panic(fmt.Sprintf("invalid priority %d for thread %q", prio, t.name))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.normalPrio = prio
}

// Prio returns the effective priority last set by SetPrio.
func (t *Thread) Prio() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prio
}

// SetPrio implements Entity.SetPrio.
func (t *Thread) SetPrio(prio int) {
	t.mu.Lock()
	old := t.prio
	t.prio = prio
	t.mu.Unlock()
	if log.IsLogging(log.Debug) {
		log.Debugf("thread %s: priority %d -> %d", t.name, old, prio)
	}
}

// Block implements Entity.Block.
func (t *Thread) Block(ctx context.Context) error {
	t.mu.Lock()
	ch := t.wake
	if t.lockSleep {
		ch = t.lockWake
	}
	t.mu.Unlock()

	t.onCPU.Store(false)
	defer t.onCPU.Store(true)
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wakeup implements Entity.Wakeup.
func (t *Thread) Wakeup() {
	t.mu.Lock()
	if t.lockSleep {
		t.savedWakeup = true
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	notify(t.wake)
}

// OnCPU implements Entity.OnCPU.
func (t *Thread) OnCPU() bool {
	return t.onCPU.Load()
}

// SaveState implements LockSleeper.SaveState.
func (t *Thread) SaveState() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lockSleep {
		panic(fmt.Sprintf("thread %s: nested lock sleep", t.name))
	}
	t.lockSleep = true
}

// RestoreState implements LockSleeper.RestoreState.
func (t *Thread) RestoreState() {
	t.mu.Lock()
	t.lockSleep = false
	saved := t.savedWakeup
	t.savedWakeup = false
	t.mu.Unlock()

	// Drop a lock wakeup that raced with the acquisition.
	select {
	case <-t.lockWake:
	default:
	}
	if saved {
		notify(t.wake)
	}
}

// WakeupLockSleeper implements LockSleeper.WakeupLockSleeper.
func (t *Thread) WakeupLockSleeper() {
	t.mu.Lock()
	sleeping := t.lockSleep
	t.mu.Unlock()
	if sleeping {
		notify(t.lockWake)
	}
}

// notify posts a wakeup on ch unless one is already pending.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
