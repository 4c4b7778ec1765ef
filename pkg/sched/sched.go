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

// Package sched defines the scheduler interface consumed by priority
// inheriting locks, and a goroutine-backed implementation of it.
//
// Priorities follow the kernel convention: numerically lower values are
// more important. Values in [0, MaxRTPrio) are real-time priorities, values in
// [MaxRTPrio, MaxPrio) are normal priorities.
package sched

import (
	"context"
)

const (
	// MaxRTPrio is the first priority that is not real-time.
	MaxRTPrio = 100

	// MaxPrio is one past the least important priority.
	MaxPrio = 140

	// DefaultPrio is the priority of a normal task with nice 0.
	DefaultPrio = 120
)

// IsRT returns true if prio is a real-time priority.
func IsRT(prio int) bool {
	return prio < MaxRTPrio
}

// Valid returns true if prio is in range.
func Valid(prio int) bool {
	return prio >= 0 && prio < MaxPrio
}

// Entity is a schedulable entity.
type Entity interface {
	// NormalPrio returns the entity's base priority, the priority it runs at
	// when nothing boosts it.
	NormalPrio() int

	// SetNormalPrio changes the entity's base priority.
	SetNormalPrio(prio int)

	// SetPrio sets the entity's effective priority.
	SetPrio(prio int)

	// Block suspends the calling goroutine, which must be the one running
	// the entity, until Wakeup is called or ctx is done. A Wakeup that
	// arrives before Block is not lost: Block returns immediately. Block may
	// return spuriously; callers re-check their condition.
	//
	// Block returns ctx.Err() if it returns because ctx is done.
	Block(ctx context.Context) error

	// Wakeup resumes the entity if it is blocked.
	Wakeup()

	// OnCPU returns true if the entity is currently running, i.e. not
	// suspended in Block.
	OnCPU() bool
}

// LockSleeper is implemented by entities that can sleep on a lock without
// losing ordinary wakeups.
//
// Between SaveState and RestoreState, Block waits only for
// WakeupLockSleeper. An ordinary Wakeup received in that window is recorded
// and delivered when RestoreState is called.
type LockSleeper interface {
	Entity

	// SaveState enters the lock sleep state.
	SaveState()

	// RestoreState leaves the lock sleep state.
	RestoreState()

	// WakeupLockSleeper resumes the entity if it is blocked in the lock
	// sleep state. It is a no-op otherwise.
	WakeupLockSleeper()
}
