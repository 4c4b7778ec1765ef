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

// Package rtmutex provides priority inheriting mutexes.
//
// A Mutex is owned by at most one Task. When a Task blocks on a Mutex, the
// owner's effective priority is raised to the priority of the most important
// task blocked on it, directly or through a chain of nested locks, and
// dropped again when the waiters go away. Priorities follow package sched:
// numerically lower values are more important.
//
// Lock ordering:
//
//	Mutex.waitLock
//	  Task.piLock
//
// The priority chain walk holds at most one Task.piLock and one
// Mutex.waitLock at a time. It takes the waitLock of the next lock in the
// chain with TryLock while holding a piLock, and retries the step if that
// fails.
package rtmutex

import (
	"gvisor.dev/pimutex/pkg/atomicbitops"
	"gvisor.dev/pimutex/pkg/log"
)

const (
	// DefaultMaxLockDepth is the default bound on the number of locks a
	// single priority chain walk visits.
	DefaultMaxLockDepth = 1024

	// DefaultSpinLimit is the default number of relax steps an AdaptiveMutex
	// waiter spins for before it blocks.
	DefaultSpinLimit = 1000
)

var (
	maxLockDepth = atomicbitops.FromInt32(DefaultMaxLockDepth)
	spinLimit    = atomicbitops.FromInt32(DefaultSpinLimit)

	// depthWarnedAt is the last lock depth limit that was reported.
	depthWarnedAt atomicbitops.Int32
)

// MaxLockDepth returns the bound on the length of priority chain walks.
func MaxLockDepth() int {
	return int(maxLockDepth.Load())
}

// SetMaxLockDepth changes the bound on the length of priority chain walks.
// A walk that reaches the bound stops as if the chain ended there.
func SetMaxLockDepth(depth int) {
	if depth < 1 {
		depth = 1
	}
	maxLockDepth.Store(int32(depth))
}

// SpinLimit returns the number of relax steps an AdaptiveMutex waiter spins
// for while the owner is running.
func SpinLimit() int {
	return int(spinLimit.Load())
}

// SetSpinLimit changes the AdaptiveMutex spin bound. Zero disables spinning.
func SetSpinLimit(limit int) {
	if limit < 0 {
		limit = 0
	}
	spinLimit.Store(int32(limit))
}

// depthExceeded reports a chain walk that hit the depth bound. The warning is
// logged once per limit value.
func depthExceeded(limit int, top *Task) {
	depthExceededMetric.Increment()
	if depthWarnedAt.Swap(int32(limit)) != int32(limit) {
		log.Warningf("Maximum lock depth %d reached task: %v", limit, top)
	}
}
