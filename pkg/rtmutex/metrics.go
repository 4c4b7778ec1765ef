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
	"time"

	"gvisor.dev/pimutex/pkg/errors/linuxerr"
	"gvisor.dev/pimutex/pkg/metric"
)

// Field values of the rtmutex metrics.
const (
	opLock     = "lock"
	opTryLock  = "trylock"
	opUnlock   = "unlock"
	opProxy    = "proxy"
	opAdaptive = "adaptive"

	resultAcquired    = "acquired"
	resultDeadlock    = "deadlock"
	resultTimeout     = "timeout"
	resultInterrupted = "interrupted"
	resultOther       = "other"

	outcomeOwnerChanged = "owner_changed"
	outcomeOwnerOffCPU  = "owner_off_cpu"
	outcomeSpinLimit    = "spin_limit"
)

var (
	slowPathMetric = metric.MustCreateNewUint64Metric("/rtmutex/slow_path", false, "Number of mutex operations that took the slow path.",
		metric.NewField("op", opLock, opTryLock, opUnlock, opProxy, opAdaptive))

	lockResultMetric = metric.MustCreateNewUint64Metric("/rtmutex/lock_result", false, "Outcome of blocking mutex acquisitions.",
		metric.NewField("result", resultAcquired, resultDeadlock, resultTimeout, resultInterrupted, resultOther))

	chainWalksMetric = metric.MustCreateNewUint64Metric("/rtmutex/chain_walks", false, "Number of priority chain walks.")

	depthExceededMetric = metric.MustCreateNewUint64Metric("/rtmutex/depth_exceeded", false, "Number of priority chain walks stopped by the lock depth bound.")

	adaptiveSpinMetric = metric.MustCreateNewUint64Metric("/rtmutex/adaptive_spin", false, "Outcome of adaptive spins on a running owner.",
		metric.NewField("outcome", outcomeOwnerChanged, outcomeOwnerOffCPU, outcomeSpinLimit))

	chainDepthMetric = metric.MustCreateNewDistributionMetric("/rtmutex/chain_depth", false, metric.NewExponentialBucketer(10, 1, 1, 2), metric.UnitsNone, "Number of locks visited by priority chain walks.")

	waitLatencyMetric = metric.MustCreateNewTimerMetric("/rtmutex/wait_latency", metric.NewDurationBucketer(15, time.Microsecond, 10*time.Second), "Time spent in blocking mutex acquisitions.",
		metric.NewField("result", resultAcquired, resultDeadlock, resultTimeout, resultInterrupted, resultOther))
)

func init() {
	metric.MustRegisterCustomUint64Metric("/rtmutex/max_lock_depth", false /* cumulative */, false /* sync */, "Bound on the number of locks a priority chain walk visits.", func(...string) uint64 {
		return uint64(MaxLockDepth())
	})
}

// lockResult returns the lock_result field value for a slow path error.
func lockResult(err error) string {
	switch err {
	case nil:
		return resultAcquired
	case linuxerr.EDEADLK:
		return resultDeadlock
	case linuxerr.ETIMEDOUT:
		return resultTimeout
	case linuxerr.EINTR:
		return resultInterrupted
	default:
		return resultOther
	}
}

// finishLock records the outcome of a blocking acquisition.
func finishLock(op metric.TimedOperation, err error) {
	result := lockResult(err)
	lockResultMetric.Increment(result)
	op.Finish(result)
}
