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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/pimutex/cmd/pimutex/cmd/util"
	"gvisor.dev/pimutex/pkg/atomicbitops"
	"gvisor.dev/pimutex/pkg/log"
	"gvisor.dev/pimutex/pkg/rtmutex"
	"gvisor.dev/pimutex/pkg/sched"
)

// locker is implemented by both rtmutex.Mutex and rtmutex.AdaptiveMutex.
type locker interface {
	Lock(t *rtmutex.Task)
	Unlock(t *rtmutex.Task) error
}

// guarded is a lock with the state it protects.
type guarded struct {
	mu locker

	// inside is 1 while a task holds mu.
	inside atomicbitops.Int32

	// count is protected by mu.
	count int
}

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	goroutines int
	iterations int
	locks      int
	adaptive   bool
	timeout    time.Duration
	seed       int64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "hammer a set of nested locks from tasks of mixed priority"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - runs tasks with random priorities that repeatedly take a random prefix of a set of locks in order, then checks mutual exclusion, counts and that every priority boost was undone.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.goroutines, "goroutines", 8, "number of tasks.")
	f.IntVar(&s.iterations, "iterations", 1000, "number of acquisitions per task.")
	f.IntVar(&s.locks, "locks", 3, "number of nested locks.")
	f.BoolVar(&s.adaptive, "adaptive", false, "use adaptive mutexes.")
	f.DurationVar(&s.timeout, "timeout", 0, "if set, acquisitions of plain mutexes give up after this long.")
	f.Int64Var(&s.seed, "seed", 0, "random seed. Zero picks one from the clock.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if s.goroutines < 1 || s.iterations < 1 || s.locks < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	seed := s.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	log.Infof("stress: seed %d", seed)
	rng := rand.New(rand.NewSource(seed))

	locks := make([]guarded, s.locks)
	for i := range locks {
		if s.adaptive {
			locks[i].mu = &rtmutex.AdaptiveMutex{}
		} else {
			locks[i].mu = &rtmutex.Mutex{}
		}
	}

	// Span both real-time and normal priorities.
	tasks := make([]*rtmutex.Task, s.goroutines)
	for i := range tasks {
		prio := sched.MaxRTPrio - 10 + rng.Intn(sched.MaxPrio-sched.MaxRTPrio+10)
		tasks[i] = newTask(fmt.Sprintf("stress%d", i), prio)
	}

	progress := log.BasicRateLimitedLogger(time.Second)
	var done, timeouts atomicbitops.Int64
	total := int64(s.goroutines) * int64(s.iterations)
	want := make([][]int, s.goroutines)
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for i, t := range tasks {
		r := rand.New(rand.NewSource(rng.Int63()))
		want[i] = make([]int, s.locks)
		g.Go(func() error {
			for it := 0; it < s.iterations; it++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				n := 1 + r.Intn(s.locks)
				for j := 0; j < n; j++ {
					ok, err := s.lock(ctx, locks[j].mu, t)
					if err != nil {
						return fmt.Errorf("%v locking lock %d: %w", t, j, err)
					}
					if !ok {
						timeouts.Add(1)
						n = j
						break
					}
					if !locks[j].inside.CompareAndSwap(0, 1) {
						return fmt.Errorf("%v entered lock %d while another task held it", t, j)
					}
					locks[j].count++
					want[i][j]++
				}
				for j := n - 1; j >= 0; j-- {
					locks[j].inside.Store(0)
					if err := locks[j].mu.Unlock(t); err != nil {
						return fmt.Errorf("%v unlocking lock %d: %w", t, j, err)
					}
				}
				progress.Infof("stress: %d/%d acquisitions", done.Add(1), total)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		util.Errorf("stress: %v", err)
		return subcommands.ExitFailure
	}
	elapsed := time.Since(start)

	status := subcommands.ExitSuccess
	for j := range locks {
		sum := 0
		for i := range want {
			sum += want[i][j]
		}
		if locks[j].count != sum {
			util.Errorf("lock %d: counted %d acquisitions, want %d", j, locks[j].count, sum)
			status = subcommands.ExitFailure
		}
	}
	for _, t := range tasks {
		if t.Boosted() || t.BlockedOn() != nil {
			util.Errorf("%v left with priority %d, blocked on %p", t, t.Prio(), t.BlockedOn())
			status = subcommands.ExitFailure
		}
	}
	printPrios(os.Stdout, "final", tasks)
	fmt.Fprintf(os.Stdout, "%d acquisitions in %v, %d timed out\n", done.Load(), elapsed, timeouts.Load())
	return status
}

// lock acquires l for t, giving up after s.timeout if l supports timeouts.
func (s *Stress) lock(ctx context.Context, l locker, t *rtmutex.Task) (bool, error) {
	m, ok := l.(*rtmutex.Mutex)
	if !ok || s.timeout == 0 {
		l.Lock(t)
		return true, nil
	}
	return acquired(m.LockTimeout(ctx, t, time.Now().Add(s.timeout)))
}
