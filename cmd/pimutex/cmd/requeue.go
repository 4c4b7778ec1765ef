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
	"os"
	"strings"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/pimutex/cmd/pimutex/cmd/util"
	"gvisor.dev/pimutex/pkg/atomicbitops"
	"gvisor.dev/pimutex/pkg/errors/linuxerr"
	"gvisor.dev/pimutex/pkg/futex"
	"gvisor.dev/pimutex/pkg/rtmutex"
	"gvisor.dev/pimutex/pkg/sched"
)

// condWord is a single futex word at address 0.
type condWord struct {
	atomicbitops.Uint32
}

// Check implements futex.Checker.Check.
func (c *condWord) Check(addr uintptr, val uint32) error {
	if addr != 0 {
		return linuxerr.EFAULT
	}
	if c.Load() != val {
		return linuxerr.EAGAIN
	}
	return nil
}

// Requeue implements subcommands.Command for the "requeue" command.
type Requeue struct {
	waiters int
}

// Name implements subcommands.Command.Name.
func (*Requeue) Name() string {
	return "requeue"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Requeue) Synopsis() string {
	return "broadcast a PI condition variable and show the wakeup order"
}

// Usage implements subcommands.Command.Usage.
func (*Requeue) Usage() string {
	return `requeue [-waiters=<n>] - tasks of increasing priority wait on a condition word. A broadcast requeues them all onto the PI mutex guarding the condition, and they acquire it in priority order.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Requeue) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.waiters, "waiters", 4, "number of waiting tasks.")
}

// Execute implements subcommands.Command.Execute.
func (r *Requeue) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if r.waiters < 1 || !sched.Valid(sched.DefaultPrio-r.waiters) {
		f.Usage()
		return subcommands.ExitUsageError
	}

	var (
		m      = futex.NewManager()
		word   condWord
		target rtmutex.Mutex
		// order is protected by target.
		order []string
	)
	signaller := newTask("signaller", sched.DefaultPrio)
	tasks := []*rtmutex.Task{signaller}

	// The signaller holds target across the broadcast, so that no waiter
	// acquires it before all of them are queued.
	target.Lock(signaller)

	seq := word.Load()
	var g errgroup.Group
	for i := 0; i < r.waiters; i++ {
		t := newTask(fmt.Sprintf("waiter%d", i), sched.DefaultPrio-1-i)
		tasks = append(tasks, t)
		g.Go(func() error {
			if err := m.WaitRequeuePI(ctx, &word, t, 0, seq, &target); err != nil {
				return fmt.Errorf("%v: %w", t, err)
			}
			order = append(order, t.String())
			return target.Unlock(t)
		})
	}
	if err := waitUntil(ctx, "waiters to queue", func() bool { return m.Waiters(0) == r.waiters }); err != nil {
		util.Fatalf("waiting for waiters: %v", err)
	}

	word.Add(1)
	n, err := m.CmpRequeuePI(&word, 0, seq+1, &target, r.waiters)
	if err != nil {
		util.Fatalf("requeue: %v", err)
	}
	fmt.Fprintf(os.Stdout, "requeued %d waiters\n", n)
	if err := waitUntil(ctx, "waiters to block on the mutex", func() bool { return target.Waiters() == r.waiters }); err != nil {
		util.Fatalf("waiting for waiters: %v", err)
	}
	printPrios(os.Stdout, "requeued", tasks)

	if err := target.Unlock(signaller); err != nil {
		util.Fatalf("unlock: %v", err)
	}
	if err := g.Wait(); err != nil {
		util.Errorf("requeue: %v", err)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(os.Stdout, "acquisition order: %s\n", strings.Join(order, ", "))
	return subcommands.ExitSuccess
}
