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

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/pimutex/cmd/pimutex/cmd/util"
	"gvisor.dev/pimutex/pkg/log"
	"gvisor.dev/pimutex/pkg/rtmutex"
	"gvisor.dev/pimutex/pkg/sched"
)

// Chain implements subcommands.Command for the "chain" command.
type Chain struct {
	depth int
	step  int
}

// Name implements subcommands.Command.Name.
func (*Chain) Name() string {
	return "chain"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Chain) Synopsis() string {
	return "show priority inheritance along a chain of nested locks"
}

// Usage implements subcommands.Command.Usage.
func (*Chain) Usage() string {
	return `chain [-depth=<n>] [-step=<prio>] - builds a chain of tasks, each holding a lock and blocked on the lock of the previous, more important task first, and prints how priorities propagate.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Chain) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.depth, "depth", 4, "number of tasks in the chain.")
	f.IntVar(&c.step, "step", 10, "priority difference between adjacent tasks.")
}

// Execute implements subcommands.Command.Execute.
func (c *Chain) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if c.depth < 2 || c.step < 1 || !sched.Valid(sched.DefaultPrio-c.step*(c.depth-1)) {
		f.Usage()
		return subcommands.ExitUsageError
	}

	// tasks[i] holds locks[i] and blocks on locks[i-1]. Later tasks are
	// more important, so every new waiter boosts the whole chain.
	locks := make([]rtmutex.Mutex, c.depth)
	tasks := make([]*rtmutex.Task, c.depth)
	for i := range tasks {
		tasks[i] = newTask(fmt.Sprintf("task%d", i), sched.DefaultPrio-c.step*i)
	}

	locks[0].Lock(tasks[0])
	printPrios(os.Stdout, "initial", tasks)

	var g errgroup.Group
	for i := 1; i < c.depth; i++ {
		held := make(chan struct{})
		g.Go(func() error {
			locks[i].Lock(tasks[i])
			close(held)
			locks[i-1].Lock(tasks[i])
			log.Debugf("%v acquired %v", tasks[i], &locks[i-1])
			if err := locks[i-1].Unlock(tasks[i]); err != nil {
				return err
			}
			return locks[i].Unlock(tasks[i])
		})
		<-held
		if err := waitUntil(ctx, "the chain to grow", func() bool { return tasks[i].BlockedOn() == &locks[i-1] }); err != nil {
			util.Fatalf("waiting for %v to block: %v", tasks[i], err)
		}
		printPrios(os.Stdout, fmt.Sprintf("%v blocked", tasks[i]), tasks)
	}

	// Releasing the root lets the chain unwind from the root.
	if err := locks[0].Unlock(tasks[0]); err != nil {
		util.Fatalf("unlock: %v", err)
	}
	if err := g.Wait(); err != nil {
		util.Fatalf("chain: %v", err)
	}
	printPrios(os.Stdout, "released", tasks)

	for i := range tasks {
		if tasks[i].Boosted() {
			util.Fatalf("%v still boosted to %d", tasks[i], tasks[i].Prio())
		}
	}
	return subcommands.ExitSuccess
}
