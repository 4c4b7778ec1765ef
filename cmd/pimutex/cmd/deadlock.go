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
	"gvisor.dev/pimutex/pkg/errors/linuxerr"
	"gvisor.dev/pimutex/pkg/rtmutex"
	"gvisor.dev/pimutex/pkg/sched"
)

// Deadlock implements subcommands.Command for the "deadlock" command.
type Deadlock struct {
	recursive bool
}

// Name implements subcommands.Command.Name.
func (*Deadlock) Name() string {
	return "deadlock"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Deadlock) Synopsis() string {
	return "provoke a deadlock and show that it is detected"
}

// Usage implements subcommands.Command.Usage.
func (*Deadlock) Usage() string {
	return `deadlock [-recursive] - two tasks take two locks in opposite order with deadlock detection enabled. With -recursive a single task locks the same lock twice.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Deadlock) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.recursive, "recursive", false, "lock the same lock twice from one task.")
}

// Execute implements subcommands.Command.Execute.
func (d *Deadlock) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	var err error
	if d.recursive {
		err = d.runRecursive(ctx)
	} else {
		err = d.runABBA(ctx)
	}
	if err != linuxerr.EDEADLK {
		util.Errorf("deadlock not detected: %v", err)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(os.Stdout, "deadlock detected: %v\n", err)
	return subcommands.ExitSuccess
}

func (d *Deadlock) runRecursive(ctx context.Context) error {
	var m rtmutex.Mutex
	a := newTask("a", sched.DefaultPrio)
	m.Lock(a)
	defer m.Unlock(a)
	return m.LockDetectDeadlock(ctx, a)
}

func (d *Deadlock) runABBA(ctx context.Context) error {
	var l1, l2 rtmutex.Mutex
	a := newTask("a", sched.DefaultPrio)
	b := newTask("b", sched.DefaultPrio)

	l1.Lock(a)
	bLocked := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		l2.Lock(b)
		close(bLocked)
		if err := l1.LockDetectDeadlock(ctx, b); err != nil {
			return err
		}
		if err := l1.Unlock(b); err != nil {
			return err
		}
		return l2.Unlock(b)
	})
	<-bLocked
	if err := waitUntil(ctx, "b to block", func() bool { return b.BlockedOn() == &l1 }); err != nil {
		util.Fatalf("waiting for %v to block: %v", b, err)
	}
	printPrios(os.Stdout, "before", []*rtmutex.Task{a, b})

	err := l2.LockDetectDeadlock(ctx, a)
	if err == nil {
		l2.Unlock(a)
	}
	printPrios(os.Stdout, "after", []*rtmutex.Task{a, b})

	// Let b finish.
	if err := l1.Unlock(a); err != nil {
		util.Fatalf("unlock: %v", err)
	}
	if err := g.Wait(); err != nil {
		util.Fatalf("b: %v", err)
	}
	return err
}
