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
	"bytes"
	"context"
	"flag"
	"strings"
	"testing"

	"github.com/google/subcommands"
	"gvisor.dev/pimutex/pkg/errors/linuxerr"
	"gvisor.dev/pimutex/pkg/rtmutex"
	"gvisor.dev/pimutex/pkg/sched"
)

func execute(t *testing.T, c subcommands.Command, args ...string) subcommands.ExitStatus {
	t.Helper()
	f := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	c.SetFlags(f)
	if err := f.Parse(args); err != nil {
		t.Fatalf("parsing %v: %v", args, err)
	}
	return c.Execute(context.Background(), f)
}

func TestCommands(t *testing.T) {
	for _, tc := range []struct {
		cmd  subcommands.Command
		args []string
		want subcommands.ExitStatus
	}{
		{cmd: new(Chain), want: subcommands.ExitSuccess},
		{cmd: new(Chain), args: []string{"-depth=8", "-step=5"}, want: subcommands.ExitSuccess},
		{cmd: new(Chain), args: []string{"-depth=1"}, want: subcommands.ExitUsageError},
		{cmd: new(Chain), args: []string{"-depth=20", "-step=10"}, want: subcommands.ExitUsageError},
		{cmd: new(Deadlock), want: subcommands.ExitSuccess},
		{cmd: new(Deadlock), args: []string{"-recursive"}, want: subcommands.ExitSuccess},
		{cmd: new(Requeue), args: []string{"-waiters=6"}, want: subcommands.ExitSuccess},
		{cmd: new(Requeue), args: []string{"-waiters=0"}, want: subcommands.ExitUsageError},
		{cmd: new(Stress), args: []string{"-goroutines=4", "-iterations=200", "-seed=1"}, want: subcommands.ExitSuccess},
		{cmd: new(Stress), args: []string{"-goroutines=4", "-iterations=200", "-adaptive"}, want: subcommands.ExitSuccess},
		{cmd: new(Stress), args: []string{"-goroutines=4", "-iterations=100", "-timeout=1ms"}, want: subcommands.ExitSuccess},
		{cmd: new(Stress), args: []string{"-locks=0"}, want: subcommands.ExitUsageError},
		{cmd: new(Metrics), want: subcommands.ExitSuccess},
	} {
		name := tc.cmd.Name() + strings.Join(tc.args, "")
		t.Run(name, func(t *testing.T) {
			if got := execute(t, tc.cmd, tc.args...); got != tc.want {
				t.Errorf("%s %v = %v, want %v", tc.cmd.Name(), tc.args, got, tc.want)
			}
		})
	}
}

func TestAcquired(t *testing.T) {
	for _, tc := range []struct {
		err     error
		ok      bool
		wantErr error
	}{
		{err: nil, ok: true},
		{err: linuxerr.EINTR},
		{err: linuxerr.ETIMEDOUT},
		{err: linuxerr.EDEADLK, wantErr: linuxerr.EDEADLK},
	} {
		ok, err := acquired(tc.err)
		if ok != tc.ok || err != tc.wantErr {
			t.Errorf("acquired(%v) = %t, %v, want %t, %v", tc.err, ok, err, tc.ok, tc.wantErr)
		}
	}
}

func TestPrintPrios(t *testing.T) {
	a := newTask("alpha", sched.DefaultPrio)
	var buf bytes.Buffer
	printPrios(&buf, "title", nil)
	printPrios(&buf, "tasks", []*rtmutex.Task{a})
	out := buf.String()
	for _, want := range []string{"title:", "tasks:", "alpha", "120"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q does not contain %q", out, want)
		}
	}
}

func TestWaitUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := waitUntil(ctx, "never", func() bool { return false }); err == nil {
		t.Errorf("waitUntil succeeded with a false condition")
	}
}
