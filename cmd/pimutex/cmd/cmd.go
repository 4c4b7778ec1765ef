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

// Package cmd holds implementations of the pimutex commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cenkalti/backoff"

	"gvisor.dev/pimutex/pkg/errors/linuxerr"
	"gvisor.dev/pimutex/pkg/rtmutex"
	"gvisor.dev/pimutex/pkg/sched"
)

// newTask returns a Task backed by a sched.Thread.
func newTask(name string, prio int) *rtmutex.Task {
	return rtmutex.NewTask(sched.NewThread(name, prio))
}

// printPrios writes a table of the base and effective priorities of tasks.
func printPrios(w io.Writer, title string, tasks []*rtmutex.Task) {
	fmt.Fprintf(w, "%s:\n", title)
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "\tTASK\tBASE\tEFFECTIVE\tBLOCKED ON\n")
	for _, t := range tasks {
		blockedOn := "-"
		if m := t.BlockedOn(); m != nil {
			blockedOn = fmt.Sprintf("%p", m)
		}
		fmt.Fprintf(tw, "\t%v\t%d\t%d\t%s\n", t, t.Entity().NormalPrio(), t.Prio(), blockedOn)
	}
	tw.Flush()
}

// acquired reports whether a lock attempt succeeded. A cancelled or timed out
// attempt is not an error.
func acquired(err error) (bool, error) {
	switch err {
	case nil:
		return true, nil
	case linuxerr.EINTR, linuxerr.ETIMEDOUT:
		return false, nil
	default:
		return false, err
	}
}

// waitUntil polls cond until it holds or ctx is done.
func waitUntil(ctx context.Context, what string, cond func() bool) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(time.Millisecond), ctx)
	return backoff.Retry(func() error {
		if !cond() {
			return fmt.Errorf("still waiting for %s", what)
		}
		return nil
	}, b)
}
