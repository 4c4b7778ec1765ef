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

package linuxerr

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestEquals(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want bool
	}{
		{name: "same", err: EDEADLK, want: true},
		{name: "alias", err: EDEADLOCK, want: true},
		{name: "unix", err: unix.EDEADLK, want: true},
		{name: "other", err: ETIMEDOUT, want: false},
		{name: "nil", err: nil, want: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := Equals(EDEADLK, tc.err); got != tc.want {
				t.Errorf("Equals(EDEADLK, %v) = %t, want %t", tc.err, got, tc.want)
			}
		})
	}
}

func TestErrorFromUnix(t *testing.T) {
	if err := ErrorFromUnix(0); err != nil {
		t.Errorf("ErrorFromUnix(0) = %v, want nil", err)
	}
	if err := ErrorFromUnix(unix.ETIMEDOUT); err != ETIMEDOUT {
		t.Errorf("ErrorFromUnix(ETIMEDOUT) = %v, want %v", err, ETIMEDOUT)
	}
	if got := ToUnix(EINTR); got != unix.EINTR {
		t.Errorf("ToUnix(EINTR) = %v, want %v", got, unix.EINTR)
	}
}

func TestFromContext(t *testing.T) {
	if err := FromContext(context.Background()); err != nil {
		t.Errorf("FromContext(live) = %v, want nil", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := FromContext(ctx); err != EINTR {
		t.Errorf("FromContext(canceled) = %v, want %v", err, EINTR)
	}

	ctx, cancel = context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	if err := FromContext(ctx); err != ETIMEDOUT {
		t.Errorf("FromContext(expired) = %v, want %v", err, ETIMEDOUT)
	}
}
