// Copyright 2020 The gVisor Authors.
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

package sync

import (
	"runtime"
)

// NoCopy may be embedded into structs which must not be copied
// after the first use.
//
// See https://golang.org/issues/8005#issuecomment-190753527
// for details.
type NoCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*NoCopy) Lock() {}

// Unlock is a no-op used by -copylocks checker from `go vet`.
func (*NoCopy) Unlock() {}

// Goyield yields the processor to other goroutines without parking the
// caller. It is the relax step of spin loops that wait on a state another
// running goroutine is expected to change shortly.
func Goyield() {
	runtime.Gosched()
}

// Spinner bounds a spin-wait. The zero value is not useful; use NewSpinner.
type Spinner struct {
	limit int
	iters int
}

// NewSpinner returns a Spinner that permits limit relax steps.
func NewSpinner(limit int) Spinner {
	return Spinner{limit: limit}
}

// Spin performs one relax step and reports whether the caller may keep
// spinning afterwards.
func (s *Spinner) Spin() bool {
	if s.iters >= s.limit {
		return false
	}
	s.iters++
	Goyield()
	return true
}

// Iterations returns the number of relax steps performed so far.
func (s *Spinner) Iterations() int {
	return s.iters
}
