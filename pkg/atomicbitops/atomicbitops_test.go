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

package atomicbitops

import "testing"

func TestDecUnlessOne(t *testing.T) {
	for _, tc := range []struct {
		start int32
		want  bool
		after int32
	}{
		{start: 3, want: true, after: 2},
		{start: 2, want: true, after: 1},
		{start: 1, want: false, after: 1},
	} {
		i := FromInt32(tc.start)
		if got := i.DecUnlessOne(); got != tc.want {
			t.Errorf("DecUnlessOne from %d = %t, want %t", tc.start, got, tc.want)
		}
		if got := i.Load(); got != tc.after {
			t.Errorf("after DecUnlessOne from %d: value %d, want %d", tc.start, got, tc.after)
		}
	}
}

func TestBool(t *testing.T) {
	b := FromBool(true)
	if !b.Load() {
		t.Fatalf("FromBool(true).Load() = false")
	}
	b.Store(false)
	if b.Load() {
		t.Errorf("Load() after Store(false) = true")
	}
}
