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

package metric

import (
	"fmt"
	"runtime/metrics"
)

// RuntimeUint64 exports a uint64 metric of the Go runtime, such as the
// number of goroutines blocked on locks.
type RuntimeUint64 struct {
	desc metrics.Description
}

// Value reads the current value from the runtime.
func (r *RuntimeUint64) Value() uint64 {
	s := [1]metrics.Sample{{Name: r.desc.Name}}
	metrics.Read(s[:])
	return s[0].Value.Uint64()
}

// lookupRuntimeMetric returns the description of the runtime metric rtname.
func lookupRuntimeMetric(rtname string) (metrics.Description, error) {
	for _, d := range metrics.All() {
		if d.Name != rtname {
			continue
		}
		if d.Kind != metrics.KindUint64 {
			return d, fmt.Errorf("runtime metric %q has kind %v, want uint64", rtname, d.Kind)
		}
		return d, nil
	}
	return metrics.Description{}, fmt.Errorf("runtime metric %q does not exist", rtname)
}

// NewRuntimeUint64Metric registers name as an export of the runtime metric
// rtname. Cumulative runtime metrics are exported as counters, the others as
// gauges.
func NewRuntimeUint64Metric(name, rtname string) (*RuntimeUint64, error) {
	d, err := lookupRuntimeMetric(rtname)
	if err != nil {
		return nil, err
	}
	r := &RuntimeUint64{desc: d}
	if err := RegisterCustomUint64Metric(name, d.Cumulative, false /* sync */, UnitsNone, d.Description, func(...string) uint64 {
		return r.Value()
	}); err != nil {
		return nil, err
	}
	return r, nil
}

// MustCreateNewRuntimeUint64Metric calls NewRuntimeUint64Metric and panics if
// it returns an error.
func MustCreateNewRuntimeUint64Metric(name, rtname string) *RuntimeUint64 {
	r, err := NewRuntimeUint64Metric(name, rtname)
	if err != nil {
		panic(fmt.Sprintf("unable to export runtime metric %q as %q: %v", rtname, name, err))
	}
	return r
}
