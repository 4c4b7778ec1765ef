// Copyright 2022 The gVisor Authors.
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

// Package prometheus converts metric snapshots into the Prometheus data model
// and writes them in the Prometheus text exposition format.
package prometheus

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/golang/protobuf/proto"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// timeNow is the clock used for snapshot timestamps. Overridden in tests.
var timeNow = time.Now

// Type is a Prometheus metric type.
type Type int

// List of supported Prometheus metric types.
const (
	TypeUntyped = Type(iota)
	TypeGauge
	TypeCounter
	TypeHistogram
)

// metricType returns the protobuf enum value for t.
func (t Type) metricType() dto.MetricType {
	switch t {
	case TypeGauge:
		return dto.MetricType_GAUGE
	case TypeCounter:
		return dto.MetricType_COUNTER
	case TypeHistogram:
		return dto.MetricType_HISTOGRAM
	default:
		return dto.MetricType_UNTYPED
	}
}

// Metric is a Prometheus metric metadata.
type Metric struct {
	// Name is the Prometheus metric name.
	Name string

	// Type is the type of the metric.
	Type Type

	// Help is an optional helpful string explaining what the metric is about.
	Help string
}

// Bucket is a single histogram bucket.
type Bucket struct {
	// UpperBound is the upper bound of the bucket. The last bucket of a
	// histogram may be unbounded, with an UpperBound of +Inf.
	UpperBound float64

	// Samples is the number of samples in this bucket alone.
	Samples uint64
}

// Histogram is a histogram value.
type Histogram struct {
	// Sum is the sum of all samples.
	Sum float64

	// Buckets is the list of buckets, in increasing order of UpperBound.
	Buckets []Bucket
}

// Data is an observation of the value of a single metric at a given set of
// labels.
type Data struct {
	// Metric is the metric for which the value is being reported.
	Metric *Metric

	// Labels is a key-value pair representing the labels set on this metric.
	Labels map[string]string

	// Value is the value of a counter, gauge or untyped metric.
	Value float64

	// Histogram is the value of a histogram metric.
	Histogram *Histogram
}

// LabeledIntData returns a new Data struct with the given metric, labels,
// and value.
func LabeledIntData(metric *Metric, labels map[string]string, val int64) *Data {
	return &Data{Metric: metric, Labels: labels, Value: float64(val)}
}

// Snapshot is a snapshot of the values of many metrics.
type Snapshot struct {
	// When is the timestamp at which the snapshot was taken. If zero, no
	// timestamps are exported.
	When time.Time

	// Data is the whole snapshot data.
	Data []*Data
}

// NewSnapshot returns a new Snapshot taken now.
func NewSnapshot() *Snapshot {
	return &Snapshot{When: timeNow()}
}

// Add data point(s) to the snapshot.
// Returns itself for chainability.
func (s *Snapshot) Add(data ...*Data) *Snapshot {
	s.Data = append(s.Data, data...)
	return s
}

// ExportOptions contains options that control how a snapshot is exported.
type ExportOptions struct {
	// CommentHeader is written as a comment before all metrics.
	CommentHeader string

	// Prefix is prepended to the name of every metric.
	Prefix string

	// ExtraLabels are added to every metric. They must not collide with the
	// labels of the data.
	ExtraLabels map[string]string
}

// labelPairs merges label sets into a list sorted by label name. Label
// names must be unique across sets.
func labelPairs(labels ...map[string]string) ([]*dto.LabelPair, error) {
	var pairs []*dto.LabelPair
	seen := make(map[string]struct{})
	for _, set := range labels {
		for k, v := range set {
			if _, dup := seen[k]; dup {
				return nil, fmt.Errorf("duplicate label name %q", k)
			}
			seen[k] = struct{}{}
			pairs = append(pairs, &dto.LabelPair{Name: proto.String(k), Value: proto.String(v)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].GetName() < pairs[j].GetName() })
	return pairs, nil
}

// toProto converts h into its protobuf form with cumulative bucket counts.
// An unbounded last bucket is left to the exposition format, which derives
// it from the sample count.
func (h *Histogram) toProto() *dto.Histogram {
	var count uint64
	ph := &dto.Histogram{SampleSum: proto.Float64(h.Sum)}
	for _, b := range h.Buckets {
		count += b.Samples
		if math.IsInf(b.UpperBound, 1) {
			continue
		}
		ph.Bucket = append(ph.Bucket, &dto.Bucket{
			UpperBound:      proto.Float64(b.UpperBound),
			CumulativeCount: proto.Uint64(count),
		})
	}
	ph.SampleCount = proto.Uint64(count)
	return ph
}

// toProto converts d into a protobuf metric.
func (d *Data) toProto(extraLabels map[string]string) (*dto.Metric, error) {
	labels, err := labelPairs(extraLabels, d.Labels)
	if err != nil {
		return nil, fmt.Errorf("metric %q: %w", d.Metric.Name, err)
	}
	m := &dto.Metric{Label: labels}
	switch d.Metric.Type {
	case TypeCounter:
		m.Counter = &dto.Counter{Value: proto.Float64(d.Value)}
	case TypeGauge:
		m.Gauge = &dto.Gauge{Value: proto.Float64(d.Value)}
	case TypeHistogram:
		if d.Histogram == nil {
			return nil, fmt.Errorf("histogram metric %q has no histogram value", d.Metric.Name)
		}
		m.Histogram = d.Histogram.toProto()
	default:
		m.Untyped = &dto.Untyped{Value: proto.Float64(d.Value)}
	}
	return m, nil
}

// Families groups the data of s into metric families, sorted by name.
func (s *Snapshot) Families(options ExportOptions) ([]*dto.MetricFamily, error) {
	byName := make(map[string]*dto.MetricFamily)
	for _, d := range s.Data {
		name := options.Prefix + d.Metric.Name
		typ := d.Metric.Type.metricType()
		mf, ok := byName[name]
		switch {
		case !ok:
			mf = &dto.MetricFamily{Name: proto.String(name), Type: typ.Enum()}
			if d.Metric.Help != "" {
				mf.Help = proto.String(d.Metric.Help)
			}
			byName[name] = mf
		case mf.GetType() != typ:
			return nil, fmt.Errorf("metric %q has conflicting types %v and %v", name, mf.GetType(), typ)
		}
		m, err := d.toProto(options.ExtraLabels)
		if err != nil {
			return nil, err
		}
		if !s.When.IsZero() {
			m.TimestampMs = proto.Int64(s.When.UnixMilli())
		}
		mf.Metric = append(mf.Metric, m)
	}

	families := make([]*dto.MetricFamily, 0, len(byName))
	for _, mf := range byName {
		families = append(families, mf)
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	return families, nil
}

// Write writes s to w in the Prometheus text exposition format. It returns
// the number of bytes written.
func Write(w io.Writer, s *Snapshot, options ExportOptions) (int, error) {
	families, err := s.Families(options)
	if err != nil {
		return 0, err
	}
	var written int
	if options.CommentHeader != "" {
		header := "# " + strings.ReplaceAll(options.CommentHeader, "\n", "\n# ") + "\n"
		n, err := io.WriteString(w, header)
		written += n
		if err != nil {
			return written, err
		}
	}
	for _, mf := range families {
		n, err := expfmt.MetricFamilyToText(w, mf)
		written += n
		if err != nil {
			return written, fmt.Errorf("writing metric %q: %w", mf.GetName(), err)
		}
	}
	return written, nil
}
