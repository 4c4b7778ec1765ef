// Copyright 2018 The gVisor Authors.
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

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"gvisor.dev/pimutex/pkg/atomicbitops"
	"gvisor.dev/pimutex/pkg/prometheus"
	"gvisor.dev/pimutex/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Units is the unit of a metric's values.
type Units int

// Supported units.
const (
	UnitsNone Units = iota
	UnitsNanoseconds
)

// Metadata describes a registered metric.
type Metadata struct {
	Name        string
	Description string
	Cumulative  bool
	Sync        bool
	Units       Units
	Fields      []Field

	// DistributionBucketLowerBounds is set for distribution metrics only.
	DistributionBucketLowerBounds []int64
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	// fields is the map of field-value combination index keys to Uint64 counters.
	fields []atomicbitops.Uint64

	// fieldMapper is used to generate index keys for the fields array (above)
	// based on field value combinations, and vice-versa.
	fieldMapper fieldMapper
}

// allMetrics are the registered metrics.
var allMetrics = makeMetricSet()

type customUint64Metric struct {
	// metadata describes the metric. It is immutable.
	metadata *Metadata

	// value returns the current value of the metric for the given set of
	// fields. It takes a variadic number of field values as argument.
	value func(fieldValues ...string) uint64
}

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// Name returns the field name.
func (f Field) Name() string {
	return f.name
}

// fieldMapper provides multi-dimensional fields to a single unique integer key
type fieldMapper struct {
	// fields is a list of Field objects, which importantly include individual
	// Field names which are used to perform the keyToMultiField function; and
	// allowedValues for each field type which are used to perform the lookup
	// function.
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible field
	// combinations.
	numFieldCombinations int
}

// newFieldMapper returns a new fieldMapper for the given set of fields.
func newFieldMapper(fields ...Field) (fieldMapper, error) {
	numFieldCombinations := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{nil, 0}, ErrFieldHasNoAllowedValues
		}
		numFieldCombinations *= len(f.allowedValues)
		if numFieldCombinations > math.MaxUint32 || numFieldCombinations < 0 {
			return fieldMapper{nil, 0}, ErrTooManyFieldCombinations
		}
	}

	return fieldMapper{
		fields:               fields,
		numFieldCombinations: numFieldCombinations,
	}, nil
}

// lookupConcat looks up a key within the fieldMapper where the fields are
// the concatenation of two list of fields.
// This *must* be called with the correct number of fields, or it will panic.
func (m fieldMapper) lookupConcat(fields1, fields2 []string) int {
	if (len(fields1) + len(fields2)) != len(m.fields) {
		panic("invalid field lookup depth")
	}
	idx := 0
	remainingCombinationBucket := m.numFieldCombinations

	for i, val := range append(fields1[:len(fields1):len(fields1)], fields2...) {
		valIdx := m.valueIndex(i, val)
		remainingCombinationBucket /= len(m.fields[i].allowedValues)
		idx += remainingCombinationBucket * valIdx
	}
	return idx
}

// valueIndex returns the index of val among the allowed values of the i-th
// field.
func (m fieldMapper) valueIndex(i int, val string) int {
	for valIdx, allowedVal := range m.fields[i].allowedValues {
		if val == allowedVal {
			return valIdx
		}
	}
	panic(fmt.Sprintf("disallowed value %q for field %q", val, m.fields[i].name))
}

// lookup looks up a key within the fieldMapper.
func (m fieldMapper) lookup(fields ...string) int {
	return m.lookupConcat(fields, nil)
}

// numKeys returns the total number of key-to-field-combinations mappings
// defined by the fieldMapper.
func (m fieldMapper) numKeys() int {
	return m.numFieldCombinations
}

// makeDistributionSampleMap creates a two dimensional array, where:
//   - The first level corresponds to unique field value combinations and is
//     accessed using index "keys" made by fieldMapper.
//   - The second level corresponds to buckets within a metric. The number of
//     buckets is specified by numBuckets.
func (m fieldMapper) makeDistributionSampleMap(numBuckets int) [][]atomicbitops.Uint64 {
	samples := make([][]atomicbitops.Uint64, m.numKeys())
	for i := range samples {
		samples[i] = make([]atomicbitops.Uint64, numBuckets)
	}
	return samples
}

// keyToMultiField is the reverse of lookup/lookupConcat. The returned list of
// field values corresponds to the same order of fields that were passed in to
// newFieldMapper.
func (m fieldMapper) keyToMultiField(key int) []string {
	if len(m.fields) == 0 && key == 0 {
		return nil
	}
	depth := len(m.fields)
	fields := make([]string, depth)
	remainingCombinationBucket := m.numFieldCombinations
	for i := 0; i < depth; i++ {
		remainingCombinationBucket /= len(m.fields[i].allowedValues)
		fields[i] = m.fields[i].allowedValues[key/remainingCombinationBucket]
		key = key % remainingCombinationBucket
	}
	return fields
}

// keyToLabels returns the field values of key as Prometheus labels.
func (m fieldMapper) keyToLabels(key int) map[string]string {
	values := m.keyToMultiField(key)
	if len(values) == 0 {
		return nil
	}
	labels := make(map[string]string, len(values))
	for i, v := range values {
		labels[m.fields[i].name] = v
	}
	return labels
}

// RegisterCustomUint64Metric registers a metric with the given name.
//
// Preconditions:
//   - name must be globally unique.
//   - value is expected to accept exactly len(fields) arguments.
func RegisterCustomUint64Metric(name string, cumulative, sync bool, units Units, description string, value func(...string) uint64, fields ...Field) error {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if allMetrics.nameInUse(name) {
		return ErrNameInUse
	}
	allMetrics.uint64Metrics[name] = customUint64Metric{
		metadata: &Metadata{
			Name:        name,
			Description: description,
			Cumulative:  cumulative,
			Sync:        sync,
			Units:       units,
			Fields:      fields,
		},
		value: value,
	}
	return nil
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric for metrics
// without fields and panics if it returns an error.
func MustRegisterCustomUint64Metric(name string, cumulative, sync bool, description string, value func(...string) uint64, fields ...Field) {
	if err := RegisterCustomUint64Metric(name, cumulative, sync, UnitsNone, description, value, fields...); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name string, sync bool, units Units, description string, fields ...Field) (*Uint64Metric, error) {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := Uint64Metric{
		fieldMapper: f,
		fields:      make([]atomicbitops.Uint64, f.numKeys()),
	}
	return &m, RegisterCustomUint64Metric(name, true /* cumulative */, sync, units, description, m.Value, fields...)
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name string, sync bool, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, sync, UnitsNone, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	key := m.fieldMapper.lookupConcat(fieldValues, nil)
	return m.fields[key].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	key := m.fieldMapper.lookupConcat(fieldValues, nil)
	m.fields[key].Add(1)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	key := m.fieldMapper.lookupConcat(fieldValues, nil)
	m.fields[key].Add(v)
}

// Bucketer is an interface to bucket values into finite, distinct buckets.
type Bucketer interface {
	// NumFiniteBuckets is the number of finite buckets in the distribution.
	// This is only called once and never expected to return a different value.
	NumFiniteBuckets() int

	// LowerBound takes the index of a bucket (within [0, NumBuckets()]) and
	// returns the inclusive lower bound of that bucket.
	// The upper bound of a bucket is the lower bound of the next bucket.
	// The last bucket (with `bucketIndex == NumFiniteBuckets()`) is infinite,
	// i.e. it has no upper bound (but it still has a lower bound).
	LowerBound(bucketIndex int) int64

	// BucketIndex takes a sample and returns the index of the bucket that the
	// sample should fall into.
	// Must return either:
	//   - A value within [0, NumBuckets() -1] if the sample falls within a
	//     finite bucket
	//   - NumBuckets() if the sample falls within the last (infinite) bucket
	//   - '-1' if the sample is lower than what any bucket can represent, i.e.
	//     the sample should be in the implicit "underflow" bucket.
	BucketIndex(sample int64) int
}

// ExponentialBucketer implements Bucketer, with the first bucket starting
// with 0 as lowest bound with `Width` width, and each subsequent bucket being
// wider by a scaled exponentially-growing series, until `NumFiniteBuckets`
// buckets exist.
type ExponentialBucketer struct {
	// numFinitebuckets is the total number of finite buckets in the scheme.
	numFiniteBuckets int

	// width is the size of the first (0-th) finite bucket.
	width float64

	// scale is a factor applied uniformly to the exponential growth portion
	// of the bucket size.
	scale float64

	// growth is the exponential growth factor for finite buckets.
	growth float64

	// maxSample is the max sample value which can be represented in a finite
	// bucket.
	maxSample int64

	// lowerBounds[i] is the lower bound of the i-th finite bucket.
	// lowerBounds[numFiniteBuckets] is the lower bound of the overflow bucket.
	lowerBounds []int64
}

// Minimum/maximum finite buckets for exponential bucketers.
const (
	exponentialMinBuckets = 1
	exponentialMaxBuckets = 100
)

// NewExponentialBucketer returns a new Bucketer with exponential buckets.
func NewExponentialBucketer(numFiniteBuckets int, width uint64, scale, growth float64) *ExponentialBucketer {
	if numFiniteBuckets < exponentialMinBuckets || numFiniteBuckets > exponentialMaxBuckets {
		panic(fmt.Sprintf("number of finite buckets must be in [%d, %d]", exponentialMinBuckets, exponentialMaxBuckets))
	}
	if scale < 0 || growth < 0 {
		panic(fmt.Sprintf("scale and growth for exponential buckets must be >0, got scale=%f and growth=%f", scale, growth))
	}
	b := &ExponentialBucketer{
		numFiniteBuckets: numFiniteBuckets,
		width:            float64(width),
		scale:            scale,
		growth:           growth,
		lowerBounds:      make([]int64, numFiniteBuckets+1),
	}
	b.lowerBounds[0] = 0
	for i := 1; i <= numFiniteBuckets; i++ {
		b.lowerBounds[i] = int64(b.width*float64(i) + b.scale*math.Pow(b.growth, float64(i-1)))
		if b.lowerBounds[i] < 0 {
			panic(fmt.Sprintf("encountered bucket width overflow at bucket %d", i))
		}
	}
	b.maxSample = b.lowerBounds[numFiniteBuckets] - 1
	return b
}

// NumFiniteBuckets implements Bucketer.NumFiniteBuckets.
func (b *ExponentialBucketer) NumFiniteBuckets() int {
	return b.numFiniteBuckets
}

// LowerBound implements Bucketer.LowerBound.
func (b *ExponentialBucketer) LowerBound(bucketIndex int) int64 {
	return b.lowerBounds[bucketIndex]
}

// BucketIndex implements Bucketer.BucketIndex.
func (b *ExponentialBucketer) BucketIndex(sample int64) int {
	if sample < 0 {
		return -1
	}
	if sample > b.maxSample {
		return b.numFiniteBuckets
	}
	// lowerBounds is sorted; find the last bound <= sample.
	return sort.Search(b.numFiniteBuckets, func(i int) bool {
		return b.lowerBounds[i+1] > sample
	})
}

// Verify that ExponentialBucketer implements Bucketer.
var _ = (Bucketer)((*ExponentialBucketer)(nil))

// DistributionMetric represents a distribution of values in finite buckets.
type DistributionMetric struct {
	// bucketer is the bucketing scheme used for this metric.
	bucketer Bucketer

	// metadata is the metadata about this metric.
	metadata *Metadata

	// fieldsToKey converts a multi-dimensional fields to a single string to use
	// as key for `samples`.
	fieldsToKey fieldMapper

	// samples is the number of samples that fell within each bucket.
	// It is mapped by the concatenation of the fields, using fieldsToKey.
	// The value is a list of bucket sample counts, with the 0-th being the
	// "underflow bucket", i.e. the bucket of samples which cannot fall into
	// any bucket that the bucketer supports.
	// The i-th value is the number of samples that fell into the bucketer's
	// (i-1)-th finite bucket.
	// The last value is the number of samples that fell into the bucketer's
	// last (i.e. infinite) bucket.
	samples [][]atomicbitops.Uint64

	// sums is the sum of all samples, per field key. Negative samples are
	// counted as zero.
	sums []atomicbitops.Uint64
}

// NewDistributionMetric creates and registers a new distribution metric.
func NewDistributionMetric(name string, sync bool, bucketer Bucketer, unit Units, description string, fields ...Field) (*DistributionMetric, error) {
	fieldsToKey, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	numFiniteBuckets := bucketer.NumFiniteBuckets()
	lowerBounds := make([]int64, numFiniteBuckets+1)
	for i := 0; i <= numFiniteBuckets; i++ {
		lowerBounds[i] = bucketer.LowerBound(i)
	}
	d := &DistributionMetric{
		bucketer:    bucketer,
		fieldsToKey: fieldsToKey,
		samples:     fieldsToKey.makeDistributionSampleMap(numFiniteBuckets + 2),
		sums:        make([]atomicbitops.Uint64, fieldsToKey.numKeys()),
		metadata: &Metadata{
			Name:                          name,
			Description:                   description,
			Sync:                          sync,
			Units:                         unit,
			Fields:                        fields,
			DistributionBucketLowerBounds: lowerBounds,
		},
	}

	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if allMetrics.nameInUse(name) {
		return nil, ErrNameInUse
	}
	allMetrics.distributionMetrics[name] = d
	return d, nil
}

// MustCreateNewDistributionMetric creates and registers a distribution metric.
// If an error occurs, it panics.
func MustCreateNewDistributionMetric(name string, sync bool, bucketer Bucketer, unit Units, description string, fields ...Field) *DistributionMetric {
	distrib, err := NewDistributionMetric(name, sync, bucketer, unit, description, fields...)
	if err != nil {
		panic(err)
	}
	return distrib
}

// AddSample adds a sample to the distribution.
// This *must* be called with the correct number of fields, or it will panic.
func (d *DistributionMetric) AddSample(sample int64, fields ...string) {
	d.addSampleByKey(sample, d.fieldsToKey.lookup(fields...))
}

// addSampleByKey works like AddSample, with the field key already known.
func (d *DistributionMetric) addSampleByKey(sample int64, key int) {
	bucket := d.bucketer.BucketIndex(sample)
	d.samples[key][bucket+1].Add(1)
	if sample > 0 {
		d.sums[key].Add(uint64(sample))
	}
}

// Count returns the total number of samples recorded for the given fields.
func (d *DistributionMetric) Count(fields ...string) uint64 {
	var total uint64
	samples := d.samples[d.fieldsToKey.lookup(fields...)]
	for i := range samples {
		total += samples[i].Load()
	}
	return total
}

// Minimum number of buckets for NewDurationBucket.
const durationMinBuckets = 3

// NewDurationBucketer returns a Bucketer well-suited for measuring durations in
// nanoseconds. Useful for NewTimerMetric.
// minDuration and maxDuration are conservative estimates of the minimum and
// maximum durations expected to be accurately measured by the Bucketer.
func NewDurationBucketer(numFiniteBuckets int, minDuration, maxDuration time.Duration) Bucketer {
	if numFiniteBuckets < durationMinBuckets {
		panic(fmt.Sprintf("duration bucketer must have at least %d buckets, got %d", durationMinBuckets, numFiniteBuckets))
	}
	minNs := minDuration.Nanoseconds()
	exponentCoversNs := float64(maxDuration.Nanoseconds()-int64(numFiniteBuckets-durationMinBuckets)*minNs) / float64(minNs)
	exponent := math.Log(exponentCoversNs) / math.Log(float64(numFiniteBuckets-durationMinBuckets))
	minNs = int64(float64(minNs) / exponent)
	return NewExponentialBucketer(numFiniteBuckets, uint64(minNs), float64(minNs), exponent)
}

// TimerMetric wraps a distribution metric with convenience functions for
// latency measurements.
type TimerMetric struct {
	*DistributionMetric
}

// NewTimerMetric provides a convenient way to measure latencies.
// nanoBucketer is expected to hold durations in nanoseconds;
// NewDurationBucketer may be helpful here.
func NewTimerMetric(name string, nanoBucketer Bucketer, description string, fields ...Field) (*TimerMetric, error) {
	distrib, err := NewDistributionMetric(name, false, nanoBucketer, UnitsNanoseconds, description, fields...)
	if err != nil {
		return nil, err
	}
	return &TimerMetric{DistributionMetric: distrib}, nil
}

// MustCreateNewTimerMetric creates and registers a timer metric.
// If an error occurs, it panics.
func MustCreateNewTimerMetric(name string, nanoBucketer Bucketer, description string, fields ...Field) *TimerMetric {
	timer, err := NewTimerMetric(name, nanoBucketer, description, fields...)
	if err != nil {
		panic(err)
	}
	return timer
}

// TimedOperation is used by TimerMetric to keep track of the time elapsed
// between an operation starting and stopping.
type TimedOperation struct {
	// metric is a reference to the timer metric for the operation.
	metric *TimerMetric

	// partialFields is a prefix of the fields used in this operation.
	// The rest of the fields is provided in TimedOperation.Finish.
	partialFields []string

	// started is the time of TimerMetric.Start.
	started time.Time
}

// Start starts a timer measurement for the given combination of fields.
// The fields passed to Start may be partially specified; if so, the remaining
// fields must be passed to TimedOperation.Finish. This is useful for cases
// where which path an operation took is only known after it happens.
func (t *TimerMetric) Start(fields ...string) TimedOperation {
	return TimedOperation{
		metric:        t,
		partialFields: fields,
		started:       time.Now(),
	}
}

// Finish marks an operation as finished and records its duration.
// `extraFields` is the rest of the fields appended to the fields passed to
// `TimerMetric.Start`. The concatenation of these two must be the exact
// number of fields that the underlying metric has.
func (o TimedOperation) Finish(extraFields ...string) {
	fieldKey := o.metric.fieldsToKey.lookupConcat(o.partialFields, extraFields)
	o.metric.addSampleByKey(time.Since(o.started).Nanoseconds(), fieldKey)
}

// metricSet holds metric data.
type metricSet struct {
	// mu protects the fields below.
	mu sync.RWMutex

	// Map of uint64 metrics.
	uint64Metrics map[string]customUint64Metric

	// Map of distribution metrics.
	distributionMetrics map[string]*DistributionMetric
}

// makeMetricSet returns a new metricSet.
func makeMetricSet() *metricSet {
	return &metricSet{
		uint64Metrics:       make(map[string]customUint64Metric),
		distributionMetrics: make(map[string]*DistributionMetric),
	}
}

// nameInUse returns true if a metric is registered under name.
//
// Preconditions: m.mu is locked.
func (m *metricSet) nameInUse(name string) bool {
	_, uok := m.uint64Metrics[name]
	_, dok := m.distributionMetrics[name]
	return uok || dok
}

// prometheusName converts a metric name such as "/rtmutex/slow_path" into a
// valid Prometheus metric name ("rtmutex_slow_path").
func prometheusName(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

// allFieldKeys calls fn for every combination of field values of m.
func (m fieldMapper) allFieldKeys(fn func(key int)) {
	for key := 0; key < m.numKeys(); key++ {
		fn(key)
	}
}

// GetSnapshot returns a Prometheus snapshot of the values of all registered
// metrics.
func GetSnapshot() *prometheus.Snapshot {
	allMetrics.mu.RLock()
	defer allMetrics.mu.RUnlock()

	snapshot := prometheus.NewSnapshot()
	for name, m := range allMetrics.uint64Metrics {
		typ := prometheus.TypeGauge
		if m.metadata.Cumulative {
			typ = prometheus.TypeCounter
		}
		pm := &prometheus.Metric{
			Name: prometheusName(name),
			Type: typ,
			Help: m.metadata.Description,
		}
		mapper, err := newFieldMapper(m.metadata.Fields...)
		if err != nil {
			panic(fmt.Sprintf("metric %q registered with invalid fields: %v", name, err))
		}
		mapper.allFieldKeys(func(key int) {
			val := m.value(mapper.keyToMultiField(key)...)
			snapshot.Add(prometheus.LabeledIntData(pm, mapper.keyToLabels(key), int64(val)))
		})
	}
	for name, d := range allMetrics.distributionMetrics {
		pm := &prometheus.Metric{
			Name: prometheusName(name),
			Type: prometheus.TypeHistogram,
			Help: d.metadata.Description,
		}
		d.fieldsToKey.allFieldKeys(func(key int) {
			snapshot.Add(&prometheus.Data{
				Metric:    pm,
				Labels:    d.fieldsToKey.keyToLabels(key),
				Histogram: d.histogram(key),
			})
		})
	}
	return snapshot
}

// histogram returns the Prometheus histogram for a field key of d.
func (d *DistributionMetric) histogram(key int) *prometheus.Histogram {
	bounds := d.metadata.DistributionBucketLowerBounds
	samples := d.samples[key]
	h := &prometheus.Histogram{
		Sum:     float64(d.sums[key].Load()),
		Buckets: make([]prometheus.Bucket, len(samples)),
	}
	for i := range samples {
		// Samples are integers, so bucket i holds samples up to the lower
		// bound of the next bucket minus one. The overflow bucket has no
		// upper bound.
		upper := math.Inf(1)
		if i < len(bounds) {
			upper = float64(bounds[i] - 1)
		}
		h.Buckets[i] = prometheus.Bucket{
			UpperBound: upper,
			Samples:    samples[i].Load(),
		}
	}
	return h
}

// WriteText writes the values of all registered metrics to w in the
// Prometheus text exposition format.
func WriteText(w io.Writer) error {
	_, err := prometheus.Write(w, GetSnapshot(), prometheus.ExportOptions{})
	return err
}
