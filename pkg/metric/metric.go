// Copyright 2024 The gVisor Authors.
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
//
// Metrics are registered once, usually from package-level variables, and are
// exported in the Prometheus text format by WritePrometheus.
package metric

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = fmt.Errorf("metric name already in use")

	// ErrInvalidName indicates that the metric name is not a valid
	// Prometheus metric name.
	ErrInvalidName = fmt.Errorf("metric name is not a valid Prometheus name")

	// ErrFieldValueNotAllowed indicates that a field value is not in the
	// field's allowed values.
	ErrFieldValueNotAllowed = fmt.Errorf("metric field value not allowed")
)

var nameRE = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric. A field with no allowed values accepts
// any value, which is how per-domain labels are expressed.
type Field struct {
	// Name is the metric field name.
	Name string

	// AllowedValues is the list of allowed values for the field.
	AllowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{Name: name, AllowedValues: allowedValues}
}

func (f Field) allows(v string) bool {
	if len(f.AllowedValues) == 0 {
		return true
	}
	for _, a := range f.AllowedValues {
		if a == v {
			return true
		}
	}
	return false
}

// Sample is one value of a metric for a particular combination of field
// values.
type Sample struct {
	FieldValues []string
	Value       uint64
}

// metricSource is implemented by everything in the registry.
type metricSource interface {
	metadata() *metadata
	samples() []Sample
}

type metadata struct {
	name        string
	description string
	cumulative  bool
	fields      []Field
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to
// be monitored, broken down by its fields.
type Uint64Metric struct {
	meta metadata

	mu sync.Mutex
	// values maps the joined field values to the counter.
	values map[string]*atomic.Uint64
}

func (m *Uint64Metric) metadata() *metadata {
	return &m.meta
}

func (m *Uint64Metric) counter(fieldValues []string) *atomic.Uint64 {
	if len(fieldValues) != len(m.meta.fields) {
		panic(fmt.Sprintf("metric %s: got %d field values, want %d", m.meta.name, len(fieldValues), len(m.meta.fields)))
	}
	for i, v := range fieldValues {
		if !m.meta.fields[i].allows(v) {
			panic(fmt.Sprintf("metric %s: %v: %q for field %s", m.meta.name, ErrFieldValueNotAllowed, v, m.meta.fields[i].Name))
		}
	}
	key := strings.Join(fieldValues, "\x00")
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.values[key]
	if !ok {
		c = new(atomic.Uint64)
		m.values[key] = c
	}
	return c
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.counter(fieldValues).Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.counter(fieldValues).Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.counter(fieldValues).Add(v)
}

// Set sets the metric to v. Only non-cumulative metrics may be set.
func (m *Uint64Metric) Set(v uint64, fieldValues ...string) {
	if m.meta.cumulative {
		panic(fmt.Sprintf("metric %s: Set on a cumulative metric", m.meta.name))
	}
	m.counter(fieldValues).Store(v)
}

func (m *Uint64Metric) samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, 0, len(m.values))
	for key, c := range m.values {
		var fv []string
		if len(m.meta.fields) > 0 {
			fv = strings.Split(key, "\x00")
		}
		out = append(out, Sample{FieldValues: fv, Value: c.Load()})
	}
	return out
}

// customUint64Metric is a metric whose samples are produced by a callback.
type customUint64Metric struct {
	meta    metadata
	collect func() []Sample
}

func (m *customUint64Metric) metadata() *metadata {
	return &m.meta
}

func (m *customUint64Metric) samples() []Sample {
	return m.collect()
}

// registry holds every registered metric.
var registry = struct {
	mu      sync.Mutex
	metrics map[string]metricSource
}{
	metrics: make(map[string]metricSource),
}

func register(m metricSource) error {
	meta := m.metadata()
	if !nameRE.MatchString(meta.name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, meta.name)
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, ok := registry.metrics[meta.name]; ok {
		return fmt.Errorf("%w: %q", ErrNameInUse, meta.name)
	}
	registry.metrics[meta.name] = m
	return nil
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name string, cumulative bool, description string, fields ...Field) (*Uint64Metric, error) {
	m := &Uint64Metric{
		meta: metadata{
			name:        name,
			description: description,
			cumulative:  cumulative,
			fields:      fields,
		},
		values: make(map[string]*atomic.Uint64),
	}
	if err := register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name string, cumulative bool, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, cumulative, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// RegisterCustomUint64Metric registers a gauge whose samples are computed by
// collect at export time.
func RegisterCustomUint64Metric(name, description string, collect func() []Sample, fields ...Field) error {
	return register(&customUint64Metric{
		meta: metadata{
			name:        name,
			description: description,
			fields:      fields,
		},
		collect: collect,
	})
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func MustRegisterCustomUint64Metric(name, description string, collect func() []Sample, fields ...Field) {
	if err := RegisterCustomUint64Metric(name, description, collect, fields...); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// snapshot returns every registered metric sorted by name.
func snapshot() []metricSource {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	out := make([]metricSource, 0, len(registry.metrics))
	for _, m := range registry.metrics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].metadata().name < out[j].metadata().name
	})
	return out
}
