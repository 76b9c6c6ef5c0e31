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

package metric

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/golang/protobuf/proto"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Families converts every registered metric into a Prometheus metric family.
// Names are prefixed with prefix. Samples are sorted by field values so that
// output is stable.
func Families(prefix string) []*dto.MetricFamily {
	var out []*dto.MetricFamily
	for _, m := range snapshot() {
		meta := m.metadata()
		typ := dto.MetricType_GAUGE
		if meta.cumulative {
			typ = dto.MetricType_COUNTER
		}
		mf := &dto.MetricFamily{
			Name: proto.String(prefix + meta.name),
			Help: proto.String(meta.description),
			Type: typ.Enum(),
		}
		samples := m.samples()
		sort.Slice(samples, func(i, j int) bool {
			return strings.Join(samples[i].FieldValues, ",") < strings.Join(samples[j].FieldValues, ",")
		})
		for _, s := range samples {
			metric := &dto.Metric{}
			for i, v := range s.FieldValues {
				metric.Label = append(metric.Label, &dto.LabelPair{
					Name:  proto.String(meta.fields[i].Name),
					Value: proto.String(v),
				})
			}
			val := proto.Float64(float64(s.Value))
			if meta.cumulative {
				metric.Counter = &dto.Counter{Value: val}
			} else {
				metric.Gauge = &dto.Gauge{Value: val}
			}
			mf.Metric = append(mf.Metric, metric)
		}
		if len(mf.Metric) == 0 {
			continue
		}
		out = append(out, mf)
	}
	return out
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format.
func WritePrometheus(w io.Writer, prefix string) error {
	for _, mf := range Families(prefix) {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// ParsePrometheus parses Prometheus text data, as produced by WritePrometheus.
func ParsePrometheus(r io.Reader) (map[string]*dto.MetricFamily, error) {
	return (&expfmt.TextParser{}).TextToMetricFamilies(r)
}

// LookupValue returns the value of the sample of family name whose labels
// include wantLabels. It fails unless exactly one sample matches.
func LookupValue(families map[string]*dto.MetricFamily, name string, wantLabels map[string]string) (float64, error) {
	mf, ok := families[name]
	if !ok {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	found := -1
	for i, m := range mf.GetMetric() {
		labels := make(map[string]string, len(m.GetLabel()))
		for _, l := range m.GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		match := true
		for k, v := range wantLabels {
			if labels[k] != v {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		if found != -1 {
			return 0, fmt.Errorf("metric %q has multiple samples matching %v", name, wantLabels)
		}
		found = i
	}
	if found == -1 {
		return 0, fmt.Errorf("metric %q has no sample matching %v", name, wantLabels)
	}
	m := mf.GetMetric()[found]
	if c := m.GetCounter(); c != nil {
		return c.GetValue(), nil
	}
	return m.GetGauge().GetValue(), nil
}
