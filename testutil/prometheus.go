package testutil

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// Gather collects every metric registered with g.
func Gather(t testing.TB, g prometheus.Gatherer) []*dto.MetricFamily {
	t.Helper()
	metrics, err := g.Gather()
	require.NoError(t, err)
	return metrics
}

// PromGaugeHasValue reports whether the gauge name with the given label
// values currently equals value. Label values are matched in the order
// the registry reports them, which is sorted by label name.
func PromGaugeHasValue(t testing.TB, metrics []*dto.MetricFamily, value float64, name string, label ...string) bool {
	t.Helper()
	m := findMetric(t, metrics, name, label)
	return m != nil && m.GetGauge().GetValue() == value
}

// PromCounterHasValue is PromGaugeHasValue for counters.
func PromCounterHasValue(t testing.TB, metrics []*dto.MetricFamily, value float64, name string, label ...string) bool {
	t.Helper()
	m := findMetric(t, metrics, name, label)
	return m != nil && m.GetCounter().GetValue() == value
}

// PromHistogramHasCount reports whether the histogram name with the given
// label values has observed exactly count samples.
func PromHistogramHasCount(t testing.TB, metrics []*dto.MetricFamily, count uint64, name string, label ...string) bool {
	t.Helper()
	m := findMetric(t, metrics, name, label)
	return m != nil && m.GetHistogram().GetSampleCount() == count
}

func findMetric(t testing.TB, metrics []*dto.MetricFamily, name string, label []string) *dto.Metric {
	t.Helper()
	for _, family := range metrics {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			pairs := m.GetLabel()
			require.Len(t, pairs, len(label), "label count of %s", name)
			if labelsEqual(pairs, label) {
				return m
			}
		}
	}
	return nil
}

func labelsEqual(pairs []*dto.LabelPair, values []string) bool {
	for i, v := range values {
		if pairs[i].GetValue() != v {
			return false
		}
	}
	return true
}
