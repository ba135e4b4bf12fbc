package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// PrometheusFormat exports all metrics in Prometheus text exposition format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func (m *Metrics) PrometheusFormat() string {
	var sb strings.Builder

	// Inference metrics
	writeCounterVec(&sb, m.InferenceRequests)
	writeHistogramVec(&sb, m.InferenceLatency)
	writeCounterVec(&sb, m.InferenceErrors)

	// Scoring metrics
	writeCounterVec(&sb, m.ImagesScored)
	writeCounterVec(&sb, m.ImagesFailed)

	// Run metrics
	writeCounterVec(&sb, m.RunsTotal)
	writeGaugeVec(&sb, m.RunAccuracy)
	writeGaugeVec(&sb, m.RunLowerBound)
	writeGaugeVec(&sb, m.RunUpperBound)
	writeGaugeVec(&sb, m.RunDuration)

	// Cache metrics
	writeCounterVec(&sb, m.CacheHits)
	writeCounterVec(&sb, m.CacheMisses)
	writeGaugeVec(&sb, m.CacheSize)

	// Bus metrics
	writeCounterVec(&sb, m.BusEventsPublished)
	writeHistogramVec(&sb, m.BusEventLatency)
	writeCounterVec(&sb, m.BusErrors)
	writeCounterVec(&sb, m.BusEventsHandled)

	return sb.String()
}

func writeHeader(sb *strings.Builder, name, help, kind string) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

// writeSample writes one `name{labels} value` line.
func writeSample(sb *strings.Builder, name string, labels map[string]string, value string) {
	sb.WriteString(name)
	writeLabels(sb, labels)
	sb.WriteByte(' ')
	sb.WriteString(value)
	sb.WriteByte('\n')
}

func writeCounterVec(sb *strings.Builder, cv *CounterVec) {
	counters := cv.GetAll()
	if len(counters) == 0 {
		return
	}
	writeHeader(sb, cv.Name(), cv.Help(), "counter")
	for _, c := range counters {
		writeSample(sb, c.Name(), c.Labels(), strconv.FormatInt(c.Value(), 10))
	}
}

func writeGaugeVec(sb *strings.Builder, gv *GaugeVec) {
	gauges := gv.GetAll()
	if len(gauges) == 0 {
		return
	}
	writeHeader(sb, gv.Name(), gv.Help(), "gauge")
	for _, g := range gauges {
		writeSample(sb, g.Name(), g.Labels(), formatFloat(g.Value()))
	}
}

// writeHistogramVec writes the cumulative buckets of every series, each
// bucket line carrying an le label, followed by _sum and _count.
func writeHistogramVec(sb *strings.Builder, hv *HistogramVec) {
	histograms := hv.GetAll()
	if len(histograms) == 0 {
		return
	}
	writeHeader(sb, hv.Name(), hv.Help(), "histogram")
	for _, h := range histograms {
		labels := h.Labels()
		counts := h.BucketCounts()
		bucket := h.Name() + "_bucket"

		for i, bound := range h.Buckets() {
			labels["le"] = formatFloat(bound)
			writeSample(sb, bucket, labels, strconv.FormatInt(counts[i], 10))
		}
		labels["le"] = "+Inf"
		writeSample(sb, bucket, labels, strconv.FormatInt(counts[len(counts)-1], 10))
		delete(labels, "le")

		writeSample(sb, h.Name()+"_sum", labels, formatFloat(h.Sum()))
		writeSample(sb, h.Name()+"_count", labels, strconv.FormatInt(h.Count(), 10))
	}
}

// writeLabels writes labels in Prometheus format {key="value",key2="value2"}.
func writeLabels(sb *strings.Builder, labels map[string]string) {
	if len(labels) == 0 {
		return
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(sb, "%s=\"%s\"", k, escapeString(labels[k]))
	}
	sb.WriteByte('}')
}

// formatFloat renders v in the shortest form that round-trips.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// escapeString escapes special characters in label values.
func escapeString(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
