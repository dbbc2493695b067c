package main

import (
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/stretchr/testify/require"

	"github.com/chronicle-db/chronicle"
)

func randomPayload(n int) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(42)).Read(buf)
	return buf
}

func openBenchWriter(b *testing.B) (*chronicle.Writer, string, func()) {
	tmpDir, err := os.MkdirTemp("", "chronicle-bench-*")
	require.NoError(b, err)

	// Small segment size to profile rotation cost alongside steady-state
	// append latency, matching the teacher's "force rotation" bench setup.
	w, err := chronicle.Open(tmpDir, chronicle.WithSegmentSize(8<<20), chronicle.WithMetricsRegisterer(nil))
	require.NoError(b, err)
	return w, tmpDir, func() {
		w.Close()
		os.RemoveAll(tmpDir)
	}
}

// BenchmarkAppendLatency reports append latency percentiles via HdrHistogram
// across a range of payload sizes, mirroring the shape of the teacher's
// BenchmarkAppend but capturing the full latency distribution instead of
// only throughput, which matters far more for an ultra-low-latency queue.
func BenchmarkAppendLatency(b *testing.B) {
	sizes := []int{10, 256, 4096, 65536}

	for _, s := range sizes {
		b.Run(fmt.Sprintf("payload=%dB", s), func(b *testing.B) {
			w, _, done := openBenchWriter(b)
			defer done()

			payload := randomPayload(s)
			hist := hdrhistogram.New(1, 10_000_000_000, 3)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				start := time.Now()
				if err := w.Append(1, payload); err != nil {
					b.Fatalf("append: %v", err)
				}
				_ = hist.RecordValue(time.Since(start).Nanoseconds())
			}
			b.StopTimer()

			reportPercentiles(b, hist)
		})
	}
}

// BenchmarkReadLatency measures (*Reader).Next latency once a queue is
// pre-populated, reporting percentiles the same way as the append
// benchmark.
func BenchmarkReadLatency(b *testing.B) {
	w, dir, done := openBenchWriter(b)
	defer done()

	payload := randomPayload(256)
	n := b.N
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		if err := w.Append(1, payload); err != nil {
			b.Fatalf("append: %v", err)
		}
	}
	require.NoError(b, w.Sync())

	r, err := chronicle.OpenReader(dir, "bench-reader", chronicle.WithStartMode(chronicle.Earliest), chronicle.WithReaderMetricsRegisterer(nil))
	require.NoError(b, err)
	defer r.Close()

	hist := hdrhistogram.New(1, 10_000_000_000, 3)
	b.ResetTimer()
	for i := 0; i < n; i++ {
		start := time.Now()
		if _, err := r.Next(); err != nil {
			b.Fatalf("next: %v", err)
		}
		_ = hist.RecordValue(time.Since(start).Nanoseconds())
	}
	b.StopTimer()

	reportPercentiles(b, hist)
}

func reportPercentiles(b *testing.B, hist *hdrhistogram.Histogram) {
	b.Helper()
	b.ReportMetric(float64(hist.ValueAtQuantile(50)), "p50-ns")
	b.ReportMetric(float64(hist.ValueAtQuantile(99)), "p99-ns")
	b.ReportMetric(float64(hist.ValueAtQuantile(99.9)), "p99.9-ns")
}
