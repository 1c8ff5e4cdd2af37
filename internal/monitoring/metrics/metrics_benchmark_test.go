// Licensed under the MIT License. See LICENSE file in the project root for details.

package metrics

import (
	"testing"
	"time"
)

// BenchmarkRecordPass benchmarks the buffered recording path
func BenchmarkRecordPass(b *testing.B) {
	m := New(DefaultConfig())
	defer m.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			m.RecordPass(100*time.Microsecond, false)
			m.RecordLogScanned()
			m.RecordDiscarded(64)
		}
	})
}

// BenchmarkRecordHighContention benchmarks recording under high contention
func BenchmarkRecordHighContention(b *testing.B) {
	m := New(DefaultConfig())
	defer m.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			for i := 0; i < 10; i++ {
				m.RecordLogScanned()
				m.RecordRollback(200 * time.Microsecond)
				m.RecordError("replay")
			}
		}
	})
}

// BenchmarkStats benchmarks taking snapshots of populated metrics
func BenchmarkStats(b *testing.B) {
	m := New(DefaultConfig())
	defer m.Close()

	for i := 0; i < 1000; i++ {
		m.RecordPass(100*time.Microsecond, i%2 == 0)
		m.RecordRollback(200 * time.Microsecond)
	}
	m.Flush()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Stats()
	}
}

// BenchmarkRingBufferPush benchmarks ring buffer push operations
func BenchmarkRingBufferPush(b *testing.B) {
	rb := NewDurationRingBuffer(1000)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			rb.Push(100 * time.Microsecond)
		}
	})
}

// BenchmarkRingBufferGetStats benchmarks percentile calculation
func BenchmarkRingBufferGetStats(b *testing.B) {
	rb := NewDurationRingBuffer(1000)
	for i := 0; i < 1000; i++ {
		rb.Push(time.Duration(i) * time.Microsecond)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rb.GetStats()
	}
}
