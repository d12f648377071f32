package core

import (
	"time"

	"go.uber.org/atomic"
)

// LatencyBuckets are the upper bounds, in milliseconds, of the request
// latency histogram. A last bucket catches everything slower.
var LatencyBuckets = [...]int64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}

// latency is a per-server request histogram. Only the owning worker records;
// any goroutine may read.
type latency struct {
	count   atomic.Uint64
	errors  atomic.Uint64
	total   atomic.Int64
	min     atomic.Int64
	max     atomic.Int64
	buckets [len(LatencyBuckets) + 1]atomic.Uint64
}

func (l *latency) record(d time.Duration, failed bool) {
	l.count.Inc()
	if failed {
		l.errors.Inc()
	}
	l.total.Add(int64(d))
	if m := l.min.Load(); m == 0 || int64(d) < m {
		l.min.Store(int64(d))
	}
	if int64(d) > l.max.Load() {
		l.max.Store(int64(d))
	}

	ms := d.Milliseconds()
	idx := len(LatencyBuckets)
	for i, bound := range LatencyBuckets {
		if ms < bound {
			idx = i
			break
		}
	}
	l.buckets[idx].Inc()
}

// LatencyStats is a snapshot of a latency histogram. Durations are in
// microseconds; Buckets follows LatencyBuckets plus the overflow bucket.
type LatencyStats struct {
	Count   uint64   `json:"count"`
	Errors  uint64   `json:"errors"`
	AvgUs   int64    `json:"avg_us"`
	MinUs   int64    `json:"min_us"`
	MaxUs   int64    `json:"max_us"`
	Buckets []uint64 `json:"buckets"`
}

func (l *latency) stats() LatencyStats {
	s := LatencyStats{
		Count:   l.count.Load(),
		Errors:  l.errors.Load(),
		MinUs:   time.Duration(l.min.Load()).Microseconds(),
		MaxUs:   time.Duration(l.max.Load()).Microseconds(),
		Buckets: make([]uint64, len(l.buckets)),
	}
	if s.Count > 0 {
		s.AvgUs = time.Duration(l.total.Load() / int64(s.Count)).Microseconds()
	}
	for i := range l.buckets {
		s.Buckets[i] = l.buckets[i].Load()
	}
	return s
}
