package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/searchktools/coserver/core/coroutine"
	"github.com/searchktools/coserver/core/poller"
	"github.com/searchktools/coserver/core/pools"
)

// WorkerStats is a snapshot of one worker.
type WorkerStats struct {
	ID         int              `json:"id"`
	Requests   uint64           `json:"requests"`
	Timers     int64            `json:"timers"`
	Expired    uint64           `json:"expired"`
	Dispatched uint64           `json:"dispatched"`
	Stale      uint64           `json:"stale"`
	Wakeups    uint64           `json:"wakeups"`
	Arena      pools.ArenaStats `json:"arena"`
	Poller     poller.Counters  `json:"poller"`
	Coroutines coroutine.Stats  `json:"coroutines"`
	Servers    []ServerStats    `json:"servers"`
	Upstreams  []UpstreamStats  `json:"upstreams"`
}

// publish copies the loop-owned counters where Stats can read them.
func (w *Worker) publish() {
	w.timers.Store(int64(w.Timer.Len()))
	w.expired.Store(w.Timer.Expired())
	w.coStats.Store(w.Coroutines.Stats())
}

// Stats returns the worker snapshot. It is safe from any goroutine; loop
// owned values are as of the last loop iteration.
func (w *Worker) Stats() WorkerStats {
	s := WorkerStats{
		ID:         w.id,
		Requests:   w.requests.Load(),
		Timers:     w.timers.Load(),
		Expired:    w.expired.Load(),
		Dispatched: w.Dispatcher.dispatched.Load(),
		Stale:      w.Dispatcher.stale.Load(),
		Wakeups:    w.Dispatcher.wakeups.Load(),
		Arena:      w.Arena.Stats(),
		Poller:     w.Poller.Counters(),
	}
	if cs, ok := w.coStats.Load().(coroutine.Stats); ok {
		s.Coroutines = cs
	}
	for _, sc := range w.servers {
		s.Servers = append(s.Servers, sc.Stats())
	}
	s.Upstreams = w.Upstreams.Stats()
	return s
}

// StatsJSON returns the worker snapshot as indented JSON.
func (w *Worker) StatsJSON() string {
	data, _ := json.MarshalIndent(w.Stats(), "", "  ")
	return string(data)
}

func (s WorkerStats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "worker %d: requests=%d timers=%d expired=%d dispatched=%d stale=%d wakeups=%d\n",
		s.ID, s.Requests, s.Timers, s.Expired, s.Dispatched, s.Stale, s.Wakeups)
	fmt.Fprintf(&b, "  arena: %s\n", s.Arena)
	fmt.Fprintf(&b, "  coroutines: created=%d live=%d swap_ins=%d\n", s.Coroutines.Created, s.Coroutines.Live, s.Coroutines.SwapIns)
	for _, sc := range s.Servers {
		fmt.Fprintf(&b, "  server %s :%d connections=%d accepted=%d refused=%d\n",
			sc.Name, sc.Port, sc.Connections, sc.Accepted, sc.Refused)
		fmt.Fprintf(&b, "    latency: count=%d errors=%d avg=%dus min=%dus max=%dus buckets=%v\n",
			sc.Latency.Count, sc.Latency.Errors, sc.Latency.AvgUs, sc.Latency.MinUs, sc.Latency.MaxUs, sc.Latency.Buckets)
	}
	for _, u := range s.Upstreams {
		fmt.Fprintf(&b, "  upstream %s connections=%d dialed=%d reused=%d failed=%d retried=%d rejected=%d\n",
			u.Name, u.Connections, u.Dialed, u.Reused, u.Failed, u.Retried, u.Rejected)
	}
	return b.String()
}
