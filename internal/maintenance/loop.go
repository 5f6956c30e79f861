// Package maintenance runs the userspace tick described in spec.md §4.7:
// aggregate flow stats, publish metrics, refresh the backend table,
// reap closed or stale flows, and snapshot the clock for the next tick.
package maintenance

import (
	"context"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xlb-io/xlb/internal/flowdata"
	"github.com/xlb-io/xlb/internal/flowtable"
	"github.com/xlb-io/xlb/internal/metricsexport"
	"github.com/xlb-io/xlb/internal/provider"
	"github.com/xlb-io/xlb/internal/route"
)

// DefaultInterval is the tick period spec.md §4.7 names as the default.
const DefaultInterval = 1 * time.Second

// DefaultTimeWaitWindow bounds how long a flow pair lingers after both
// sides have sent FIN before it's reaped, mirroring TCP's TIME_WAIT.
const DefaultTimeWaitWindow = 60 * time.Second

// BackendTable is the subset of ebpfmgr.Manager the loop needs to
// publish a refreshed backend table; kept narrow so tests can supply a
// fake without any kernel or cilium/ebpf dependency.
type BackendTable interface {
	PutBackends(backends []flowdata.Backend) error
}

// Resolver resolves route/neighbor information for a backend IP. In
// production this is route.Resolve; tests supply a stub.
type Resolver func(ip netip.Addr) (route.Egress, error)

type snapshot struct {
	bytes   uint64
	packets uint64
}

// Loop owns one maintenance cycle's state: the previous tick's
// per-flow snapshot (for delta computation) and the last-run timestamp.
type Loop struct {
	Flows    flowtable.Table
	Backends BackendTable
	Provider provider.Provider
	Resolve  Resolver
	Metrics  *metricsexport.Sink

	Interval       time.Duration
	OrphanTTL      time.Duration
	TimeWaitWindow time.Duration

	Log *logrus.Entry

	prev      map[uint64]snapshot
	lastRunNs int64
}

// Run drives Tick on a fixed interval until ctx is canceled. A slow tick
// delays rather than bursts the next one, matching spec.md's
// missed-tick policy.
func (l *Loop) Run(ctx context.Context) {
	if l.Interval <= 0 {
		l.Interval = DefaultInterval
	}
	if l.prev == nil {
		l.prev = make(map[uint64]snapshot)
	}

	timer := time.NewTimer(l.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			l.Tick(time.Now().UnixNano())
			timer.Reset(l.Interval)
		}
	}
}

// Tick runs one full maintenance cycle: aggregate, publish, refresh
// backends, reap, snapshot.
func (l *Loop) Tick(nowNs int64) {
	if l.prev == nil {
		l.prev = make(map[uint64]snapshot)
	}
	log := l.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	agg := l.aggregate(nowNs)
	l.publish(agg)
	l.refreshBackends(log)
	l.reap(agg.reap, log)

	l.lastRunNs = nowNs
}

type aggregate struct {
	connectionsActive int
	clientsActive     int
	opened            int
	closed            int
	orphaned          int
	deltas            []metricsexport.Delta
	reap              []uint64
}

// aggregate implements spec.md §4.7 step 1: walk every flow, diff its
// counters against the prior tick, and classify it.
func (l *Loop) aggregate(nowNs int64) aggregate {
	type bucket struct {
		mbps, pps     float64
		active, closed int
		deltaBytes    uint64
	}
	buckets := make(map[string]*bucket)
	seenThisTick := make(map[uint64]bool)

	var out aggregate
	activeClients := make(map[netip.Addr]struct{})

	intervalSecs := 1.0
	if l.Interval > 0 {
		intervalSecs = l.Interval.Seconds()
	}

	l.Flows.Iterate(func(hash uint64, f flowdata.Flow) bool {
		seenThisTick[hash] = true

		prev := l.prev[hash]
		deltaBytes := f.BytesTransfer - prev.bytes
		deltaPackets := f.PacketsTransfer - prev.packets
		l.prev[hash] = snapshot{bytes: f.BytesTransfer, packets: f.PacketsTransfer}

		isNew := int64(f.CreatedAtNs) > l.lastRunNs
		isOrphaned := nowNs-int64(f.LastSeenNs) >= l.orphanTTLNs()
		isFinBoth := f.FinBothNs != 0 && int64(f.FinBothNs) <= nowNs
		isRst := f.RstNs != 0
		isActive := !isFinBoth && !isRst && !isOrphaned

		if isNew {
			out.opened++
		}
		if isOrphaned {
			out.orphaned++
		}

		dir := metricsexport.Ingress
		if f.Direction == flowdata.ToClient {
			dir = metricsexport.Egress
		}
		key := string(dir) + "|" + f.BackendIP.String()
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		b.deltaBytes += deltaBytes
		b.mbps = (float64(b.deltaBytes) * 8 / 1e6) / intervalSecs
		b.pps += float64(deltaPackets) / intervalSecs
		if isActive {
			b.active++
			if f.ClientIP.IsValid() {
				activeClients[f.ClientIP] = struct{}{}
			}
		}

		shouldReap := (isFinBoth && nowNs-int64(f.FinBothNs) >= l.timeWaitWindowNs()) ||
			(isRst && nowNs-int64(f.RstNs) >= l.Interval.Nanoseconds()) ||
			isOrphaned
		if shouldReap {
			out.reap = append(out.reap, hash)
			b.closed++
		}

		return true
	})

	for hash := range l.prev {
		if !seenThisTick[hash] {
			delete(l.prev, hash)
		}
	}

	for key, b := range buckets {
		dir, backend := splitBucketKey(key)
		out.deltas = append(out.deltas, metricsexport.Delta{
			Direction:   dir,
			Backend:     backend,
			Mbps:        b.mbps,
			Pps:         b.pps,
			ActiveFlows: b.active,
			ClosedFlows: b.closed,
			DeltaBytes:  b.deltaBytes,
		})
		out.connectionsActive += b.active
	}
	out.closed = len(out.reap)
	out.clientsActive = len(activeClients)

	return out
}

func splitBucketKey(key string) (metricsexport.Direction, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return metricsexport.Direction(key[:i]), key[i+1:]
		}
	}
	return metricsexport.Direction(key), ""
}

func (l *Loop) orphanTTLNs() int64 {
	if l.OrphanTTL <= 0 {
		return int64(300 * time.Second)
	}
	return l.OrphanTTL.Nanoseconds()
}

func (l *Loop) timeWaitWindowNs() int64 {
	if l.TimeWaitWindow <= 0 {
		return int64(DefaultTimeWaitWindow)
	}
	return l.TimeWaitWindow.Nanoseconds()
}

// publish implements spec.md §4.7 step 2.
func (l *Loop) publish(agg aggregate) {
	if l.Metrics == nil {
		return
	}
	backendsAvailable := 0
	if l.Backends != nil {
		// The publisher doesn't expose a count, so the gauge reports the
		// provider's current host list, including hosts whose route
		// resolution fails in refreshBackends.
		backendsAvailable = len(l.Provider.Backends())
	}
	l.Metrics.SetGlobal(backendsAvailable, agg.connectionsActive, agg.clientsActive)
	l.Metrics.AddOpened(agg.opened)
	l.Metrics.AddClosed(agg.closed)
	l.Metrics.AddOrphaned(agg.orphaned)
	for _, d := range agg.deltas {
		l.Metrics.Publish(d)
	}
}

// refreshBackends implements spec.md §4.7 step 3.
func (l *Loop) refreshBackends(log *logrus.Entry) {
	if l.Provider == nil || l.Backends == nil {
		return
	}
	hosts := l.Provider.Backends()

	backends := make([]flowdata.Backend, 0, len(hosts))
	for _, h := range hosts {
		egress, err := l.Resolve(h.IP)
		if err != nil {
			log.WithError(err).WithField("backend", h.IP).Warn("skipping backend this tick: route resolution failed")
			continue
		}
		backends = append(backends, flowdata.Backend{
			IP:              h.IP,
			IPVer:           flowdata.IPv4,
			SrcIfaceIP:      egress.SrcIfaceIP,
			SrcIfaceMAC:     egress.SrcIfaceMAC,
			NextHopMAC:      egress.NextHopMAC,
			SrcIfaceIfindex: egress.SrcIfaceIfindex,
		})
	}

	if err := l.Backends.PutBackends(backends); err != nil {
		log.WithError(err).Error("failed to publish refreshed backend table")
	}
}

// reap implements spec.md §4.7 step 4: delete both sides of each flow
// pair using the stored counter-flow hash, skipping a side already
// removed via its counterpart.
func (l *Loop) reap(hashes []uint64, log *logrus.Entry) {
	done := make(map[uint64]bool)
	for _, hash := range hashes {
		if done[hash] {
			continue
		}
		flow, found := l.Flows.Lookup(hash)
		if !found {
			continue
		}
		if err := l.Flows.Delete(hash); err != nil {
			log.WithError(err).WithField("hash", hash).Warn("failed to reap flow")
		}
		done[hash] = true

		counterHash := flow.CounterFlowKeyHash
		if done[counterHash] {
			continue
		}
		if _, found := l.Flows.Lookup(counterHash); found {
			if err := l.Flows.Delete(counterHash); err != nil {
				log.WithError(err).WithField("hash", counterHash).Warn("failed to reap counter flow")
			}
		}
		done[counterHash] = true
	}
}
