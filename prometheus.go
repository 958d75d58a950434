package cbdr

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports device metrics to Prometheus. Values are read from
// Metrics snapshots at scrape time, so it adds nothing to the command path.
type Collector struct {
	devices []*Device

	commands  *prometheus.Desc
	outcomes  *prometheus.Desc
	retries   *prometheus.Desc
	recovered *prometheus.Desc
	reclaimed *prometheus.Desc
	free      *prometheus.Desc
	latency   *prometheus.Desc
}

// NewCollector returns a collector for devs. Metric names are prefixed with
// namespace when it is set.
func NewCollector(namespace string, devs ...*Device) *Collector {
	labels := []string{"ring"}
	desc := func(name, help string, extra ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cbdr", name),
			help,
			append(append([]string{}, labels...), extra...),
			nil,
		)
	}

	return &Collector{
		devices:   devs,
		commands:  desc("commands_total", "Commands submitted, by command type.", "cmd"),
		outcomes:  desc("outcomes_total", "Commands finished, by outcome.", "outcome"),
		retries:   desc("retries_total", "Retry attempts made by ExecuteWithRetry."),
		recovered: desc("recovered_total", "Late completions picked up after a timeout."),
		reclaimed: desc("reclaimed_slots_total", "Descriptors returned by explicit reclaims."),
		free:      desc("free_slots", "Descriptors software can still fill."),
		latency:   desc("command_latency_seconds", "Time from publish to completion or timeout."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.commands, c.outcomes, c.retries, c.recovered, c.reclaimed, c.free, c.latency} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, dev := range c.devices {
		if dev == nil {
			continue
		}
		ring := strconv.Itoa(dev.ID)
		s := dev.MetricsSnapshot()

		counter := func(d *prometheus.Desc, v uint64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), append([]string{ring}, labels...)...)
		}

		counter(c.commands, s.QueryOps, "query")
		counter(c.commands, s.UpdateOps, "update")
		counter(c.commands, s.AddOps, "add")
		counter(c.commands, s.DeleteOps, "delete")
		counter(c.commands, s.OtherOps, "other")

		counter(c.outcomes, s.Completed, OutcomeOK.String())
		counter(c.outcomes, s.Timeouts, OutcomeTimeout.String())
		counter(c.outcomes, s.Rejected, OutcomeRejected.String())
		counter(c.outcomes, s.RingFull, OutcomeRingFull.String())
		counter(c.outcomes, s.Invalid, OutcomeInvalid.String())
		counter(c.outcomes, s.Failed, OutcomeOther.String())

		counter(c.retries, s.Retries)
		counter(c.recovered, s.Recovered)
		counter(c.reclaimed, s.Reclaimed)

		if dev.State() == DeviceStateOpen {
			ch <- prometheus.MustNewConstMetric(c.free, prometheus.GaugeValue, float64(dev.FreeSlotCount()), ring)
		}

		ch <- prometheus.MustNewConstHistogram(c.latency, s.LatencyCount, float64(s.TotalLatencyNs)/1e9, latencyBuckets(s), ring)
	}
}

func latencyBuckets(s MetricsSnapshot) map[float64]uint64 {
	buckets := make(map[float64]uint64, numLatencyBuckets)
	for i, ns := range LatencyBuckets {
		buckets[float64(ns)/1e9] = s.LatencyHistogram[i]
	}
	return buckets
}

var _ prometheus.Collector = (*Collector)(nil)
