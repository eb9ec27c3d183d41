package redis

import "github.com/prometheus/client_golang/prometheus"

// Metrics implements prometheus.Collector over a Connection's live
// Multiplexer.Counters() (spec.md's Multiplexer.usage_counters). Pull-
// based rather than Counter objects incremented inline — the Go
// analogue of canonical-redis_exporter's Exporter.Collect, adapted since
// the counts already live on the current Multiplexer and this side only
// reads them at scrape time.
type Metrics struct {
	conn *Connection

	commandsWritten *prometheus.Desc
	responsesRouted *prometheus.Desc
	pushesRouted    *prometheus.Desc
	bytesWritten    *prometheus.Desc
	bytesRead       *prometheus.Desc
}

// NewMetrics builds a Collector over conn. namespace prefixes every
// metric name, matching exporter.Options.Namespace's role in the pack's
// own Redis exporter.
func NewMetrics(conn *Connection, namespace string) *Metrics {
	return &Metrics{
		conn: conn,
		commandsWritten: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "commands_written_total"),
			"Total reply-expecting commands written to the wire.", nil, nil),
		responsesRouted: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "responses_routed_total"),
			"Total non-push replies routed to their exec.", nil, nil),
		pushesRouted: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "pushes_routed_total"),
			"Total push frames routed to the receive adapter.", nil, nil),
		bytesWritten: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "bytes_written_total"),
			"Total bytes written to the wire.", nil, nil),
		bytesRead: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "bytes_read_total"),
			"Total bytes read from the wire.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.commandsWritten
	ch <- m.responsesRouted
	ch <- m.pushesRouted
	ch <- m.bytesWritten
	ch <- m.bytesRead
}

// Collect implements prometheus.Collector. It emits nothing while
// disconnected rather than stale zeroes from a closed Multiplexer.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	cur, _, ok := m.conn.sup.Current()
	if !ok {
		return
	}
	c := cur.Counters()
	ch <- prometheus.MustNewConstMetric(m.commandsWritten, prometheus.CounterValue, float64(c.CommandsWritten))
	ch <- prometheus.MustNewConstMetric(m.responsesRouted, prometheus.CounterValue, float64(c.ResponsesRouted))
	ch <- prometheus.MustNewConstMetric(m.pushesRouted, prometheus.CounterValue, float64(c.PushesRouted))
	ch <- prometheus.MustNewConstMetric(m.bytesWritten, prometheus.CounterValue, float64(c.BytesWritten))
	ch <- prometheus.MustNewConstMetric(m.bytesRead, prometheus.CounterValue, float64(c.BytesRead))
}
