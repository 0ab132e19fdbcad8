package observability

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/unity-mcp/bridge/internal/eventbus"
)

// PrometheusExporter renders bridge metrics in Prometheus text format.
type PrometheusExporter struct {
	bus       *eventbus.Bus
	counter   *EventCounter
	instances InstanceMetricsProvider
	sessions  SessionMetricsProvider
}

// InstanceMetricsProvider exposes the current count of discovered editor instances.
type InstanceMetricsProvider interface {
	InstanceCount() int
}

// SessionMetricsProvider exposes counts of live WebSocket sessions and
// in-flight commands.
type SessionMetricsProvider interface {
	SessionCount() int
	PendingCommandCount() int
}

// NewPrometheusExporter constructs an exporter backed by the provided bus and event counter.
func NewPrometheusExporter(bus *eventbus.Bus, counter *EventCounter) *PrometheusExporter {
	return &PrometheusExporter{bus: bus, counter: counter}
}

// WithInstances enables exporting the discovered-instance gauge.
func (e *PrometheusExporter) WithInstances(provider InstanceMetricsProvider) {
	e.instances = provider
}

// WithSessions enables exporting session hub gauges.
func (e *PrometheusExporter) WithSessions(provider SessionMetricsProvider) {
	e.sessions = provider
}

// Export produces the metrics payload in Prometheus' text exposition format.
func (e *PrometheusExporter) Export() []byte {
	var buf bytes.Buffer
	e.writeEventCounters(&buf)
	e.writeBusMetrics(&buf)
	e.writeInstanceMetrics(&buf)
	e.writeSessionMetrics(&buf)
	return buf.Bytes()
}

func (e *PrometheusExporter) writeEventCounters(buf *bytes.Buffer) {
	if e.counter == nil {
		return
	}
	counts := e.counter.Snapshot()
	if len(counts) == 0 {
		return
	}

	buf.WriteString("# HELP bridge_events_total Total number of published events per topic.\n")
	buf.WriteString("# TYPE bridge_events_total counter\n")

	topics := make([]string, 0, len(counts))
	for topic := range counts {
		topics = append(topics, string(topic))
	}
	sort.Strings(topics)
	for _, topicName := range topics {
		value := counts[eventbus.Topic(topicName)]
		buf.WriteString(fmt.Sprintf("bridge_events_total{topic=%q} %d\n", topicName, value))
	}
}

func (e *PrometheusExporter) writeBusMetrics(buf *bytes.Buffer) {
	if e.bus == nil {
		return
	}
	metrics := e.bus.Metrics()

	buf.WriteString("# HELP bridge_eventbus_publish_total Total number of events published on the bus.\n")
	buf.WriteString("# TYPE bridge_eventbus_publish_total counter\n")
	buf.WriteString(fmt.Sprintf("bridge_eventbus_publish_total %d\n", metrics.PublishTotal))

	buf.WriteString("# HELP bridge_eventbus_dropped_total Total number of events dropped by the bus.\n")
	buf.WriteString("# TYPE bridge_eventbus_dropped_total counter\n")
	buf.WriteString(fmt.Sprintf("bridge_eventbus_dropped_total %d\n", metrics.DroppedTotal))
}

func (e *PrometheusExporter) writeInstanceMetrics(buf *bytes.Buffer) {
	if e.instances == nil {
		return
	}
	buf.WriteString("# HELP bridge_instances_discovered Current number of discoverable editor instances.\n")
	buf.WriteString("# TYPE bridge_instances_discovered gauge\n")
	buf.WriteString(fmt.Sprintf("bridge_instances_discovered %d\n", e.instances.InstanceCount()))
}

func (e *PrometheusExporter) writeSessionMetrics(buf *bytes.Buffer) {
	if e.sessions == nil {
		return
	}
	buf.WriteString("# HELP bridge_sessions_connected Current number of registered editor sessions.\n")
	buf.WriteString("# TYPE bridge_sessions_connected gauge\n")
	buf.WriteString(fmt.Sprintf("bridge_sessions_connected %d\n", e.sessions.SessionCount()))

	buf.WriteString("# HELP bridge_commands_pending Current number of in-flight commands awaiting results.\n")
	buf.WriteString("# TYPE bridge_commands_pending gauge\n")
	buf.WriteString(fmt.Sprintf("bridge_commands_pending %d\n", e.sessions.PendingCommandCount()))
}
