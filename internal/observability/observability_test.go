package observability

import (
	"context"
	"strings"
	"testing"

	"github.com/unity-mcp/bridge/internal/eventbus"
)

type staticGauges struct {
	instances, sessions, pending int
}

func (g staticGauges) InstanceCount() int       { return g.instances }
func (g staticGauges) SessionCount() int        { return g.sessions }
func (g staticGauges) PendingCommandCount() int { return g.pending }

func TestEventCounterCountsPerTopic(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()
	counter := NewEventCounter()
	bus.AddObserver(counter)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		eventbus.Publish(ctx, bus, eventbus.CommandsDispatched, eventbus.SourceDispatcher, eventbus.CommandEvent{Command: "ping"})
	}
	eventbus.Publish(ctx, bus, eventbus.InstancesDiscovered, eventbus.SourceDiscovery, eventbus.InstanceEvent{InstanceID: "Game@abc"})

	counts := counter.Snapshot()
	if counts[eventbus.TopicCommandsDispatched] != 3 {
		t.Errorf("dispatched = %d, want 3", counts[eventbus.TopicCommandsDispatched])
	}
	if counts[eventbus.TopicInstancesDiscovered] != 1 {
		t.Errorf("discovered = %d, want 1", counts[eventbus.TopicInstancesDiscovered])
	}
}

func TestExporterRendersTextFormat(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()
	counter := NewEventCounter()
	bus.AddObserver(counter)
	eventbus.Publish(context.Background(), bus, eventbus.CommandsDispatched, eventbus.SourceDispatcher, eventbus.CommandEvent{Command: "ping"})

	exporter := NewPrometheusExporter(bus, counter)
	gauges := staticGauges{instances: 2, sessions: 1, pending: 4}
	exporter.WithInstances(gauges)
	exporter.WithSessions(gauges)

	out := string(exporter.Export())
	for _, want := range []string{
		`bridge_events_total{topic="commands.dispatched"} 1`,
		"bridge_eventbus_publish_total 1",
		"bridge_instances_discovered 2",
		"bridge_sessions_connected 1",
		"bridge_commands_pending 4",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in exporter output:\n%s", want, out)
		}
	}
}

func TestExporterWithoutProvidersStaysQuiet(t *testing.T) {
	exporter := NewPrometheusExporter(nil, nil)
	if out := exporter.Export(); len(out) != 0 {
		t.Errorf("expected empty export, got %q", out)
	}
}
