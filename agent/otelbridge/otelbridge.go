// Package otelbridge wires the Event Bus (agent/eventbus) to OpenTelemetry
// spans, adapted from the teacher's emit.OTelEmitter. It is a pure
// observer: one span per event, ended immediately, carrying the event's
// stream/execution ids and payload as attributes. Per spec.md's scope,
// this is emission only — no sampling policy, no exporter wiring, which
// stays the caller's responsibility (set a TracerProvider before
// constructing the Bridge).
package otelbridge

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/anthonix/agentrt/agent/eventbus"
)

// Bridge subscribes to an eventbus.Bus and turns every event into a
// one-off OTel span.
type Bridge struct {
	tracer trace.Tracer
	bus    *eventbus.Bus
	subID  string
}

// Attach subscribes tracer to every event on bus and returns the Bridge;
// call Detach to unsubscribe.
func Attach(bus *eventbus.Bus, tracer trace.Tracer) *Bridge {
	b := &Bridge{tracer: tracer, bus: bus}
	b.subID = bus.Subscribe(nil, b.handle, "")
	return b
}

// Detach unsubscribes the bridge from its bus.
func (b *Bridge) Detach() {
	b.bus.Unsubscribe(b.subID)
}

func (b *Bridge) handle(e eventbus.Event) {
	_, span := b.tracer.Start(context.Background(), string(e.Type))
	defer span.End()

	span.SetAttributes(
		attribute.String("stream_id", e.StreamID),
		attribute.String("execution_id", e.ExecutionID),
	)
	for k, v := range e.Payload {
		span.SetAttributes(attribute.String(k, fmt.Sprintf("%v", v)))
	}
	if errStr, ok := e.Payload["error"].(string); ok && errStr != "" {
		span.SetStatus(codes.Error, errStr)
		span.RecordError(fmt.Errorf("%s", errStr))
	}
}
