package settlement

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("marketsettle/settlement")

type metrics struct {
	ordersCreated        metric.Int64Counter
	paymentsDispatched   metric.Int64Counter
	callbacksReceived    metric.Int64Counter
	settlementsCompleted metric.Int64Counter
}

func newMetrics() *metrics {
	return &metrics{
		ordersCreated:        counter("settlement.orders.created", "Orders persisted at checkout"),
		paymentsDispatched:   counter("settlement.payments.dispatched", "Payments started by method"),
		callbacksReceived:    counter("settlement.callbacks.received", "Provider callbacks by outcome"),
		settlementsCompleted: counter("settlement.settlements.completed", "Transactions settled by type"),
	}
}

func counter(name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		otel.Handle(err)
	}
	return c
}

func (m *metrics) callback(ctx context.Context, outcome string) {
	m.callbacksReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
