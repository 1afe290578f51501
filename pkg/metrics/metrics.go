/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/couchbase/replica-router/routing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BuildVersion is overridden at link time.
var BuildVersion = "dev"

type RouterMetrics struct {
	Requests        metric.Int64Counter
	RequestErrors   metric.Int64Counter
	RequestDuration metric.Float64Histogram
	RpcCalls        metric.Int64Counter
	ActiveRpcs      metric.Int64UpDownCounter
	Repairs         metric.Int64Counter
	Fallbacks       metric.Int64Counter
}

var (
	routerMetrics     *RouterMetrics
	routerMetricsLock sync.Mutex
)

var (
	_ routing.RequestObserver  = (*RouterMetrics)(nil)
	_ routing.RepairObserver   = (*RouterMetrics)(nil)
	_ routing.FallbackObserver = (*RouterMetrics)(nil)
)

func GetRouterMetrics() *RouterMetrics {
	routerMetricsLock.Lock()
	defer routerMetricsLock.Unlock()

	if routerMetrics == nil {
		routerMetrics = newRouterMetrics(otel.Meter(
			"com.couchbase.replica-router",
			metric.WithInstrumentationVersion(BuildVersion)))
	}

	return routerMetrics
}

func newRouterMetrics(meter metric.Meter) *RouterMetrics {
	requests, _ := meter.Int64Counter("router_requests_total")
	requestErrors, _ := meter.Int64Counter("router_request_errors_total")
	requestDuration, _ := meter.Float64Histogram("router_request_duration",
		metric.WithUnit("ms"))
	rpcCalls, _ := meter.Int64Counter("router_rpc_calls_total")
	activeRpcs, _ := meter.Int64UpDownCounter("router_rpc_active")
	repairs, _ := meter.Int64Counter("router_repairs_total")
	fallbacks, _ := meter.Int64Counter("router_fallbacks_total")

	return &RouterMetrics{
		Requests:        requests,
		RequestErrors:   requestErrors,
		RequestDuration: requestDuration,
		RpcCalls:        rpcCalls,
		ActiveRpcs:      activeRpcs,
		Repairs:         repairs,
		Fallbacks:       fallbacks,
	}
}

func requestKind(isWrite bool) string {
	if isWrite {
		return "write"
	}
	return "read"
}

func (m *RouterMetrics) ObserveRequest(group routing.GroupID, node routing.NodeID, d time.Duration, isWrite bool, failed bool) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("group", string(group)),
		attribute.String("node", string(node)),
		attribute.String("kind", requestKind(isWrite)))

	m.Requests.Add(ctx, 1, attrs)
	if failed {
		m.RequestErrors.Add(ctx, 1, attrs)
	}
	m.RequestDuration.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
}

func (m *RouterMetrics) ObserveRepair(group routing.GroupID, node routing.NodeID, failed bool) {
	result := "ok"
	if failed {
		result = "failed"
	}

	m.Repairs.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("group", string(group)),
		attribute.String("node", string(node)),
		attribute.String("result", result)))
}

func (m *RouterMetrics) ObserveFallback(group routing.GroupID) {
	m.Fallbacks.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("group", string(group))))
}

// RegisterRouterGauges publishes the live state of every node known to
// router as observable gauges.
func RegisterRouterGauges(meter metric.Meter, router *routing.Router) (metric.Registration, error) {
	activeRequests, err := meter.Int64ObservableGauge("router_node_active_requests")
	if err != nil {
		return nil, err
	}

	readLatency, err := meter.Int64ObservableGauge("router_node_read_latency",
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	needsRepair, err := meter.Int64ObservableGauge("router_node_needs_repair")
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		for _, group := range router.Snapshot() {
			for _, node := range group.Nodes {
				attrs := metric.WithAttributes(
					attribute.String("group", string(group.GroupID)),
					attribute.String("node", string(node.NodeID)),
					attribute.String("role", node.Role.String()))

				repair := int64(0)
				if node.NeedsRepair {
					repair = 1
				}

				o.ObserveInt64(activeRequests, node.ActiveRequests, attrs)
				o.ObserveInt64(readLatency, node.AvgReadLatencyMs, attrs)
				o.ObserveInt64(needsRepair, repair, attrs)
			}
		}
		return nil
	}, activeRequests, readLatency, needsRepair)
}
