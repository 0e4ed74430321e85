package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricTargetsAcceptedTotal  = "crosslink_targets_accepted_total"
	MetricTargetsRejectedTotal  = "crosslink_targets_rejected_total"
	MetricFillsAppliedTotal     = "crosslink_fills_applied_total"
	MetricFillsDuplicateTotal   = "crosslink_fills_duplicate_total"
	MetricTargetsCancelledTotal = "crosslink_targets_cancelled_total"
	MetricSubscriberOverflows   = "crosslink_subscriber_overflows_total"
	MetricSubscribersActive     = "crosslink_subscribers_active"
	MetricLedgerKeys            = "crosslink_ledger_keys"
	MetricLedgerKeysHalted      = "crosslink_ledger_keys_halted"
	MetricApplyLatency          = "crosslink_ledger_apply_latency_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	TargetsAcceptedTotal  metric.Int64Counter
	TargetsRejectedTotal  metric.Int64Counter
	FillsAppliedTotal     metric.Int64Counter
	FillsDuplicateTotal   metric.Int64Counter
	TargetsCancelledTotal metric.Int64Counter
	SubscriberOverflows   metric.Int64Counter
	SubscribersActive     metric.Int64ObservableGauge
	LedgerKeys            metric.Int64ObservableGauge
	LedgerKeysHalted      metric.Int64ObservableGauge
	ApplyLatency          metric.Float64Histogram

	// State for observable gauges
	mu               sync.RWMutex
	subscribersCount int64
	ledgerKeys       int64
	ledgerKeysHalted int64

	initialized bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
	})
	return globalMetrics
}

// InitMetrics creates the instruments on the given meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.TargetsAcceptedTotal, err = meter.Int64Counter(MetricTargetsAcceptedTotal,
		metric.WithDescription("Total number of confirmed target positions")); err != nil {
		return err
	}
	if m.TargetsRejectedTotal, err = meter.Int64Counter(MetricTargetsRejectedTotal,
		metric.WithDescription("Total number of rejected target positions by reason")); err != nil {
		return err
	}
	if m.FillsAppliedTotal, err = meter.Int64Counter(MetricFillsAppliedTotal,
		metric.WithDescription("Total number of fills applied to the ledger")); err != nil {
		return err
	}
	if m.FillsDuplicateTotal, err = meter.Int64Counter(MetricFillsDuplicateTotal,
		metric.WithDescription("Total number of duplicate fills ignored")); err != nil {
		return err
	}
	if m.TargetsCancelledTotal, err = meter.Int64Counter(MetricTargetsCancelledTotal,
		metric.WithDescription("Total number of cancelled targets")); err != nil {
		return err
	}
	if m.SubscriberOverflows, err = meter.Int64Counter(MetricSubscriberOverflows,
		metric.WithDescription("Total number of subscriber streams terminated on overflow")); err != nil {
		return err
	}
	if m.ApplyLatency, err = meter.Float64Histogram(MetricApplyLatency,
		metric.WithDescription("Ledger write latency in milliseconds")); err != nil {
		return err
	}

	if m.SubscribersActive, err = meter.Int64ObservableGauge(MetricSubscribersActive,
		metric.WithDescription("Current number of registered subscribers"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.subscribersCount)
			return nil
		})); err != nil {
		return err
	}
	if m.LedgerKeys, err = meter.Int64ObservableGauge(MetricLedgerKeys,
		metric.WithDescription("Current number of ledger keys"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.ledgerKeys)
			return nil
		})); err != nil {
		return err
	}
	if m.LedgerKeysHalted, err = meter.Int64ObservableGauge(MetricLedgerKeysHalted,
		metric.WithDescription("Current number of halted ledger keys"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.ledgerKeysHalted)
			return nil
		})); err != nil {
		return err
	}

	m.initialized = true
	return nil
}

// RecordTargetAccepted increments the accepted-targets counter
func (m *MetricsHolder) RecordTargetAccepted(ctx context.Context) {
	if !m.initialized {
		return
	}
	m.TargetsAcceptedTotal.Add(ctx, 1)
}

// RecordTargetRejected increments the rejected-targets counter with the reason label
func (m *MetricsHolder) RecordTargetRejected(ctx context.Context, reason string) {
	if !m.initialized {
		return
	}
	m.TargetsRejectedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordFillApplied increments the applied-fills counter
func (m *MetricsHolder) RecordFillApplied(ctx context.Context) {
	if !m.initialized {
		return
	}
	m.FillsAppliedTotal.Add(ctx, 1)
}

// RecordFillDuplicate increments the duplicate-fills counter
func (m *MetricsHolder) RecordFillDuplicate(ctx context.Context) {
	if !m.initialized {
		return
	}
	m.FillsDuplicateTotal.Add(ctx, 1)
}

// RecordTargetsCancelled adds to the cancelled-targets counter
func (m *MetricsHolder) RecordTargetsCancelled(ctx context.Context, n int64) {
	if !m.initialized {
		return
	}
	m.TargetsCancelledTotal.Add(ctx, n)
}

// RecordSubscriberOverflow increments the overflow counter
func (m *MetricsHolder) RecordSubscriberOverflow(ctx context.Context) {
	if !m.initialized {
		return
	}
	m.SubscriberOverflows.Add(ctx, 1)
}

// RecordApplyLatency records a ledger write latency sample
func (m *MetricsHolder) RecordApplyLatency(ctx context.Context, ms float64) {
	if !m.initialized {
		return
	}
	m.ApplyLatency.Record(ctx, ms)
}

// SetSubscriberCount updates the subscriber gauge state
func (m *MetricsHolder) SetSubscriberCount(n int64) {
	m.mu.Lock()
	m.subscribersCount = n
	m.mu.Unlock()
}

// SetLedgerKeyCounts updates the ledger key gauges
func (m *MetricsHolder) SetLedgerKeyCounts(total, halted int64) {
	m.mu.Lock()
	m.ledgerKeys = total
	m.ledgerKeysHalted = halted
	m.mu.Unlock()
}
