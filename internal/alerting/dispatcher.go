package alerting

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"cvdwatcher/internal/metrics"
	"cvdwatcher/internal/storage"
)

const defaultDispatchLimit = 50

// DispatchSummary counts one dispatch pass.
type DispatchSummary struct {
	Pending int
	Sent    int
	Failed  int
}

// Dispatcher delivers pending alerts at least once: an alert is marked only
// after its notification succeeded, so a crash in between re-sends it.
type Dispatcher struct {
	alerts   storage.AlertStore
	notifier Notifier
	limit    int
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewDispatcher wires a dispatcher. A non-positive limit uses 50.
func NewDispatcher(alerts storage.AlertStore, notifier Notifier, limit int, m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	if limit <= 0 {
		limit = defaultDispatchLimit
	}
	return &Dispatcher{
		alerts:   alerts,
		notifier: notifier,
		limit:    limit,
		metrics:  m,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// DispatchPending sends every pending alert up to the limit. Delivery failures
// are counted and left pending for the next pass.
func (d *Dispatcher) DispatchPending(ctx context.Context) (DispatchSummary, error) {
	pending, err := d.alerts.ListPendingAlerts(ctx, d.limit)
	if err != nil {
		return DispatchSummary{}, fmt.Errorf("list pending alerts: %w", err)
	}

	summary := DispatchSummary{Pending: len(pending)}
	for _, alert := range pending {
		if err := d.notifier.Notify(ctx, alert); err != nil {
			summary.Failed++
			d.metrics.RecordDispatch(false)
			d.logger.Error().Err(err).Int64("alert_id", alert.ID).Str("symbol", alert.Symbol).Msg("alert delivery failed")
			continue
		}
		if err := d.alerts.MarkAlertDispatched(ctx, alert.ID); err != nil {
			return summary, fmt.Errorf("mark alert %d dispatched: %w", alert.ID, err)
		}
		summary.Sent++
		d.metrics.RecordDispatch(true)
	}
	return summary, nil
}
