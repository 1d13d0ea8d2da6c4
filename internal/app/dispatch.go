package app

import (
	"context"
	"fmt"
	"time"

	"cvdwatcher/internal/alerting"
	"cvdwatcher/internal/metrics"
)

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

// Dispatch delivers pending alerts through the configured channel.
func (a *App) Dispatch(ctx context.Context) (alerting.DispatchSummary, error) {
	if !a.Config.Alerting.Enabled {
		a.Logger.Warn().Msg("alerting disabled; pending alerts left untouched")
		return alerting.DispatchSummary{}, nil
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return alerting.DispatchSummary{}, err
	}
	defer closeStore()

	var m *metrics.Metrics
	if a.Config.Metrics.Enabled {
		m = metrics.New(a.Config.Metrics.Namespace, nil)
	}

	dispatcher := alerting.NewDispatcher(store, a.newNotifier(), a.Config.Alerting.DispatchLimit, m, a.Logger)
	summary, err := dispatcher.DispatchPending(ctx)
	if err != nil {
		return summary, err
	}

	fmt.Fprintf(a.Out, "pending=%d sent=%d failed=%d\n", summary.Pending, summary.Sent, summary.Failed)
	return summary, nil
}
