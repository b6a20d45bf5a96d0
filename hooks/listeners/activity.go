package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusledger/core"
	"github.com/INLOpen/nexusledger/hooks"
)

var (
	// expvars are process-global, so they are registered once and shared by
	// every ActivityListener.
	activityMetricsOnce sync.Once
	actionsTotal        *expvar.Map
	moneyInTotal        *expvar.Int
	moneyOutTotal       *expvar.Int
	sharesTradedTotal   *expvar.Int
)

func initActivityMetrics() {
	activityMetricsOnce.Do(func() {
		actionsTotal = expvar.NewMap("ledger_durable_actions_total")
		moneyInTotal = expvar.NewInt("ledger_money_in_total")
		moneyOutTotal = expvar.NewInt("ledger_money_out_total")
		sharesTradedTotal = expvar.NewInt("ledger_shares_traded_total")
		// Net cash that entered the ledger through deposits and withdrawals.
		expvar.Publish("ledger_net_cash_flow", expvar.Func(func() interface{} {
			return moneyInTotal.Value() - moneyOutTotal.Value()
		}))
	})
}

// ActivityListener turns durable log appends into per-action counters.
type ActivityListener struct {
	logger *slog.Logger

	actionsTotal      *expvar.Map
	moneyInTotal      *expvar.Int
	moneyOutTotal     *expvar.Int
	sharesTradedTotal *expvar.Int
}

// NewActivityListener creates a new listener.
func NewActivityListener(logger *slog.Logger) *ActivityListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initActivityMetrics()
	return &ActivityListener{
		logger:            logger.With("component", "ActivityListener"),
		actionsTotal:      actionsTotal,
		moneyInTotal:      moneyInTotal,
		moneyOutTotal:     moneyOutTotal,
		sharesTradedTotal: sharesTradedTotal,
	}
}

// OnEvent is called when a PostLogAppend event is triggered.
func (l *ActivityListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.LogAppendPayload)
	if !ok {
		return nil
	}

	rec := payload.Record
	l.actionsTotal.Add(rec.Action.String(), 1)
	switch rec.Action {
	case core.ActionDeposit:
		l.moneyInTotal.Add(rec.AmountMoney)
	case core.ActionWithdraw:
		l.moneyOutTotal.Add(rec.AmountMoney)
	case core.ActionTrade:
		qty := rec.Quantity
		if qty < 0 {
			qty = -qty
		}
		l.sharesTradedTotal.Add(qty)
	}

	l.logger.Debug("Durable action recorded", "sequence", payload.Sequence, "action", rec.Action.String(), "user_id", rec.UserID)
	return nil
}

// Priority defines the execution order. Lower numbers run first.
func (l *ActivityListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *ActivityListener) IsAsync() bool { return true }
