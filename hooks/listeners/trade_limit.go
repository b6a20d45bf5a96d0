package listeners

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nexusledger/core"
	"github.com/INLOpen/nexusledger/hooks"
)

// Thresholds defines the min/max acceptable share quantity of a trade.
type Thresholds struct {
	Min int64 `yaml:"min"`
	Max int64 `yaml:"max"`
}

// TradeLimitRule binds thresholds to one symbol. SymbolID 0 with Any set
// applies to every symbol without a rule of its own.
type TradeLimitRule struct {
	SymbolID   uint32     `yaml:"symbol_id"`
	Any        bool       `yaml:"any"`
	Thresholds Thresholds `yaml:"thresholds"`
}

// ErrTradeLimit is returned by an enforcing TradeLimitListener.
var ErrTradeLimit = errors.New("trade outside configured limits")

// TradeLimitListener checks trades before they are applied. In alert mode it
// only logs; when Enforce is set the trade is rejected.
type TradeLimitListener struct {
	logger   *slog.Logger
	rules    map[uint32]Thresholds
	fallback *Thresholds
	enforce  bool
}

// NewTradeLimitListener creates a listener for the given rules.
func NewTradeLimitListener(logger *slog.Logger, rules []TradeLimitRule, enforce bool) *TradeLimitListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	l := &TradeLimitListener{
		logger:  logger.With("component", "TradeLimitListener"),
		rules:   make(map[uint32]Thresholds),
		enforce: enforce,
	}
	for _, rule := range rules {
		if rule.Any {
			th := rule.Thresholds
			l.fallback = &th
			continue
		}
		l.rules[rule.SymbolID] = rule.Thresholds
	}
	return l
}

// OnEvent handles PreApply events for trades.
func (l *TradeLimitListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPreApply {
		return nil
	}

	payload, ok := event.Payload().(hooks.ApplyPayload)
	if !ok {
		l.logger.Error("Received PreApply event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}
	rec := payload.Record
	if rec.Action != core.ActionTrade {
		return nil
	}

	th, ok := l.rules[rec.SymbolID]
	if !ok {
		if l.fallback == nil {
			return nil
		}
		th = *l.fallback
	}
	if rec.Quantity >= th.Min && rec.Quantity <= th.Max {
		return nil
	}

	l.logger.Warn("Trade outside limits",
		"username", payload.Username,
		"symbol_id", rec.SymbolID,
		"quantity", rec.Quantity,
		"min_threshold", th.Min,
		"max_threshold", th.Max,
		"enforced", l.enforce,
	)
	if l.enforce {
		return fmt.Errorf("%w: symbol %d quantity %d not in [%d, %d]", ErrTradeLimit, rec.SymbolID, rec.Quantity, th.Min, th.Max)
	}
	return nil
}

// Priority defines the execution order.
func (l *TradeLimitListener) Priority() int { return 100 }

// IsAsync is ignored for Pre-hooks, which always run synchronously.
func (l *TradeLimitListener) IsAsync() bool { return false }
