package core

import (
	"maps"
	"slices"
)

// Portfolio is the derived, in-memory holding of one user. It is never a source
// of truth: recovery rebuilds it from snapshot.bin and history.bin.
type Portfolio struct {
	Cash   int64
	Stocks map[uint32]int64
}

// NewPortfolio returns an empty portfolio with an initialized stock map.
func NewPortfolio() *Portfolio {
	return &Portfolio{Stocks: make(map[uint32]int64)}
}

// Apply mutates the portfolio with the effect of one log record and reports
// whether the record carried a known action. Unknown actions are ignored.
func (p *Portfolio) Apply(rec *LogRecord) bool {
	switch rec.Action {
	case ActionDeposit:
		p.Cash += rec.AmountMoney
	case ActionWithdraw:
		p.Cash -= rec.AmountMoney
	case ActionTrade:
		p.Cash -= rec.AmountMoney
		if p.Stocks == nil {
			p.Stocks = make(map[uint32]int64)
		}
		p.Stocks[rec.SymbolID] += rec.Quantity
	case ActionNone:
		return true
	default:
		return false
	}
	return true
}

// Clone returns a deep copy.
func (p *Portfolio) Clone() *Portfolio {
	c := &Portfolio{Cash: p.Cash, Stocks: make(map[uint32]int64, len(p.Stocks))}
	maps.Copy(c.Stocks, p.Stocks)
	return c
}

// SortedSymbols returns the held symbol ids in ascending order.
func (p *Portfolio) SortedSymbols() []uint32 {
	return slices.Sorted(maps.Keys(p.Stocks))
}

// PortfolioTable maps user id to portfolio.
type PortfolioTable map[uint64]*Portfolio

// Get returns the portfolio for id, creating an empty one if absent.
func (t PortfolioTable) Get(id uint64) *Portfolio {
	p, ok := t[id]
	if !ok {
		p = NewPortfolio()
		t[id] = p
	}
	return p
}

// Clone deep-copies the table so it can be serialized outside the state lock.
func (t PortfolioTable) Clone() PortfolioTable {
	c := make(PortfolioTable, len(t))
	for id, p := range t {
		c[id] = p.Clone()
	}
	return c
}

// SortedIDs returns the user ids in ascending order.
func (t PortfolioTable) SortedIDs() []uint64 {
	return slices.Sorted(maps.Keys(t))
}

// Equal reports whether two tables hold the same cash and non-zero positions.
// A symbol held at quantity zero is treated as absent.
func (t PortfolioTable) Equal(other PortfolioTable) bool {
	if len(t) != len(other) {
		return false
	}
	for id, p := range t {
		o, ok := other[id]
		if !ok || p.Cash != o.Cash {
			return false
		}
		if !sameHoldings(p.Stocks, o.Stocks) || !sameHoldings(o.Stocks, p.Stocks) {
			return false
		}
	}
	return true
}

func sameHoldings(a, b map[uint32]int64) bool {
	for sym, qty := range a {
		if qty != 0 && b[sym] != qty {
			return false
		}
	}
	return true
}
