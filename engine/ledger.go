package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/INLOpen/nexusledger/auth"
	"github.com/INLOpen/nexusledger/core"
	"github.com/INLOpen/nexusledger/hooks"
	"github.com/INLOpen/nexusledger/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type requestIDKey struct{}

// WithRequestID attaches an id that mutations stamp into LogRecord.RequestID.
// It is carried for tracing only and never checked.
func WithRequestID(ctx context.Context, id [core.RequestIDSize]byte) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) [core.RequestIDSize]byte {
	id, _ := ctx.Value(requestIDKey{}).([core.RequestIDSize]byte)
	return id
}

// maxTradeQuantity keeps quantity × PricePerShare inside int64.
const maxTradeQuantity = math.MaxInt64 / core.PricePerShare

// Submit hands rec to the persist queue. The caller must already have applied
// its effect to the live state. ErrQueueFull means the effect stays in memory
// but will not reach disk.
func (e *Engine) Submit(rec core.LogRecord) error {
	return e.queue.TrySubmit(queue.LogItem(rec))
}

// CurrentPortfolio returns a copy of the user's live portfolio.
func (e *Engine) CurrentPortfolio(userID uint64) (core.Portfolio, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.portfolios[userID]
	if !ok {
		return core.Portfolio{}, false
	}
	return *p.Clone(), true
}

// LookupUserID resolves a username.
func (e *Engine) LookupUserID(username string) (uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.index[username]
	return id, ok
}

// RegisterUser creates a user and queues its record. The id is the number of
// users registered before it. If the queue is full nothing is kept and
// ErrQueueFull is returned, so ids stay dense on disk.
func (e *Engine) RegisterUser(ctx context.Context, username, email, password string) (uint64, error) {
	_, span := e.tracer.Start(ctx, "Engine.RegisterUser")
	defer span.End()

	if err := validateRegistration(username, email, password); err != nil {
		return 0, err
	}
	if err := e.hookManager.Trigger(ctx, hooks.NewPreRegisterUserEvent(hooks.RegisterUserPayload{Username: username, Email: email})); err != nil {
		e.metrics.RejectedTotal.Add(1)
		return 0, fmt.Errorf("registration rejected by pre-hook: %w", err)
	}

	hash, salt, err := auth.HashPassword(password)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrEngineClosed
	}
	if _, taken := e.index[username]; taken {
		e.mu.Unlock()
		return 0, core.ErrUsernameTaken
	}
	id := uint64(len(e.creds))
	rec := core.NewUserRecord(id, username, email, hash, salt, uint64(e.clock().Unix()))
	if err := e.queue.TrySubmit(queue.UserItem(rec)); err != nil {
		e.mu.Unlock()
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("register %q: %w", username, err)
	}
	e.index[username] = id
	e.creds = append(e.creds, credential{hash: hash, salt: salt})
	e.portfolios.Get(id)
	e.mu.Unlock()

	e.metrics.RegisterTotal.Add(1)
	span.SetAttributes(attribute.Int64("ledger.user_id", int64(id)))
	e.hookManager.Trigger(context.Background(), hooks.NewPostRegisterUserEvent(hooks.RegisterUserPayload{
		UserID:   id,
		Username: username,
		Email:    email,
	}))
	return id, nil
}

func validateRegistration(username, email, password string) error {
	switch {
	case username == "":
		return &core.ValidationError{Field: "username", Value: username, Message: "must not be empty"}
	case len(username) > core.UsernameSize:
		return &core.ValidationError{Field: "username", Value: username, Message: fmt.Sprintf("longer than %d bytes", core.UsernameSize)}
	case len(email) > core.EmailSize:
		return &core.ValidationError{Field: "email", Value: email, Message: fmt.Sprintf("longer than %d bytes", core.EmailSize)}
	case password == "":
		return &core.ValidationError{Field: "password", Message: "must not be empty"}
	}
	return nil
}

// Login checks a password and returns the user id.
func (e *Engine) Login(username, password string) (uint64, error) {
	e.metrics.LoginTotal.Add(1)
	e.mu.RLock()
	id, ok := e.index[username]
	var cred credential
	if ok {
		cred = e.creds[id]
	}
	e.mu.RUnlock()

	if !ok {
		e.metrics.LoginFailuresTotal.Add(1)
		return 0, core.ErrUserNotFound
	}
	// argon2 is slow, so the lock is not held here.
	if !auth.VerifyPassword(password, cred.hash, cred.salt) {
		e.metrics.LoginFailuresTotal.Add(1)
		return 0, core.ErrInvalidCredentials
	}
	return id, nil
}

// Balance returns a copy of the user's live portfolio.
func (e *Engine) Balance(username string) (core.Portfolio, error) {
	e.metrics.BalanceTotal.Add(1)
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.index[username]
	if !ok {
		return core.Portfolio{}, core.ErrUserNotFound
	}
	return *e.portfolios.Get(id).Clone(), nil
}

// Deposit adds amount to the user's cash.
func (e *Engine) Deposit(ctx context.Context, username string, amount int64) (core.Portfolio, error) {
	if amount <= 0 {
		return core.Portfolio{}, &core.ValidationError{Field: "amount", Value: strconv.FormatInt(amount, 10), Message: "deposit must be positive"}
	}
	e.metrics.DepositTotal.Add(1)
	return e.mutate(ctx, "Engine.Deposit", username, func(p *core.Portfolio, rec *core.LogRecord) error {
		rec.Action = core.ActionDeposit
		rec.AmountMoney = amount
		return nil
	})
}

// Withdraw removes amount from the user's cash.
func (e *Engine) Withdraw(ctx context.Context, username string, amount int64) (core.Portfolio, error) {
	if amount <= 0 {
		return core.Portfolio{}, &core.ValidationError{Field: "amount", Value: strconv.FormatInt(amount, 10), Message: "withdrawal must be positive"}
	}
	e.metrics.WithdrawTotal.Add(1)
	return e.mutate(ctx, "Engine.Withdraw", username, func(p *core.Portfolio, rec *core.LogRecord) error {
		if p.Cash < amount {
			return core.ErrInsufficientFunds
		}
		rec.Action = core.ActionWithdraw
		rec.AmountMoney = amount
		return nil
	})
}

// Trade buys (quantity > 0) or sells (quantity < 0) shares of symbolID at
// PricePerShare. The log record carries the signed cost.
func (e *Engine) Trade(ctx context.Context, username string, symbolID uint32, quantity int64) (core.Portfolio, error) {
	if quantity == 0 || quantity > maxTradeQuantity || quantity < -maxTradeQuantity {
		return core.Portfolio{}, &core.ValidationError{Field: "quantity", Value: strconv.FormatInt(quantity, 10), Message: "must be non-zero and within range"}
	}
	e.metrics.TradeTotal.Add(1)
	cost := quantity * core.PricePerShare
	return e.mutate(ctx, "Engine.Trade", username, func(p *core.Portfolio, rec *core.LogRecord) error {
		if quantity > 0 && p.Cash < cost {
			return core.ErrInsufficientFunds
		}
		if quantity < 0 && p.Stocks[symbolID] < -quantity {
			return core.ErrInsufficientStock
		}
		rec.Action = core.ActionTrade
		rec.SymbolID = symbolID
		rec.Quantity = quantity
		rec.AmountMoney = cost
		return nil
	})
}

// mutate runs the read-modify-enqueue sequence under the write lock. build
// checks the current portfolio and fills in the record. On ErrQueueFull the
// applied portfolio is returned together with the error.
func (e *Engine) mutate(ctx context.Context, spanName, username string, build func(p *core.Portfolio, rec *core.LogRecord) error) (core.Portfolio, error) {
	ctx, span := e.tracer.Start(ctx, spanName)
	defer span.End()
	start := time.Now()
	defer func() { observeLatency(e.metrics.ApplyLatencyHist, time.Since(start)) }()

	// Runs after the unlock below, so listeners may call back into the engine.
	var dropped *hooks.PersistDroppedPayload
	defer func() {
		if dropped != nil {
			e.hookManager.Trigger(context.Background(), hooks.NewOnPersistDroppedEvent(*dropped))
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return core.Portfolio{}, ErrEngineClosed
	}

	id, ok := e.index[username]
	if !ok {
		return core.Portfolio{}, core.ErrUserNotFound
	}
	p := e.portfolios.Get(id)

	rec := core.NewLogRecord(id, uint64(e.clock().Unix()), core.ActionNone, 0, 0, 0)
	rec.RequestID = requestIDFrom(ctx)
	if err := build(p, &rec); err != nil {
		return *p.Clone(), err
	}
	if err := e.hookManager.Trigger(ctx, hooks.NewPreApplyEvent(hooks.ApplyPayload{Username: username, Record: rec})); err != nil {
		e.metrics.RejectedTotal.Add(1)
		return *p.Clone(), fmt.Errorf("%s rejected by pre-hook: %w", rec.Action, err)
	}

	p.Apply(&rec)
	span.SetAttributes(
		attribute.Int64("ledger.user_id", int64(id)),
		attribute.String("ledger.action", rec.Action.String()),
	)
	if err := e.Submit(rec); err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, core.ErrQueueFull) {
			e.metrics.PersistDroppedTotal.Add(1)
			dropped = &hooks.PersistDroppedPayload{Record: rec, Err: err}
		}
		return *p.Clone(), err
	}
	return *p.Clone(), nil
}
